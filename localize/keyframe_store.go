package localize

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// KeyframeStore owns the map's keyframes. Membership is fixed after
// construction; only the iteration order changes.
type KeyframeStore struct {
	mu     sync.RWMutex
	frames []*Keyframe
	byID   map[int]*Keyframe
	dim    int
}

// NewKeyframeStore validates and takes ownership of the given keyframes.
// Every keyframe must use the same descriptor length.
func NewKeyframeStore(frames []Keyframe) (*KeyframeStore, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyMap
	}

	s := &KeyframeStore{
		frames: make([]*Keyframe, len(frames)),
		byID:   make(map[int]*Keyframe, len(frames)),
	}
	for i := range frames {
		kf := frames[i]
		if err := kf.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[kf.ID]; dup {
			return nil, fmt.Errorf("duplicate keyframe id %d", kf.ID)
		}
		if d := len(kf.Descriptors[0]); i == 0 {
			s.dim = d
		} else if d != s.dim {
			return nil, fmt.Errorf("%w: keyframe %d has length %d, keyframe %d has %d",
				ErrDescriptorMismatch, kf.ID, d, frames[0].ID, s.dim)
		}
		s.frames[i] = &kf
		s.byID[kf.ID] = &kf
	}
	return s, nil
}

// Size returns the number of keyframes.
func (s *KeyframeStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// DescriptorLength returns the length shared by every keyframe descriptor.
func (s *KeyframeStore) DescriptorLength() int {
	return s.dim
}

// Window returns the first n keyframes in the current order.
func (s *KeyframeStore) Window(n int) []*Keyframe {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(s.frames) {
		n = len(s.frames)
	}
	out := make([]*Keyframe, n)
	copy(out, s.frames[:n])
	return out
}

// All returns every keyframe in the current order.
func (s *KeyframeStore) All() []*Keyframe {
	return s.Window(s.Size())
}

// Get returns the keyframe with the given ID.
func (s *KeyframeStore) Get(id int) (*Keyframe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.byID[id]
	return kf, ok
}

// ReorderByDistanceTo sorts keyframes by ascending distance from p. The sort
// is stable, so equidistant keyframes keep their relative order.
func (s *KeyframeStore) ReorderByDistanceTo(p r3.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reorderLocked(p)
}

func (s *KeyframeStore) reorderLocked(p r3.Vector) {
	dist := make(map[*Keyframe]float64, len(s.frames))
	for _, kf := range s.frames {
		dist[kf] = kf.Position().Sub(p).Norm2()
	}
	sort.SliceStable(s.frames, func(i, j int) bool {
		return dist[s.frames[i]] < dist[s.frames[j]]
	})
}

// ReorderedWindow reorders by distance to p and returns the first n keyframes
// without letting another reorder interleave.
func (s *KeyframeStore) ReorderedWindow(p r3.Vector, n int) []*Keyframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reorderLocked(p)

	if n <= 0 {
		return nil
	}
	if n > len(s.frames) {
		n = len(s.frames)
	}
	out := make([]*Keyframe, n)
	copy(out, s.frames[:n])
	return out
}

// Bounds returns the axis-aligned bounding box of keyframe positions.
func (s *KeyframeStore) Bounds() (lo, hi r3.Vector) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, kf := range s.frames {
		p := kf.Position()
		if i == 0 {
			lo, hi = p, p
			continue
		}
		lo = r3.Vector{X: min(lo.X, p.X), Y: min(lo.Y, p.Y), Z: min(lo.Z, p.Z)}
		hi = r3.Vector{X: max(hi.X, p.X), Y: max(hi.Y, p.Y), Z: max(hi.Z, p.Z)}
	}
	return lo, hi
}
