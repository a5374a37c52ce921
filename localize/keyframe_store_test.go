package localize

import (
	"errors"
	"sort"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineKeyframes returns n keyframes at x = 0, 1, ..., n-1.
func lineKeyframes(n int) []Keyframe {
	out := make([]Keyframe, n)
	for i := range out {
		out[i] = Keyframe{
			ID:          i,
			Keypoints:   []r2.Point{{X: 1, Y: 1}},
			Descriptors: [][]float64{{float64(i), 0}},
			Pose:        NewTransform(IdentityRotation(), r3.Vector{X: float64(i)}),
		}
	}
	return out
}

func ids(frames []*Keyframe) []int {
	out := make([]int, len(frames))
	for i, kf := range frames {
		out[i] = kf.ID
	}
	return out
}

func TestNewKeyframeStoreValidation(t *testing.T) {
	tests := []struct {
		name    string
		frames  []Keyframe
		wantErr error
	}{
		{name: "empty map", frames: nil, wantErr: ErrEmptyMap},
		{
			name:   "no descriptors",
			frames: []Keyframe{{ID: 0}},
		},
		{
			name: "cardinality mismatch",
			frames: []Keyframe{{
				ID:          0,
				Keypoints:   []r2.Point{{}, {}},
				Descriptors: [][]float64{{1}},
			}},
		},
		{
			name: "ragged descriptors",
			frames: []Keyframe{{
				ID:          0,
				Keypoints:   []r2.Point{{}, {}},
				Descriptors: [][]float64{{1, 2}, {1}},
			}},
		},
		{
			name:   "duplicate id",
			frames: append(lineKeyframes(1), lineKeyframes(1)...),
		},
		{
			name: "descriptor lengths differ between keyframes",
			frames: append(lineKeyframes(1), Keyframe{
				ID:          1,
				Keypoints:   []r2.Point{{}},
				Descriptors: [][]float64{{1, 2, 3}},
			}),
			wantErr: ErrDescriptorMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyframeStore(tt.frames)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
		})
	}
}

func TestKeyframeStoreWindow(t *testing.T) {
	s, err := NewKeyframeStore(lineKeyframes(5))
	require.NoError(t, err)

	assert.Equal(t, 5, s.Size())
	assert.Equal(t, 2, s.DescriptorLength())
	assert.Equal(t, []int{0, 1, 2}, ids(s.Window(3)))
	assert.Len(t, s.Window(10), 5, "window never exceeds the store")
	assert.Nil(t, s.Window(0))

	kf, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, 3, kf.ID)
	_, ok = s.Get(99)
	assert.False(t, ok)
}

func TestReorderByDistancePreservesMembership(t *testing.T) {
	s, err := NewKeyframeStore(lineKeyframes(6))
	require.NoError(t, err)

	s.ReorderByDistanceTo(r3.Vector{X: 3.9})
	order := ids(s.All())
	assert.Equal(t, []int{4, 3, 5, 2, 1, 0}, order)

	sorted := append([]int(nil), order...)
	sort.Ints(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, sorted, "reordering must not change membership")

	// Equidistant keyframes keep their relative order.
	s.ReorderByDistanceTo(r3.Vector{X: 2.5})
	assert.Equal(t, []int{3, 2, 4, 1, 5, 0}, ids(s.All()))
}

func TestReorderedWindow(t *testing.T) {
	s, err := NewKeyframeStore(lineKeyframes(10))
	require.NoError(t, err)

	w := s.ReorderedWindow(r3.Vector{X: 9}, 3)
	assert.Equal(t, []int{9, 8, 7}, ids(w))
	assert.Equal(t, 10, s.Size())
	assert.Len(t, s.ReorderedWindow(r3.Vector{}, 50), 10)
}

func TestKeyframeStoreBounds(t *testing.T) {
	frames := lineKeyframes(3)
	frames[1].Pose = NewTransform(IdentityRotation(), r3.Vector{X: 1, Y: -2, Z: 4})
	s, err := NewKeyframeStore(frames)
	require.NoError(t, err)

	lo, hi := s.Bounds()
	assert.Equal(t, r3.Vector{X: 0, Y: -2, Z: 0}, lo)
	assert.Equal(t, r3.Vector{X: 2, Y: 0, Z: 4}, hi)
}
