package localize

import (
	"context"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// RayArrowLength is the drawn length of a ray in world units.
const RayArrowLength = 5.0

// TrajectoryRecorder keeps the estimated path and the last cycle's rays for
// export. It implements PoseSink.
type TrajectoryRecorder struct {
	mu        sync.RWMutex
	path      []HistoryEntry
	last      *LocalizationRecord
	keyframes []Vec3
	tolerance float64
}

// NewTrajectoryRecorder builds a recorder. keyframes are drawn as the map;
// tolerance is the Douglas-Peucker threshold for the exported path (0 keeps
// every point).
func NewTrajectoryRecorder(keyframes []*Keyframe, tolerance float64) *TrajectoryRecorder {
	t := &TrajectoryRecorder{tolerance: tolerance}
	for _, kf := range keyframes {
		t.keyframes = append(t.keyframes, ToVec3(kf.Position()))
	}
	return t
}

// Seed preloads a persisted history.
func (t *TrajectoryRecorder) Seed(h []HistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = append(t.path[:0], h...)
}

// Emit implements PoseSink.
func (t *TrajectoryRecorder) Emit(_ context.Context, rec LocalizationRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = append(t.path, HistoryEntry{Position: rec.Position, Timestamp: rec.Timestamp, CycleID: rec.CycleID})
	r := rec
	r.History = nil
	t.last = &r
	return nil
}

// TrajectorySnapshot is a copy of what the recorder holds.
type TrajectorySnapshot struct {
	Path      []HistoryEntry
	Last      *LocalizationRecord
	Keyframes []Vec3
}

// Snapshot returns a copy of the recorded data.
func (t *TrajectoryRecorder) Snapshot() TrajectorySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := TrajectorySnapshot{
		Path:      append([]HistoryEntry(nil), t.path...),
		Keyframes: append([]Vec3(nil), t.keyframes...),
	}
	if t.last != nil {
		l := *t.last
		s.Last = &l
	}
	return s
}

// PathLineString returns the top-down (x, y) path, simplified when a
// tolerance is set.
func (t *TrajectoryRecorder) PathLineString() orb.LineString {
	t.mu.RLock()
	ls := make(orb.LineString, len(t.path))
	for i, h := range t.path {
		ls[i] = orb.Point{h.Position.X, h.Position.Y}
	}
	tol := t.tolerance
	t.mu.RUnlock()

	if tol > 0 && len(ls) > 2 {
		if s, ok := simplify.DouglasPeucker(tol).Simplify(ls.Clone()).(orb.LineString); ok {
			return s
		}
	}
	return ls
}

// Length returns the planar length of the unsimplified path.
func (t *TrajectoryRecorder) Length() float64 {
	t.mu.RLock()
	ls := make(orb.LineString, len(t.path))
	for i, h := range t.path {
		ls[i] = orb.Point{h.Position.X, h.Position.Y}
	}
	t.mu.RUnlock()
	return planar.Length(ls)
}

// FeatureCollection exports keyframes, the path, the current position and
// the last cycle's rays as GeoJSON in world x, y.
func (t *TrajectoryRecorder) FeatureCollection() *geojson.FeatureCollection {
	snap := t.Snapshot()
	fc := geojson.NewFeatureCollection()

	for i, k := range snap.Keyframes {
		f := geojson.NewFeature(orb.Point{k.X, k.Y})
		f.Properties["layer"] = "keyframe"
		f.Properties["index"] = i
		f.Properties["z"] = k.Z
		fc.Append(f)
	}

	if path := t.PathLineString(); len(path) >= 2 {
		f := geojson.NewFeature(path)
		f.Properties["layer"] = "path"
		f.Properties["points"] = len(snap.Path)
		f.Properties["length"] = t.Length()
		fc.Append(f)
	}

	if snap.Last != nil {
		p := snap.Last.Position
		f := geojson.NewFeature(orb.Point{p.X, p.Y})
		f.Properties["layer"] = "position"
		f.Properties["z"] = p.Z
		f.Properties["cycleId"] = snap.Last.CycleID
		f.Properties["timestamp"] = snap.Last.Timestamp
		fc.Append(f)

		for _, m := range snap.Last.Matches {
			tip := m.Origin.Vector().Add(m.Direction.Vector().Mul(RayArrowLength))
			f := geojson.NewFeature(orb.LineString{{m.Origin.X, m.Origin.Y}, {tip.X, tip.Y}})
			f.Properties["layer"] = "ray"
			f.Properties["keyframeId"] = m.KeyframeID
			f.Properties["score"] = m.Score
			f.Properties["inliers"] = m.Inliers
			fc.Append(f)
		}
	}
	return fc
}
