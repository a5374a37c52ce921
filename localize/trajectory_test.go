package localize

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trajectoryFixture(t *testing.T, tolerance float64) *TrajectoryRecorder {
	t.Helper()
	store, err := NewKeyframeStore(lineKeyframes(3))
	require.NoError(t, err)
	rec := NewTrajectoryRecorder(store.All(), tolerance)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.Seed([]HistoryEntry{{Position: Vec3{X: 0, Y: 0}, Timestamp: at}})
	for i, p := range []Vec3{{X: 1, Y: 0.01}, {X: 2, Y: 0}, {X: 2, Y: 3}} {
		require.NoError(t, rec.Emit(context.Background(), LocalizationRecord{
			CycleID:   "c" + string(rune('1'+i)),
			Timestamp: at.Add(time.Duration(i+1) * time.Second),
			Status:    Localized,
			Position:  p,
			Matches: []MatchRecord{
				{KeyframeID: 0, Origin: Vec3{}, Direction: ToVec3(r3.Vector{X: 1, Y: 1}.Normalize()), Score: 20, Inliers: 15},
				{KeyframeID: 2, Origin: Vec3{X: 2}, Direction: Vec3{Y: 1}, Score: 12, Inliers: 9},
			},
			History: []HistoryEntry{{}},
		}))
	}
	return rec
}

func TestTrajectoryRecorder(t *testing.T) {
	rec := trajectoryFixture(t, 0)

	snap := rec.Snapshot()
	require.Len(t, snap.Path, 4, "seeded history plus three emits")
	require.NotNil(t, snap.Last)
	assert.Equal(t, "c3", snap.Last.CycleID)
	assert.Nil(t, snap.Last.History, "the last record drops its history copy")
	assert.Len(t, snap.Keyframes, 3)

	assert.Len(t, rec.PathLineString(), 4)
	assert.InDelta(t, 1+1+3, rec.Length(), 1e-3)

	snap.Path[0].CycleID = "mutated"
	assert.Empty(t, rec.Snapshot().Path[0].CycleID)
}

func TestTrajectorySimplification(t *testing.T) {
	rec := trajectoryFixture(t, 0.1)
	ls := rec.PathLineString()
	assert.Equal(t, orb.LineString{{0, 0}, {2, 0}, {2, 3}}, ls, "the nearly collinear point is dropped")
	assert.InDelta(t, 5, rec.Length(), 1e-3, "length uses the raw path")
}

func TestTrajectoryFeatureCollection(t *testing.T) {
	fc := trajectoryFixture(t, 0).FeatureCollection()

	layers := map[string]int{}
	for _, f := range fc.Features {
		layers[f.Properties.MustString("layer")]++
	}
	assert.Equal(t, map[string]int{"keyframe": 3, "path": 1, "position": 1, "ray": 2}, layers)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	parsed, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, parsed.Features, len(fc.Features))

	for _, f := range parsed.Features {
		if f.Properties.MustString("layer") != "ray" || f.Properties.MustInt("keyframeId") != 2 {
			continue
		}
		ls, ok := f.Geometry.(orb.LineString)
		require.True(t, ok)
		assert.InDelta(t, RayArrowLength, ls[1][1], 1e-9)
	}
}

func TestTrajectoryEmpty(t *testing.T) {
	rec := NewTrajectoryRecorder(nil, 0)
	assert.Empty(t, rec.FeatureCollection().Features)
	assert.Zero(t, rec.Length())

	r := NewTrajectoryRenderer()
	var buf bytes.Buffer
	assert.Error(t, r.RenderToSVG(&buf, rec.Snapshot()))
	assert.Error(t, r.RenderToPNG(&buf, rec.Snapshot()))
}

func TestTrajectoryRenderer(t *testing.T) {
	snap := trajectoryFixture(t, 0).Snapshot()
	r := NewTrajectoryRenderer()

	var svgBuf bytes.Buffer
	require.NoError(t, r.RenderToSVG(&svgBuf, snap))
	assert.True(t, strings.Contains(svgBuf.String(), "<svg"))

	var pngBuf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&pngBuf, snap))
	img, err := png.Decode(&pngBuf)
	require.NoError(t, err)

	w, h := r.size(mustBounds(t, r, snap))
	assert.InDelta(t, w*4, float64(img.Bounds().Dx()), 1)
	assert.InDelta(t, h*4, float64(img.Bounds().Dy()), 1)
}

func mustBounds(t *testing.T, r *TrajectoryRenderer, snap TrajectorySnapshot) worldBounds {
	t.Helper()
	b, err := r.bounds(snap)
	require.NoError(t, err)
	return b
}

func TestArrowHead(t *testing.T) {
	p := arrowHead(0, 0, 10, 0, 2)
	require.NotNil(t, p)
	assert.False(t, p.Empty())
}
