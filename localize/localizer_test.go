package localize

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockScorer is a CandidateScorer driven by testify expectations.
type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) MatchWindow(ctx context.Context, q *QueryFrame, window []*Keyframe) ([]CandidateMatch, error) {
	args := m.Called(ctx, q, window)
	matches, _ := args.Get(0).([]CandidateMatch)
	return matches, args.Error(1)
}

// recovererFunc adapts a function to PoseRecoverer.
type recovererFunc func(m *CandidateMatch) PoseEstimate

func (f recovererFunc) RecoverPose(m *CandidateMatch) PoseEstimate { return f(m) }

var syntheticKeyframePositions = []r3.Vector{
	{X: -2, Y: -1, Z: 10},
	{X: 2, Y: -1, Z: 10},
	{X: 0, Y: 2, Z: 10},
	{X: 1, Y: 1, Z: 10},
}

type localizerFixture struct {
	scene     *syntheticScene
	store     *KeyframeStore
	state     *LocalizationState
	metrics   *Metrics
	localizer *Localizer

	mu      sync.Mutex
	records []LocalizationRecord
}

func (f *localizerFixture) emitted() []LocalizationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LocalizationRecord(nil), f.records...)
}

// newLocalizerFixture wires a real matcher and homography recoverer over a
// synthetic ground-plane map. scorer and recoverer override the real ones
// when non-nil.
func newLocalizerFixture(t *testing.T, scorer CandidateScorer, recoverer PoseRecoverer) *localizerFixture {
	t.Helper()
	return newLocalizerFixtureAt(t, syntheticKeyframePositions, scorer, recoverer)
}

// newLocalizerFixtureAt is newLocalizerFixture with keyframes at positions.
func newLocalizerFixtureAt(t *testing.T, positions []r3.Vector, scorer CandidateScorer, recoverer PoseRecoverer) *localizerFixture {
	t.Helper()
	f := &localizerFixture{scene: newSyntheticScene(t, 300, 21)}

	store, err := NewKeyframeStore(f.scene.keyframes(positions))
	require.NoError(t, err)
	f.store = store

	if scorer == nil {
		m, err := NewMatcher(DefaultMatcherConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)
		scorer = m
	}
	if recoverer == nil {
		recoverer, err = NewPoseRecoverer(DefaultPoseConfig(), f.scene.cam)
		require.NoError(t, err)
	}

	f.state = NewLocalizationState(5)
	f.metrics = NewMetrics(prometheus.NewRegistry())
	l, err := NewLocalizer(LocalizerOptions{
		Store:     store,
		Scorer:    scorer,
		Recoverer: recoverer,
		State:     f.state,
		Search:    DefaultSearchConfig(),
		Extractor: NewHarrisPatchExtractor(DefaultExtractorConfig()),
		Mailbox:   NewFrameMailbox(zaptest.NewLogger(t)),
		Sink: SinkFunc(func(_ context.Context, rec LocalizationRecord) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.records = append(f.records, rec)
			return nil
		}),
		Metrics: f.metrics,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	l.newCycle = func() string { return "cycle-test" }
	f.localizer = l
	return f
}

// stubQuery is a minimal non-empty query for tests that stub the scorer.
func stubQuery() *QueryFrame {
	return &QueryFrame{
		Source:      "stub",
		Keypoints:   []r2.Point{{X: 320, Y: 240}},
		Descriptors: [][]float64{make([]float64, 16)},
	}
}

func TestLocalizeSyntheticScene(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)
	truth := r3.Vector{X: 0.3, Y: 0.2, Z: 9.5}

	var hooked []CycleResult
	f.localizer.OnCycle(func(r CycleResult) { hooked = append(hooked, r) })

	res := f.localizer.Localize(context.Background(), f.scene.query(truth, 0.05, 22))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeLocalized, res.Outcome())
	assert.Equal(t, 4, res.WindowSize, "unlocalized cycles search the whole map")
	assert.Len(t, res.Selected, 4)
	assert.Equal(t, 4, res.ValidEstimates())

	require.NotNil(t, res.Fused)
	assert.True(t, vectorsNear(res.Fused.Position, truth, 1e-3), "fused %v, want %v", res.Fused.Position, truth)
	assert.Nil(t, res.Fused.Orientation)

	snap := f.localizer.State()
	assert.Equal(t, Localized, snap.Status)
	assert.Zero(t, snap.RetryCount)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "cycle-test", snap.History[0].CycleID)

	recs := f.emitted()
	require.Len(t, recs, 1)
	assert.Equal(t, Localized, recs[0].Status)
	assert.Len(t, recs[0].Matches, 4)
	assert.Len(t, recs[0].History, 1)
	for _, m := range recs[0].Matches {
		assert.Positive(t, m.Score)
		assert.Positive(t, m.Inliers)
		assert.InDelta(t, 1.0, m.Direction.Vector().Norm(), 1e-9)
	}

	require.Len(t, hooked, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(OutcomeLocalized)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Localized))
}

func TestLocalizeAbortsOnEmptyCandidate(t *testing.T) {
	scorer := &mockScorer{}
	f := newLocalizerFixture(t, scorer, recovererFunc(func(m *CandidateMatch) PoseEstimate {
		t.Fatalf("pose recovery must not run after an abort")
		return PoseEstimate{}
	}))
	all := f.store.All()
	scorer.On("MatchWindow", mock.Anything, mock.Anything, mock.Anything).Return([]CandidateMatch{
		{Keyframe: all[0], Good: make([]Correspondence, 12), Score: 12},
		{Keyframe: all[1], Score: 0},
	}, nil)

	before := f.state.Snapshot()
	res := f.localizer.Localize(context.Background(), stubQuery())
	assert.ErrorIs(t, res.Err, ErrCycleAborted)
	assert.Equal(t, OutcomeAborted, res.Outcome())
	assert.Empty(t, res.Estimates)
	assert.Equal(t, before, f.state.Snapshot(), "aborted cycles leave the state alone")
	assert.Empty(t, f.emitted())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(OutcomeAborted)))
	scorer.AssertExpectations(t)
}

func TestLocalizeAbortsOnEmptyQuery(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)
	f.state.RecordFailure(time.Now())
	before := f.state.Snapshot()
	require.Equal(t, 1, before.RetryCount)

	for _, q := range []*QueryFrame{
		{Source: "blank"},
		{Source: "no descriptors", Keypoints: []r2.Point{{X: 1, Y: 1}}},
	} {
		res := f.localizer.Localize(context.Background(), q)
		assert.ErrorIs(t, res.Err, ErrCycleAborted, q.Source)
		assert.Equal(t, OutcomeAborted, res.Outcome(), q.Source)
		assert.Empty(t, res.Candidates, q.Source)
		assert.Equal(t, before, f.state.Snapshot(), "%s: aborted cycles leave the state alone", q.Source)
	}
	assert.Empty(t, f.emitted())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(OutcomeAborted)))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(OutcomeFailed)))
}

func TestTickAbortsOnFeaturelessImage(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 64))))
	for i := 0; i < 7; i++ {
		require.True(t, f.localizer.mailbox.Offer(Frame{Source: "flat", Data: buf.Bytes()}))
		res, err := f.localizer.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeAborted, res.Outcome())
	}

	snap := f.state.Snapshot()
	assert.Zero(t, snap.RetryCount, "featureless frames never count as failures")
	assert.Equal(t, Unlocalized, snap.Status)
}

func TestLocalizeDescriptorLengthMismatch(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)
	q := &QueryFrame{
		Source:      "wide",
		Keypoints:   []r2.Point{{X: 1, Y: 1}},
		Descriptors: [][]float64{make([]float64, 81)},
	}

	res := f.localizer.Localize(context.Background(), q)
	assert.ErrorIs(t, res.Err, ErrDescriptorMismatch)
	assert.Equal(t, OutcomeError, res.Outcome())
	assert.Zero(t, f.state.Snapshot().RetryCount)
}

func TestLocalizeTwoKeyframes(t *testing.T) {
	f := newLocalizerFixtureAt(t, []r3.Vector{{X: -1, Z: 10}, {X: 1, Z: 10}}, nil, nil)
	truth := r3.Vector{X: 0.2, Y: 0.1, Z: 9.6}

	f.state.RecordFailure(time.Now())
	res := f.localizer.Localize(context.Background(), f.scene.query(truth, 0.05, 31))
	require.NoError(t, res.Err)
	assert.Len(t, res.Selected, 2)
	assert.Equal(t, 2, res.ValidEstimates())
	require.NotNil(t, res.Fused)
	assert.True(t, vectorsNear(res.Fused.Position, truth, 1e-3), "fused %v, want %v", res.Fused.Position, truth)

	snap := f.state.Snapshot()
	assert.Equal(t, Localized, snap.Status)
	assert.Zero(t, snap.RetryCount)
}

func TestLocalizeFailureCountsRetries(t *testing.T) {
	scorer := &mockScorer{}
	f := newLocalizerFixture(t, scorer, recovererFunc(func(m *CandidateMatch) PoseEstimate {
		return invalidEstimate(m, ErrNoValidPlacement)
	}))
	all := f.store.All()
	scorer.On("MatchWindow", mock.Anything, mock.Anything, mock.Anything).Return([]CandidateMatch{
		{Keyframe: all[0], Good: make([]Correspondence, 8), Score: 8},
		{Keyframe: all[1], Good: make([]Correspondence, 6), Score: 6},
	}, nil)

	for i := 1; i <= 6; i++ {
		res := f.localizer.Localize(context.Background(), stubQuery())
		assert.ErrorIs(t, res.Err, ErrInsufficientRays)
		assert.Equal(t, OutcomeFailed, res.Outcome())
		assert.Equal(t, i, res.State.RetryCount)
		assert.Equal(t, Unlocalized, res.State.Status)
	}
	assert.Equal(t, 6.0, testutil.ToFloat64(f.metrics.RetryCount))
	assert.Equal(t, 6.0, testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(OutcomeFailed)))
	assert.Empty(t, f.emitted())
}

func TestLocalizeScorerError(t *testing.T) {
	scorer := &mockScorer{}
	f := newLocalizerFixture(t, scorer, nil)
	scorer.On("MatchWindow", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.Canceled)

	res := f.localizer.Localize(context.Background(), stubQuery())
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, OutcomeError, res.Outcome())
	assert.Zero(t, f.state.Snapshot().RetryCount)
}

func TestLocalizerWindowShrinksAfterSuccess(t *testing.T) {
	scorer := &mockScorer{}
	f := newLocalizerFixture(t, scorer, nil)
	var windows []int
	scorer.On("MatchWindow", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			windows = append(windows, len(args.Get(2).([]*Keyframe)))
		}).
		Return(nil, nil)

	f.localizer.Localize(context.Background(), stubQuery())
	require.NoError(t, f.state.RecordSuccess(r3.Vector{X: 2, Y: -1, Z: 10}, nil, time.Now(), "seed"))
	f.localizer.Localize(context.Background(), stubQuery())

	// The store holds fewer keyframes than the smallest search bound.
	assert.Equal(t, []int{4, 4}, windows)
	assert.Equal(t, 1, f.store.All()[0].ID, "the nearest keyframe moves to the front")
}

func TestTick(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.localizer.Tick(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	f.localizer.inFlight.Store(true)
	_, err = f.localizer.Tick(ctx)
	assert.ErrorIs(t, err, ErrCycleInFlight)
	f.localizer.inFlight.Store(false)

	require.True(t, f.localizer.mailbox.Offer(Frame{Source: "test", Data: []byte("not an image")}))
	_, err = f.localizer.Tick(ctx)
	assert.Error(t, err)
	assert.False(t, f.localizer.mailbox.Pending(), "undecodable frames are consumed")
	assert.Equal(t, Unlocalized, f.state.Snapshot().Status)
	assert.Zero(t, f.state.Snapshot().RetryCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.localizer.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Error(t, f.localizer.Run(context.Background(), 0))
}

func TestEvaluate(t *testing.T) {
	f := newLocalizerFixture(t, nil, nil)

	ids := []int{3, 0}
	results, err := f.localizer.Evaluate(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0}, ids, "the caller's list is left as given")
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].KeyframeID)
	assert.Equal(t, 3, results[1].KeyframeID)

	for _, r := range results {
		assert.Empty(t, r.Err)
		require.NotNil(t, r.Estimated)
		assert.Less(t, r.Error, 1e-3)
		assert.NotContains(t, r.Matched, r.KeyframeID, "a keyframe is never matched against itself")
	}
	assert.Equal(t, Unlocalized, f.state.Snapshot().Status, "evaluation does not touch the live state")
	assert.Empty(t, f.emitted())

	_, err = f.localizer.Evaluate(context.Background(), []int{42})
	assert.Error(t, err)
}

func TestNewLocalizerValidation(t *testing.T) {
	_, err := NewLocalizer(LocalizerOptions{})
	assert.Error(t, err)

	store, err := NewKeyframeStore(lineKeyframes(3))
	require.NoError(t, err)
	_, err = NewLocalizer(LocalizerOptions{
		Store:     store,
		Scorer:    &mockScorer{},
		Recoverer: recovererFunc(func(m *CandidateMatch) PoseEstimate { return PoseEstimate{} }),
		State:     NewLocalizationState(5),
	})
	assert.Error(t, err, "zero topK is rejected")
}

func TestCycleResultOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeLocalized},
		{ErrCycleAborted, OutcomeAborted},
		{ErrInsufficientRays, OutcomeFailed},
		{ErrIllConditioned, OutcomeFailed},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CycleResult{Err: tt.err}.Outcome())
	}
}
