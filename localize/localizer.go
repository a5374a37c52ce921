package localize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CycleResult describes one localization cycle.
type CycleResult struct {
	CycleID    string
	Started    time.Time
	WindowSize int
	Candidates []CandidateMatch
	Selected   []CandidateMatch
	Estimates  []PoseEstimate
	Fused      *Fused
	Record     *LocalizationRecord
	State      StateSnapshot
	Err        error
}

// Outcome classifies the result for metrics and logs.
func (r CycleResult) Outcome() string {
	switch {
	case r.Err == nil:
		return OutcomeLocalized
	case errors.Is(r.Err, ErrCycleAborted):
		return OutcomeAborted
	case errors.Is(r.Err, ErrInsufficientRays), errors.Is(r.Err, ErrIllConditioned):
		return OutcomeFailed
	default:
		return OutcomeError
	}
}

// ValidEstimates counts the estimates that produced a relative pose.
func (r CycleResult) ValidEstimates() int {
	n := 0
	for _, e := range r.Estimates {
		if e.Valid {
			n++
		}
	}
	return n
}

// LocalizerOptions wires a Localizer. Store, Scorer, Recoverer and State are
// required.
type LocalizerOptions struct {
	Store     *KeyframeStore
	Scorer    CandidateScorer
	Recoverer PoseRecoverer
	Fuser     *PositionFuser
	State     *LocalizationState
	Search    SearchConfig
	Extractor FeatureExtractor
	Mailbox   *FrameMailbox
	Sink      PoseSink
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Localizer runs localization cycles against a fixed map.
type Localizer struct {
	store     *KeyframeStore
	scheduler *Scheduler
	scorer    CandidateScorer
	recoverer PoseRecoverer
	fuser     *PositionFuser
	state     *LocalizationState
	search    SearchConfig
	extractor FeatureExtractor
	mailbox   *FrameMailbox
	sink      PoseSink
	metrics   *Metrics
	logger    *zap.Logger

	inFlight atomic.Bool

	mu       sync.RWMutex
	onCycle  []func(CycleResult)
	now      func() time.Time
	newCycle func() string
}

// NewLocalizer validates the options and builds a Localizer.
func NewLocalizer(opts LocalizerOptions) (*Localizer, error) {
	if opts.Store == nil || opts.Scorer == nil || opts.Recoverer == nil || opts.State == nil {
		return nil, fmt.Errorf("localizer requires a store, scorer, recoverer and state")
	}
	if opts.Search.TopK <= 0 {
		return nil, fmt.Errorf("search.topK must be positive, got %d", opts.Search.TopK)
	}
	if opts.Fuser == nil {
		opts.Fuser = NewPositionFuser(DefaultFusionConfig())
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Localizer{
		store:     opts.Store,
		scheduler: NewScheduler(opts.Store, opts.Search),
		scorer:    opts.Scorer,
		recoverer: opts.Recoverer,
		fuser:     opts.Fuser,
		state:     opts.State,
		search:    opts.Search,
		extractor: opts.Extractor,
		mailbox:   opts.Mailbox,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		logger:    logger.Named("localizer"),
		now:       time.Now,
		newCycle:  uuid.NewString,
	}, nil
}

// OnCycle registers a callback run after every completed cycle.
func (l *Localizer) OnCycle(fn func(CycleResult)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCycle = append(l.onCycle, fn)
}

// State returns a snapshot of the localization state.
func (l *Localizer) State() StateSnapshot {
	return l.state.Snapshot()
}

// Store returns the keyframe store.
func (l *Localizer) Store() *KeyframeStore {
	return l.store
}

// estimate runs matching, selection, pose recovery and fusion without
// touching the state.
func (l *Localizer) estimate(ctx context.Context, q *QueryFrame, window []*Keyframe, res *CycleResult) error {
	res.WindowSize = len(window)
	if len(q.Keypoints) == 0 || len(q.Descriptors) == 0 {
		return fmt.Errorf("%w: query frame %q has no features", ErrCycleAborted, q.Source)
	}

	matches, err := l.scorer.MatchWindow(ctx, q, window)
	if err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	res.Candidates = matches
	res.Selected = SelectTopK(matches, l.search.TopK)

	for _, c := range res.Selected {
		if len(c.Good) == 0 {
			return fmt.Errorf("%w: keyframe %d", ErrCycleAborted, c.Keyframe.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Estimates = RecoverAll(l.recoverer, res.Selected)
	if err := ctx.Err(); err != nil {
		return err
	}

	fused, err := l.fuser.Fuse(res.Estimates)
	if err != nil {
		return err
	}
	res.Fused = &fused
	return nil
}

// Localize runs one cycle for an extracted query frame and updates the
// state. Aborted and cancelled cycles leave the state unchanged.
func (l *Localizer) Localize(ctx context.Context, q *QueryFrame) CycleResult {
	start := l.now()
	res := CycleResult{CycleID: l.newCycle(), Started: start}

	snap := l.state.Snapshot()
	window := l.scheduler.Window(snap)
	err := l.estimate(ctx, q, window, &res)

	switch {
	case err == nil:
		if perr := l.state.RecordSuccess(res.Fused.Position, res.Fused.Orientation, start, res.CycleID); perr != nil {
			l.logger.Warn("history not persisted", zap.Error(perr))
		}
		res.State = l.state.Snapshot()
		rec := l.buildRecord(res)
		res.Record = &rec
		if l.sink != nil {
			if serr := l.sink.Emit(ctx, rec); serr != nil {
				l.logger.Warn("pose sink failed", zap.String("cycle", res.CycleID), zap.Error(serr))
			}
		}
		l.logger.Info("cycle localized",
			zap.String("cycle", res.CycleID),
			zap.Int("window", res.WindowSize),
			zap.Int("valid", res.ValidEstimates()),
			zap.Float64("x", res.Fused.Position.X),
			zap.Float64("y", res.Fused.Position.Y),
			zap.Float64("z", res.Fused.Position.Z))

	case errors.Is(err, ErrInsufficientRays), errors.Is(err, ErrIllConditioned):
		res.Err = err
		res.State = l.state.RecordFailure(start)
		l.logger.Info("cycle failed",
			zap.String("cycle", res.CycleID),
			zap.Int("window", res.WindowSize),
			zap.Int("candidates", len(res.Candidates)),
			zap.Int("valid", res.ValidEstimates()),
			zap.Int("retry", res.State.RetryCount),
			zap.Stringer("status", res.State.Status),
			zap.Error(err))

	default:
		res.Err = err
		res.State = l.state.Snapshot()
		l.logger.Warn("cycle discarded", zap.String("cycle", res.CycleID), zap.Error(err))
	}

	l.metrics.ObserveCycle(res, l.now().Sub(start))
	l.mu.RLock()
	hooks := l.onCycle
	l.mu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
	return res
}

func (l *Localizer) buildRecord(res CycleResult) LocalizationRecord {
	byID := make(map[int]PoseEstimate, len(res.Estimates))
	for _, e := range res.Estimates {
		if e.Valid {
			byID[e.Match.Keyframe.ID] = e
		}
	}
	matches := make([]MatchRecord, 0, len(res.Fused.Rays))
	for _, r := range res.Fused.Rays {
		e := byID[r.KeyframeID]
		matches = append(matches, MatchRecord{
			KeyframeID: r.KeyframeID,
			Origin:     ToVec3(r.Origin),
			Direction:  ToVec3(r.Direction),
			Score:      e.Match.Score,
			Inliers:    e.Inliers,
		})
	}
	return LocalizationRecord{
		CycleID:     res.CycleID,
		Timestamp:   res.Started,
		Status:      res.State.Status,
		Position:    ToVec3(res.Fused.Position),
		Orientation: res.Fused.Orientation,
		Matches:     matches,
		History:     res.State.History,
	}
}

// LocalizeFrame extracts features from an encoded frame and runs a cycle.
// A frame that cannot be decoded is discarded without a state change.
func (l *Localizer) LocalizeFrame(ctx context.Context, f Frame) (CycleResult, error) {
	if l.extractor == nil {
		return CycleResult{}, fmt.Errorf("no feature extractor configured")
	}
	q, err := ExtractQuery(l.extractor, f)
	if err != nil {
		l.logger.Warn("frame discarded", zap.String("source", f.Source), zap.Error(err))
		return CycleResult{}, err
	}
	return l.Localize(ctx, q), nil
}

// Tick takes the pending frame, if any, and localizes it. It returns
// ErrCycleInFlight when another cycle is running and ErrNoFrame when the
// mailbox is empty.
func (l *Localizer) Tick(ctx context.Context) (CycleResult, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInFlight
	}
	defer l.inFlight.Store(false)

	if l.mailbox == nil {
		return CycleResult{}, ErrNoFrame
	}
	f, ok := l.mailbox.Take()
	if !ok {
		return CycleResult{}, ErrNoFrame
	}
	return l.LocalizeFrame(ctx, f)
}

// Run ticks every interval until ctx is done. Ticks that find a cycle still
// running are skipped.
func (l *Localizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("loop interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	l.logger.Info("localization loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("localization loop stopped")
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Tick(ctx)
				if errors.Is(err, ErrCycleInFlight) {
					l.logger.Debug("tick skipped, cycle in flight")
				}
			}()
		}
	}
}

// EvaluationResult is the replay outcome for one keyframe.
type EvaluationResult struct {
	KeyframeID int     `json:"keyframeId"`
	Actual     Vec3    `json:"actual"`
	Estimated  *Vec3   `json:"estimated,omitempty"`
	Error      float64 `json:"error"`
	Valid      int     `json:"validEstimates"`
	Matched    []int   `json:"matched"`
	Err        string  `json:"err,omitempty"`
}

// Evaluate localizes each listed keyframe against the rest of the map and
// reports the distance between the fused and the known position. An empty
// list evaluates every keyframe. The live state is not touched.
func (l *Localizer) Evaluate(ctx context.Context, ids []int) ([]EvaluationResult, error) {
	all := l.store.All()
	if len(ids) == 0 {
		ids = make([]int, len(all))
		for i, kf := range all {
			ids[i] = kf.ID
		}
	} else {
		ids = append([]int(nil), ids...)
	}
	sort.Ints(ids)

	out := make([]EvaluationResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		kf, ok := l.store.Get(id)
		if !ok {
			return out, fmt.Errorf("unknown keyframe %d", id)
		}
		window := make([]*Keyframe, 0, len(all)-1)
		for _, other := range all {
			if other.ID != id {
				window = append(window, other)
			}
		}
		q := &QueryFrame{Source: fmt.Sprintf("keyframe/%d", id), Keypoints: kf.Keypoints, Descriptors: kf.Descriptors}

		var res CycleResult
		err := l.estimate(ctx, q, window, &res)
		er := EvaluationResult{KeyframeID: id, Actual: ToVec3(kf.Position()), Valid: res.ValidEstimates()}
		for _, c := range res.Selected {
			er.Matched = append(er.Matched, c.Keyframe.ID)
		}
		if err != nil {
			er.Err = err.Error()
		} else {
			est := ToVec3(res.Fused.Position)
			er.Estimated = &est
			er.Error = res.Fused.Position.Sub(kf.Position()).Norm()
		}
		out = append(out, er)
	}
	return out, nil
}
