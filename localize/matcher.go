package localize

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRatio is the nearest/second-nearest distance ratio a correspondence
// must beat to count as good.
const DefaultRatio = 0.8

// CandidateScorer scores a query frame against a window of keyframes.
type CandidateScorer interface {
	MatchWindow(ctx context.Context, q *QueryFrame, window []*Keyframe) ([]CandidateMatch, error)
}

// MatcherConfig tunes descriptor matching.
type MatcherConfig struct {
	Ratio      float64 `yaml:"ratio" json:"ratio" validate:"gt=0,lte=1"`
	ScoreFloor float64 `yaml:"scoreFloor" json:"scoreFloor" validate:"gte=0,lte=1"`
	Index      string  `yaml:"index" json:"index" validate:"omitempty,oneof=kdtree linear"`
	Workers    int     `yaml:"workers" json:"workers" validate:"gte=0"`
}

// DefaultMatcherConfig returns the stock matching parameters.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Ratio:      DefaultRatio,
		ScoreFloor: 0,
		Index:      IndexKDTree,
		Workers:    runtime.GOMAXPROCS(0),
	}
}

// Matcher finds ratio-tested descriptor correspondences between a query
// frame and keyframes. Keyframe indexes are built on first use and cached.
type Matcher struct {
	cfg      MatcherConfig
	newIndex IndexFactory
	logger   *zap.Logger

	mu      sync.Mutex
	indexes map[*Keyframe]DescriptorIndex
}

// NewMatcher builds a matcher. A nil logger disables logging.
func NewMatcher(cfg MatcherConfig, logger *zap.Logger) (*Matcher, error) {
	factory, err := NewIndexFactory(cfg.Index)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		cfg:      cfg,
		newIndex: factory,
		logger:   logger.Named("matcher"),
		indexes:  make(map[*Keyframe]DescriptorIndex),
	}, nil
}

// Warm builds descriptor indexes for every keyframe up front.
func (m *Matcher) Warm(ctx context.Context, frames []*Keyframe) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, kf := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m.index(kf)
			return nil
		})
	}
	return g.Wait()
}

func (m *Matcher) index(kf *Keyframe) DescriptorIndex {
	m.mu.Lock()
	idx, ok := m.indexes[kf]
	m.mu.Unlock()
	if ok {
		return idx
	}

	// Built outside the lock. A concurrent duplicate build is discarded.
	built := m.newIndex(kf.Descriptors)

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indexes[kf]; ok {
		return idx
	}
	m.indexes[kf] = built
	return built
}

// Match compares a query frame against one keyframe. Descriptors of a
// different length than the keyframe's yield an empty match.
func (m *Matcher) Match(q *QueryFrame, kf *Keyframe) CandidateMatch {
	if !sameDescriptorLength(q, kf) {
		return CandidateMatch{Query: q, Keyframe: kf}
	}
	idx := m.index(kf)

	pairs := make([]NeighborPair, 0, len(q.Descriptors))
	for qi, d := range q.Descriptors {
		nn := idx.Nearest(d, 2)
		if len(nn) == 0 {
			continue
		}
		p := NeighborPair{QueryIdx: qi, First: nn[0], HasSecond: len(nn) > 1}
		if p.HasSecond {
			p.Second = nn[1]
		}
		pairs = append(pairs, p)
	}

	all := make([]Correspondence, len(pairs))
	for i, p := range pairs {
		all[i] = p.Correspondence()
	}
	good := ApplyRatioTest(pairs, m.cfg.Ratio)

	return CandidateMatch{
		Query:    q,
		Keyframe: kf,
		Good:     good,
		All:      all,
		Score:    len(good),
	}
}

// Accepts reports whether a match clears the scoring floor.
func (m *Matcher) Accepts(c CandidateMatch) bool {
	if c.Score == 0 {
		return false
	}
	return float64(c.Score) >= m.cfg.ScoreFloor*float64(len(c.All))
}

// MatchWindow scores every keyframe in the window in parallel and returns the
// accepted candidates in window order.
func (m *Matcher) MatchWindow(ctx context.Context, q *QueryFrame, window []*Keyframe) ([]CandidateMatch, error) {
	for _, kf := range window {
		if !sameDescriptorLength(q, kf) {
			return nil, fmt.Errorf("%w: query length %d, keyframe %d length %d",
				ErrDescriptorMismatch, len(q.Descriptors[0]), kf.ID, len(kf.Descriptors[0]))
		}
	}
	results := make([]CandidateMatch, len(window))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i, kf := range window {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = m.Match(q, kf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accepted := make([]CandidateMatch, 0, len(results))
	for _, r := range results {
		if m.Accepts(r) {
			accepted = append(accepted, r)
		}
	}
	m.logger.Debug("window matched",
		zap.Int("window", len(window)),
		zap.Int("accepted", len(accepted)),
		zap.Int("queryDescriptors", len(q.Descriptors)))
	return accepted, nil
}

func sameDescriptorLength(q *QueryFrame, kf *Keyframe) bool {
	if len(q.Descriptors) == 0 || len(kf.Descriptors) == 0 {
		return true
	}
	return len(q.Descriptors[0]) == len(kf.Descriptors[0])
}

// NeighborPair is the two nearest keyframe descriptors of one query descriptor.
type NeighborPair struct {
	QueryIdx  int
	First     Neighbor
	Second    Neighbor
	HasSecond bool
}

// Correspondence returns the nearest-neighbor correspondence of the pair.
func (p NeighborPair) Correspondence() Correspondence {
	return Correspondence{QueryIdx: p.QueryIdx, TrainIdx: p.First.Index, Distance: p.First.Distance}
}

// ApplyRatioTest keeps pairs whose nearest distance is below ratio times the
// second-nearest distance. Pairs without a second neighbor never pass.
func ApplyRatioTest(pairs []NeighborPair, ratio float64) []Correspondence {
	good := make([]Correspondence, 0, len(pairs))
	for _, p := range pairs {
		if p.HasSecond && p.First.Distance < ratio*p.Second.Distance {
			good = append(good, p.Correspondence())
		}
	}
	return good
}
