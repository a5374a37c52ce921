package localize

import "math"

// SearchConfig controls the expanding-ring keyframe search.
type SearchConfig struct {
	TopK       int     `yaml:"topK" json:"topK" validate:"gte=1"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gt=0"`
	Growth     float64 `yaml:"growth" json:"growth" validate:"gte=1"`
	MaxRetries int     `yaml:"maxRetries" json:"maxRetries" validate:"gte=0"`
}

// DefaultSearchConfig returns k=5, a 5k window growing 1.8x per retry, and
// five tolerated failures before falling back to global search.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		TopK:       5,
		Multiplier: 5,
		Growth:     1.8,
		MaxRetries: 5,
	}
}

// SearchBound returns min(size, floor(multiplier*k*growth^retry)).
func SearchBound(cfg SearchConfig, retry, size int) int {
	raw := cfg.Multiplier * float64(cfg.TopK) * math.Pow(cfg.Growth, float64(retry))
	if math.IsInf(raw, 1) || raw >= float64(size) {
		return size
	}
	if raw < 0 {
		return 0
	}
	return int(math.Floor(raw))
}

// Scheduler picks the keyframes to search in a cycle.
type Scheduler struct {
	store *KeyframeStore
	cfg   SearchConfig
}

// NewScheduler builds a scheduler over a store.
func NewScheduler(store *KeyframeStore, cfg SearchConfig) *Scheduler {
	return &Scheduler{store: store, cfg: cfg}
}

// Window returns the whole store when unlocalized. When localized it
// reorders the store around the last position and returns the nearest
// SearchBound keyframes.
func (s *Scheduler) Window(snap StateSnapshot) []*Keyframe {
	if snap.Status != Localized {
		return s.store.All()
	}
	n := SearchBound(s.cfg, snap.RetryCount, s.store.Size())
	return s.store.ReorderedWindow(snap.Position.Vector(), n)
}
