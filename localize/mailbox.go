package localize

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Frame is an encoded image waiting to be localized.
type Frame struct {
	Data     []byte
	Source   string
	Received time.Time
}

// FrameMailbox is a single-slot hand-off between frame sources and the
// localization loop. A frame offered while the slot is occupied is dropped.
type FrameMailbox struct {
	mu      sync.Mutex
	pending *Frame

	offered atomic.Uint64
	dropped atomic.Uint64

	logger  *zap.Logger
	warnLim *rate.Limiter
	onDrop  func(Frame)
}

// NewFrameMailbox returns an empty mailbox. Drop warnings are logged at most
// once every five seconds.
func NewFrameMailbox(logger *zap.Logger) *FrameMailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameMailbox{
		logger:  logger.Named("mailbox"),
		warnLim: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// OnDrop registers a callback invoked for every dropped frame.
func (m *FrameMailbox) OnDrop(fn func(Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Offer places f in the slot if it is empty and reports whether it did.
func (m *FrameMailbox) Offer(f Frame) bool {
	m.offered.Add(1)

	m.mu.Lock()
	if m.pending == nil {
		m.pending = &f
		m.mu.Unlock()
		return true
	}
	onDrop := m.onDrop
	m.mu.Unlock()

	n := m.dropped.Add(1)
	if onDrop != nil {
		onDrop(f)
	}
	if m.warnLim.Allow() {
		m.logger.Warn("mailbox full, dropping frame",
			zap.String("source", f.Source),
			zap.Uint64("droppedTotal", n))
	}
	return false
}

// Take removes and returns the pending frame.
func (m *FrameMailbox) Take() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Frame{}, false
	}
	f := *m.pending
	m.pending = nil
	return f, true
}

// Pending reports whether a frame is waiting.
func (m *FrameMailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Dropped returns the number of frames dropped so far.
func (m *FrameMailbox) Dropped() uint64 { return m.dropped.Load() }

// Offered returns the number of frames offered so far.
func (m *FrameMailbox) Offered() uint64 { return m.offered.Load() }
