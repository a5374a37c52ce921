package localize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

// StateSnapshot is a consistent copy of the localization state.
type StateSnapshot struct {
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retryCount"`
	Position    Vec3           `json:"position"`
	HasPosition bool           `json:"hasPosition"`
	Orientation *Rotation      `json:"orientation,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	History     []HistoryEntry `json:"history"`
}

// LocalizationState tracks status, retry count, last position and the
// position history across cycles. All methods are safe for concurrent use.
type LocalizationState struct {
	mu          sync.RWMutex
	status      Status
	retry       int
	maxRetries  int
	position    r3.Vector
	hasPosition bool
	orientation *Rotation
	updatedAt   time.Time
	history     []HistoryEntry
	historyPath string // empty disables persistence
}

// NewLocalizationState starts Unlocalized with retry 0.
func NewLocalizationState(maxRetries int) *LocalizationState {
	return &LocalizationState{maxRetries: maxRetries}
}

// NewLocalizationStateWithHistory is like NewLocalizationState but persists
// the history to path. An existing history file is loaded; the status still
// starts Unlocalized.
func NewLocalizationStateWithHistory(maxRetries int, path string) *LocalizationState {
	st := NewLocalizationState(maxRetries)
	st.historyPath = path
	if path != "" {
		if h, err := LoadHistory(path); err == nil {
			st.history = h
		}
	}
	return st
}

// Snapshot returns a copy of the current state.
func (st *LocalizationState) Snapshot() StateSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snap := StateSnapshot{
		Status:      st.status,
		RetryCount:  st.retry,
		Position:    ToVec3(st.position),
		HasPosition: st.hasPosition,
		UpdatedAt:   st.updatedAt,
		History:     make([]HistoryEntry, len(st.history)),
	}
	copy(snap.History, st.history)
	if st.orientation != nil {
		o := *st.orientation
		snap.Orientation = &o
	}
	return snap
}

// RecordSuccess marks a fused estimate: Localized, retry 0, history appended.
// The history file is rewritten when persistence is enabled.
func (st *LocalizationState) RecordSuccess(p r3.Vector, orientation *Rotation, at time.Time, cycleID string) error {
	st.mu.Lock()
	st.status = Localized
	st.retry = 0
	st.position = p
	st.hasPosition = true
	st.orientation = nil
	if orientation != nil {
		o := *orientation
		st.orientation = &o
	}
	st.updatedAt = at
	st.history = append(st.history, HistoryEntry{Position: ToVec3(p), Timestamp: at, CycleID: cycleID})
	path := st.historyPath
	var history []HistoryEntry
	if path != "" {
		history = make([]HistoryEntry, len(st.history))
		copy(history, st.history)
	}
	st.mu.Unlock()

	if path != "" {
		return SaveHistory(history, path)
	}
	return nil
}

// RecordFailure counts a failed cycle. Once the count exceeds the retry
// limit the state falls back to Unlocalized. The last position is kept.
func (st *LocalizationState) RecordFailure(at time.Time) StateSnapshot {
	st.mu.Lock()
	st.retry++
	if st.retry > st.maxRetries {
		st.status = Unlocalized
	}
	st.updatedAt = at
	st.mu.Unlock()
	return st.Snapshot()
}

// SaveHistory writes the position history to disk as JSON.
func SaveHistory(h []HistoryEntry, path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// LoadHistory reads a position history written by SaveHistory.
func LoadHistory(path string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var h []HistoryEntry
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return h, nil
}
