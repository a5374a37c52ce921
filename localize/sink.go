package localize

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// PoseSink receives the record of every successful cycle.
type PoseSink interface {
	Emit(ctx context.Context, rec LocalizationRecord) error
}

// MultiSink emits to every sink and joins their errors.
type MultiSink []PoseSink

// Emit implements PoseSink.
func (m MultiSink) Emit(ctx context.Context, rec LocalizationRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes records to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("pose")}
}

// Emit implements PoseSink.
func (s *LogSink) Emit(_ context.Context, rec LocalizationRecord) error {
	ids := make([]int, len(rec.Matches))
	for i, m := range rec.Matches {
		ids[i] = m.KeyframeID
	}
	s.logger.Info("localized",
		zap.String("cycle", rec.CycleID),
		zap.Float64("x", rec.Position.X),
		zap.Float64("y", rec.Position.Y),
		zap.Float64("z", rec.Position.Z),
		zap.Ints("keyframes", ids),
		zap.Bool("orientation", rec.Orientation != nil))
	return nil
}

// SinkFunc adapts a function to PoseSink.
type SinkFunc func(ctx context.Context, rec LocalizationRecord) error

// Emit implements PoseSink.
func (f SinkFunc) Emit(ctx context.Context, rec LocalizationRecord) error { return f(ctx, rec) }
