package localize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestMultiSink(t *testing.T) {
	var calls []string
	record := func(name string, err error) PoseSink {
		return SinkFunc(func(_ context.Context, rec LocalizationRecord) error {
			calls = append(calls, name+":"+rec.CycleID)
			return err
		})
	}
	errA := errors.New("a failed")
	errC := errors.New("c failed")

	sink := MultiSink{record("a", errA), NewLogSink(zaptest.NewLogger(t)), record("b", nil), record("c", errC)}
	err := sink.Emit(context.Background(), sampleRecord())

	assert.Equal(t, []string{"a:c-1", "b:c-1", "c:c-1"}, calls, "one failing sink does not stop the rest")
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)

	assert.NoError(t, MultiSink{}.Emit(context.Background(), sampleRecord()))
}
