package parallel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForCoversAllIndices(t *testing.T) {
	for _, cfg := range []Config{WithWorkers(1), WithWorkers(4), DefaultConfig()} {
		var counters [100]int32
		For(len(counters), func(i int) {
			atomic.AddInt32(&counters[i], 1)
		}, cfg)
		for i, c := range counters {
			assert.EqualValues(t, 1, c, "index %d with workers=%d", i, cfg.NumWorkers)
		}
	}
}

func TestForZeroIterations(t *testing.T) {
	called := false
	For(0, func(int) { called = true }, DefaultConfig())
	assert.False(t, called)
}

// The reported error is always the lowest failing index's, regardless of
// which worker finished first.
func TestForErrReturnsLowestIndexError(t *testing.T) {
	errLow := errors.New("low")
	errHigh := errors.New("high")

	err := ForErr(64, func(i int) error {
		switch i {
		case 7:
			return errLow
		case 40:
			return errHigh
		default:
			return nil
		}
	}, WithWorkers(8))
	require.ErrorIs(t, err, errLow)
}

func TestForErrNilOnSuccess(t *testing.T) {
	require.NoError(t, ForErr(16, func(int) error { return nil }, WithWorkers(4)))
}

func TestWithWorkersBounds(t *testing.T) {
	assert.False(t, WithWorkers(0).Enabled)
	assert.False(t, WithWorkers(1).Enabled)
	assert.True(t, WithWorkers(2).Enabled)
	assert.Equal(t, 2, WithWorkers(2).NumWorkers)
}
