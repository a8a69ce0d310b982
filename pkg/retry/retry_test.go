package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestError = errors.New("test error")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		attempts++
		return errTestError
	})

	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, 2, attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		attempts++
		return Permanent(errTestError)
	})

	assert.Equal(t, errTestError, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		cancel()
		return errTestError
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, time.Second, Delay(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := Delay(cfg, 0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(errTestError)))
	assert.False(t, IsPermanent(errTestError))
	assert.ErrorIs(t, Permanent(errTestError), errTestError)
}
