package services

import (
	"testing"
	"time"

	"panelrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSweeper_HeartbeatTimeoutBounds(t *testing.T) {
	f := newRegistryFixture(t)
	sweeper := NewSweeper(f.reg, 0, zaptest.NewLogger(t).Sugar())

	_, err := f.reg.Create("s1", "p1", "Alice")
	require.NoError(t, err)
	last := f.clock.Now()

	// sweeps every 30s starting at an arbitrary phase after the heartbeat
	sweepAt := last.Add(7 * time.Second)
	var endedAt time.Time
	for i := 0; i < 10; i++ {
		res := sweeper.Sweep(sweepAt)
		if len(res.TimedOut) > 0 {
			endedAt = sweepAt
			break
		}
		sweepAt = sweepAt.Add(DefaultSweepInterval)
	}

	require.False(t, endedAt.IsZero(), "stream never timed out")
	assert.False(t, endedAt.Before(last.Add(60*time.Second)))
	assert.True(t, endedAt.Before(last.Add(90*time.Second)))
	assert.Equal(t, domain.ReasonHeartbeatTimeout, f.obs.terminated["s1"])
}

func TestSweeper_ExactlyAtWindowTerminates(t *testing.T) {
	f := newRegistryFixture(t)
	sweeper := NewSweeper(f.reg, time.Minute, zaptest.NewLogger(t).Sugar())
	_, err := f.reg.Create("s1", "p1", "Alice")
	require.NoError(t, err)

	assert.True(t, sweeper.Sweep(f.clock.Now().Add(time.Minute-time.Nanosecond)).Empty())
	res := sweeper.Sweep(f.clock.Now().Add(time.Minute))
	assert.Equal(t, []domain.StreamID{"s1"}, res.TimedOut)
}

func TestSweeper_HeartbeatKeepsStreamAlive(t *testing.T) {
	f := newRegistryFixture(t)
	sweeper := NewSweeper(f.reg, 0, zaptest.NewLogger(t).Sugar())
	_, err := f.reg.Create("s1", "p1", "Alice")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		f.clock.Advance(DefaultSweepInterval)
		require.NoError(t, f.reg.RecordHeartbeat("s1", nil, nil, nil))
		assert.True(t, sweeper.Sweep(f.clock.Now()).Empty())
	}
	assert.Equal(t, 1, f.reg.Len())
}

func TestSweeper_PendingStopWins(t *testing.T) {
	f := newRegistryFixture(t)
	sweeper := NewSweeper(f.reg, 0, zaptest.NewLogger(t).Sugar())

	key, err := f.reg.Create("s1", "p1", "Alice")
	require.NoError(t, err)
	_, err = f.reg.AttachProducerConnection(key, "prod")
	require.NoError(t, err)
	require.NoError(t, f.reg.SetPendingStop("s1"))
	f.notifier.reset()

	res := sweeper.Sweep(f.clock.Now().Add(2 * time.Minute))
	assert.Equal(t, []domain.StreamID{"s1"}, res.Stopped)
	assert.Empty(t, res.TimedOut)

	msgs := f.notifier.to("prod")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgStreamStopped, msgs[0].Type)
	assert.Equal(t, domain.ReasonStopped, msgs[0].Reason)
}

func TestSweeper_TimeoutCancelsGrace(t *testing.T) {
	f := newRegistryFixture(t)
	sweeper := NewSweeper(f.reg, 0, zaptest.NewLogger(t).Sugar())

	key, err := f.reg.Create("s1", "p1", "Alice")
	require.NoError(t, err)
	_, err = f.reg.AttachProducerConnection(key, "prod")
	require.NoError(t, err)

	f.clock.Advance(55 * time.Second)
	require.NoError(t, f.reg.DetachProducerConnection(key, "prod"))
	require.True(t, f.reg.GracePending("s1"))

	res := sweeper.Sweep(f.clock.Now().Add(5 * time.Second))
	assert.Equal(t, []domain.StreamID{"s1"}, res.TimedOut)
	assert.False(t, f.reg.GracePending("s1"))

	// the stale grace deadline fires on nothing
	assert.Empty(t, f.reg.ExpireGrace(f.clock.Now().Add(time.Hour)))
	assert.Equal(t, domain.ReasonHeartbeatTimeout, f.obs.terminated["s1"])
}
