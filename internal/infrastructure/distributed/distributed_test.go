package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func subscribe(t *testing.T, bus EventBus) *collector {
	t.Helper()
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_ = bus.Subscribe(ctx, c.handle)
	}()
	<-started
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestSnapshotMirror_WritesAndPublishes(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	bus := NewMemoryEventBus("relay-1")
	c := subscribe(t, bus)
	// let the subscriber register before publishing
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 1
	}, time.Second, time.Millisecond)

	m := NewSnapshotMirror(repo, bus, 16, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	info := domain.StreamInfo{StreamID: "abc", PlayerID: "p1"}
	m.StreamCreated(info)
	info.ViewerCount = 1
	m.StreamUpdated(info)
	m.StreamTerminated(info, domain.ReasonStopped)

	assert.Eventually(t, func() bool { return len(c.types()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{EventStreamCreated, EventStreamUpdated, EventStreamTerminated}, c.types())

	cancel()
	<-m.Done()

	snap, err := repo.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, domain.ReasonStopped, snap.TerminatedReason)
	assert.Equal(t, 1, snap.ViewerCount)
}

func TestSnapshotMirror_OmitsStreamKey(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	bus := NewMemoryEventBus("relay-1")
	c := subscribe(t, bus)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 1
	}, time.Second, time.Millisecond)

	m := NewSnapshotMirror(repo, bus, 16, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	m.StreamCreated(domain.StreamInfo{StreamID: "abc", StreamKey: "deadbeef", PlayerID: "p1"})
	assert.Eventually(t, func() bool { return len(c.types()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-m.Done()

	snap, err := repo.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Empty(t, snap.StreamKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.events[0].Stream)
	assert.Empty(t, c.events[0].Stream.StreamKey)
	assert.Equal(t, domain.PlayerID("p1"), c.events[0].Stream.PlayerID)
}

type mockRepo struct{ mock.Mock }

func (r *mockRepo) Save(ctx context.Context, info domain.StreamInfo) error {
	return r.Called(info.StreamID).Error(0)
}

func (r *mockRepo) MarkTerminated(ctx context.Context, id domain.StreamID, reason domain.TerminationReason) error {
	return r.Called(id, reason).Error(0)
}

func (r *mockRepo) Get(ctx context.Context, id domain.StreamID) (*ports.StreamSnapshot, error) {
	args := r.Called(id)
	snap, _ := args.Get(0).(*ports.StreamSnapshot)
	return snap, args.Error(1)
}

func (r *mockRepo) ListActive(ctx context.Context) ([]*ports.StreamSnapshot, error) {
	args := r.Called()
	return nil, args.Error(1)
}

func TestSnapshotMirror_RepoErrorsAreLogged(t *testing.T) {
	repo := &mockRepo{}
	repo.On("Save", domain.StreamID("abc")).Return(errors.New("redis down"))
	repo.On("MarkTerminated", domain.StreamID("abc"), domain.ReasonHeartbeatTimeout).Return(nil)

	m := NewSnapshotMirror(repo, nil, 4, zaptest.NewLogger(t).Sugar())
	m.StreamCreated(domain.StreamInfo{StreamID: "abc"})
	m.StreamTerminated(domain.StreamInfo{StreamID: "abc"}, domain.ReasonHeartbeatTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)

	repo.AssertExpectations(t)
}

func TestSnapshotMirror_DropsWhenFull(t *testing.T) {
	m := NewSnapshotMirror(memory.NewSnapshotRepository(), nil, 2, zaptest.NewLogger(t).Sugar())
	for i := 0; i < 5; i++ {
		m.StreamUpdated(domain.StreamInfo{StreamID: "abc"})
	}
	assert.Equal(t, int64(3), m.Dropped())
}

func TestMemoryEventBus_StampsInstance(t *testing.T) {
	bus := NewMemoryEventBus("relay-7")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }
	c := subscribe(t, bus)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventStreamCreated, StreamID: "abc"}))
	assert.Eventually(t, func() bool { return len(c.types()) == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "relay-7", c.events[0].InstanceID)
	assert.Equal(t, fixed, c.events[0].Timestamp)
}

func TestMemoryEventBus_ClosedRejectsSubscribe(t *testing.T) {
	bus := NewMemoryEventBus("relay-1")
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Subscribe(context.Background(), func(*Event) error { return nil }))
}
