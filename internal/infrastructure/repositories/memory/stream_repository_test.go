package memory

import (
	"context"
	"testing"

	"panelrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepository()

	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "b", PlayerID: "p2"}))
	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "a", PlayerID: "p1"}))
	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "a", PlayerID: "p1", ViewerCount: 2}))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, domain.StreamID("a"), active[0].StreamID)
	assert.Equal(t, 2, active[0].ViewerCount)

	require.NoError(t, repo.MarkTerminated(ctx, "a", domain.ReasonProducerLost))
	snap, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, domain.ReasonProducerLost, snap.TerminatedReason)

	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSnapshotRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepository()

	_, err := repo.Get(ctx, "zzz")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.ErrorIs(t, repo.MarkTerminated(ctx, "zzz", domain.ReasonStopped), domain.ErrStreamNotFound)
}

func TestSnapshotRepository_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepository()
	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "a"}))

	snap, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	snap.Active = false

	again, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, again.Active)
}
