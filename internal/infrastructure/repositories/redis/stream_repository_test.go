package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"panelrelay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testClient connects to PANELRELAY_TEST_REDIS, skipping when it is unset.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PANELRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("PANELRELAY_TEST_REDIS not set")
	}
	client, err := NewClient(context.Background(), ClientConfig{Address: addr, PoolSize: 2}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSnapshotRepository_Keys(t *testing.T) {
	repo := NewSnapshotRepository(nil, "", time.Hour)
	assert.Equal(t, "panelrelay:stream:abc", repo.streamKey("abc"))
	assert.Equal(t, "panelrelay:streams:active", repo.activeKey())

	repo = NewSnapshotRepository(nil, "staging", time.Hour)
	assert.Equal(t, "staging:stream:abc", repo.streamKey("abc"))
}

func TestSnapshotRepository_Redis(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	prefix := "panelrelay-test-" + uuid.NewString()
	repo := NewSnapshotRepository(client, prefix, time.Minute)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "abc", PlayerID: "p1", ViewerCount: 2}))
	require.NoError(t, repo.Save(ctx, domain.StreamInfo{StreamID: "def", PlayerID: "p2"}))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, repo.MarkTerminated(ctx, "abc", domain.ReasonHeartbeatTimeout))
	snap, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, domain.ReasonHeartbeatTimeout, snap.TerminatedReason)
	assert.Equal(t, 2, snap.ViewerCount)

	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StreamID("def"), active[0].StreamID)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}
