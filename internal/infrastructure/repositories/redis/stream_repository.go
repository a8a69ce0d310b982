package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// SnapshotRepository stores one JSON snapshot per stream plus a set of the
// active stream ids. Snapshots expire ttl after their last write.
type SnapshotRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewSnapshotRepository(client redis.UniversalClient, prefix string, ttl time.Duration) *SnapshotRepository {
	if prefix == "" {
		prefix = "panelrelay"
	}
	return &SnapshotRepository{
		client: client,
		prefix: prefix + ":",
		ttl:    ttl,
	}
}

func (r *SnapshotRepository) streamKey(id domain.StreamID) string {
	return r.prefix + "stream:" + string(id)
}

func (r *SnapshotRepository) activeKey() string {
	return r.prefix + "streams:active"
}

func (r *SnapshotRepository) Save(ctx context.Context, info domain.StreamInfo) error {
	ctx, span := tracing.TraceStore(ctx, "snapshot.save", string(info.StreamID))
	defer span.End()

	return r.write(ctx, &ports.StreamSnapshot{StreamInfo: info, Active: true})
}

func (r *SnapshotRepository) MarkTerminated(ctx context.Context, id domain.StreamID, reason domain.TerminationReason) error {
	ctx, span := tracing.TraceStore(ctx, "snapshot.terminate", string(id))
	defer span.End()

	snap, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	snap.Active = false
	snap.TerminatedReason = reason
	return r.write(ctx, snap)
}

func (r *SnapshotRepository) write(ctx context.Context, snap *ports.StreamSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	id := string(snap.StreamID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.streamKey(snap.StreamID), data, r.ttl)
		if snap.Active {
			pipe.SAdd(ctx, r.activeKey(), id)
		} else {
			pipe.SRem(ctx, r.activeKey(), id)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to write snapshot %s: %w", id, err)
	}
	return nil
}

func (r *SnapshotRepository) Get(ctx context.Context, id domain.StreamID) (*ports.StreamSnapshot, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snap ports.StreamSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListActive returns active snapshots. Ids whose snapshot has expired are
// pruned from the active set.
func (r *SnapshotRepository) ListActive(ctx context.Context) ([]*ports.StreamSnapshot, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active streams: %w", err)
	}
	if len(ids) == 0 {
		return []*ports.StreamSnapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.streamKey(domain.StreamID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active snapshots: %w", err)
	}

	out := make([]*ports.StreamSnapshot, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap ports.StreamSnapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", ids[i], err)
		}
		out = append(out, &snap)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.activeKey(), stale...).Err()
	}
	return out, nil
}
