package memory

import (
	"context"
	"sort"
	"sync"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
)

// SnapshotRepository keeps stream snapshots in process memory.
type SnapshotRepository struct {
	snapshots map[domain.StreamID]*ports.StreamSnapshot
	mu        sync.RWMutex
}

func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{
		snapshots: make(map[domain.StreamID]*ports.StreamSnapshot),
	}
}

func (r *SnapshotRepository) Save(ctx context.Context, info domain.StreamInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots[info.StreamID] = &ports.StreamSnapshot{StreamInfo: info, Active: true}
	return nil
}

func (r *SnapshotRepository) MarkTerminated(ctx context.Context, id domain.StreamID, reason domain.TerminationReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.snapshots[id]
	if !ok {
		return domain.ErrStreamNotFound
	}
	snap.Active = false
	snap.TerminatedReason = reason
	return nil
}

func (r *SnapshotRepository) Get(ctx context.Context, id domain.StreamID) (*ports.StreamSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.snapshots[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	cp := *snap
	return &cp, nil
}

func (r *SnapshotRepository) ListActive(ctx context.Context) ([]*ports.StreamSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ports.StreamSnapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		if snap.Active {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}
