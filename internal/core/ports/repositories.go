package ports

import (
	"context"

	"panelrelay/internal/core/domain"
)

// StreamSnapshotRepository keeps the last known projection of every stream,
// including terminated ones, for dashboards and post-mortems.
type StreamSnapshotRepository interface {
	Save(ctx context.Context, info domain.StreamInfo) error
	MarkTerminated(ctx context.Context, id domain.StreamID, reason domain.TerminationReason) error
	Get(ctx context.Context, id domain.StreamID) (*StreamSnapshot, error)
	ListActive(ctx context.Context) ([]*StreamSnapshot, error)
}

type StreamSnapshot struct {
	domain.StreamInfo
	Active           bool                     `json:"active"`
	TerminatedReason domain.TerminationReason `json:"terminatedReason,omitempty"`
}
