package distributed

import (
	"context"
	"sync/atomic"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultMirrorQueueSize = 256

type mirrorJob struct {
	event EventType
	info  domain.StreamInfo
	// reason is set for terminations only
	reason domain.TerminationReason
}

// SnapshotMirror copies stream lifecycle changes into a snapshot repository
// and onto an event bus. The observer side only enqueues, so it is safe to
// call from the relay loop; a single worker goroutine does the I/O.
type SnapshotMirror struct {
	repo    ports.StreamSnapshotRepository
	bus     EventBus
	timeout time.Duration
	logger  *zap.SugaredLogger

	jobs    chan mirrorJob
	dropped atomic.Int64
	done    chan struct{}
}

var _ ports.StreamObserver = (*SnapshotMirror)(nil)

// NewSnapshotMirror builds a mirror. bus may be nil.
func NewSnapshotMirror(repo ports.StreamSnapshotRepository, bus EventBus, queueSize int, logger *zap.SugaredLogger) *SnapshotMirror {
	if queueSize <= 0 {
		queueSize = DefaultMirrorQueueSize
	}
	return &SnapshotMirror{
		repo:    repo,
		bus:     bus,
		timeout: 3 * time.Second,
		logger:  logger,
		jobs:    make(chan mirrorJob, queueSize),
		done:    make(chan struct{}),
	}
}

func (m *SnapshotMirror) StreamCreated(info domain.StreamInfo) {
	m.enqueue(mirrorJob{event: EventStreamCreated, info: info})
}

func (m *SnapshotMirror) StreamUpdated(info domain.StreamInfo) {
	m.enqueue(mirrorJob{event: EventStreamUpdated, info: info})
}

func (m *SnapshotMirror) StreamTerminated(info domain.StreamInfo, reason domain.TerminationReason) {
	m.enqueue(mirrorJob{event: EventStreamTerminated, info: info, reason: reason})
}

// enqueue drops the stream key before the job leaves the relay: snapshots
// and events are readable by anyone with Redis access.
func (m *SnapshotMirror) enqueue(job mirrorJob) {
	job.info.StreamKey = ""
	select {
	case m.jobs <- job:
	default:
		n := m.dropped.Add(1)
		m.logger.Warnw("snapshot queue full, dropping update",
			"stream_id", job.info.StreamID,
			"event", job.event,
			"dropped_total", n,
		)
	}
}

// Dropped reports how many updates were discarded because the queue was full.
func (m *SnapshotMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run drains the queue until ctx ends, then writes whatever is still queued.
func (m *SnapshotMirror) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case job := <-m.jobs:
					m.apply(context.Background(), job)
				default:
					return
				}
			}
		case job := <-m.jobs:
			m.apply(ctx, job)
		}
	}
}

// Done is closed when Run has returned.
func (m *SnapshotMirror) Done() <-chan struct{} {
	return m.done
}

func (m *SnapshotMirror) apply(ctx context.Context, job mirrorJob) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	if job.event == EventStreamTerminated {
		err = m.repo.MarkTerminated(ctx, job.info.StreamID, job.reason)
	} else {
		err = m.repo.Save(ctx, job.info)
	}
	if err != nil {
		m.logger.Warnw("snapshot write failed",
			"stream_id", job.info.StreamID,
			"event", job.event,
			"error", err,
		)
	}

	if m.bus == nil {
		return
	}
	info := job.info
	event := &Event{
		Type:     job.event,
		StreamID: info.StreamID,
		Reason:   job.reason,
		Stream:   &info,
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warnw("event publish failed", "stream_id", info.StreamID, "event", job.event, "error", err)
	}
}
