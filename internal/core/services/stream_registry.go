package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/utils"

	"go.uber.org/zap"
)

const DefaultGraceWindow = 30 * time.Second

// StreamRegistry owns every Stream record. It is not safe for concurrent use;
// the relay loop is its only caller.
type StreamRegistry struct {
	streams  map[domain.StreamID]*domain.Stream
	bySecret map[domain.SecretKey]domain.StreamID

	grace       *deadlineQueue
	graceWindow time.Duration

	notifier  ports.Notifier
	observers []ports.StreamObserver

	now       func() time.Time
	newSecret func() (domain.SecretKey, error)

	logger *zap.SugaredLogger
}

type StreamRegistryOption func(*StreamRegistry)

func WithGraceWindow(d time.Duration) StreamRegistryOption {
	return func(r *StreamRegistry) {
		if d > 0 {
			r.graceWindow = d
		}
	}
}

func WithStreamClock(now func() time.Time) StreamRegistryOption {
	return func(r *StreamRegistry) { r.now = now }
}

func WithSecretGenerator(gen func() (domain.SecretKey, error)) StreamRegistryOption {
	return func(r *StreamRegistry) { r.newSecret = gen }
}

func WithStreamObserver(o ports.StreamObserver) StreamRegistryOption {
	return func(r *StreamRegistry) { r.observers = append(r.observers, o) }
}

func NewStreamRegistry(notifier ports.Notifier, logger *zap.SugaredLogger, opts ...StreamRegistryOption) *StreamRegistry {
	r := &StreamRegistry{
		streams:     make(map[domain.StreamID]*domain.Stream),
		bySecret:    make(map[domain.SecretKey]domain.StreamID),
		grace:       newDeadlineQueue(),
		graceWindow: DefaultGraceWindow,
		notifier:    notifier,
		now:         time.Now,
		newSecret: func() (domain.SecretKey, error) {
			key, err := utils.GenerateSecretKey()
			return domain.SecretKey(key), err
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *StreamRegistry) Create(id domain.StreamID, producerID domain.PlayerID, producerName string) (domain.SecretKey, error) {
	if _, exists := r.streams[id]; exists {
		return "", fmt.Errorf("create %s: %w", id, domain.ErrDuplicateStream)
	}

	var key domain.SecretKey
	for {
		k, err := r.newSecret()
		if err != nil {
			return "", fmt.Errorf("generate secret key: %w", err)
		}
		if _, taken := r.bySecret[k]; !taken && k != "" {
			key = k
			break
		}
	}

	stream := domain.NewStream(id, key, producerID, producerName, r.now())
	r.streams[id] = stream
	r.bySecret[key] = id

	r.logger.Infow("stream created",
		"stream_id", id,
		"producer_id", producerID,
		"producer_name", producerName,
	)

	info := stream.Info()
	for _, o := range r.observers {
		o.StreamCreated(info)
	}
	return key, nil
}

func (r *StreamRegistry) LookupByID(id domain.StreamID) *domain.Stream {
	return r.streams[id]
}

func (r *StreamRegistry) LookupBySecret(key domain.SecretKey) *domain.Stream {
	id, ok := r.bySecret[key]
	if !ok {
		return nil
	}
	return r.streams[id]
}

// LookupByProducerID returns the oldest live stream for a producer, so that
// operator requests reuse a stream instead of creating a duplicate.
func (r *StreamRegistry) LookupByProducerID(producerID domain.PlayerID) *domain.Stream {
	if producerID == "" {
		return nil
	}
	var found *domain.Stream
	for _, s := range r.streams {
		if s.ProducerID != producerID {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) ||
			(s.CreatedAt.Equal(found.CreatedAt) && s.ID < found.ID) {
			found = s
		}
	}
	return found
}

func (r *StreamRegistry) LookupByPanel(panelID domain.PanelID) *domain.Stream {
	if panelID == "" {
		return nil
	}
	for _, s := range r.streams {
		if s.PanelID == panelID {
			return s
		}
	}
	return nil
}

// List returns every live stream ordered by creation time.
func (r *StreamRegistry) List() []*domain.Stream {
	out := make([]*domain.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *StreamRegistry) Infos() []domain.StreamInfo {
	streams := r.List()
	infos := make([]domain.StreamInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	return infos
}

func (r *StreamRegistry) Len() int {
	return len(r.streams)
}

// RecordHeartbeat refreshes the stream's liveness and merges any optional fields.
func (r *StreamRegistry) RecordHeartbeat(id domain.StreamID, producerName *string, producerID *domain.PlayerID, stats json.RawMessage) error {
	s, ok := r.streams[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, domain.ErrStreamNotFound)
	}
	s.LastHeartbeatAt = r.now()

	changed := false
	if producerName != nil && *producerName != s.ProducerName {
		s.ProducerName = *producerName
		changed = true
	}
	if producerID != nil && *producerID != s.ProducerID {
		s.ProducerID = *producerID
		changed = true
	}
	if len(stats) > 0 {
		s.Stats = stats
	}

	r.logger.Debugw("heartbeat recorded", "stream_id", id)
	if changed {
		r.updated(s)
	}
	return nil
}

// AttachProducerConnection binds conn as the stream's producer and reports
// whether this resumes an earlier producer session. Any pending grace
// deadline is cancelled.
func (r *StreamRegistry) AttachProducerConnection(key domain.SecretKey, conn domain.ConnID) (bool, error) {
	s := r.LookupBySecret(key)
	if s == nil {
		return false, fmt.Errorf("attach producer: %w", domain.ErrStreamNotFound)
	}

	if r.grace.cancel(s.ID) {
		r.logger.Infow("grace timer cancelled", "stream_id", s.ID, "conn_id", conn)
	}

	if s.Producer == conn {
		return false, nil
	}
	if s.Producer != "" {
		r.logger.Warnw("replacing attached producer connection",
			"stream_id", s.ID,
			"old_conn_id", s.Producer,
			"conn_id", conn,
		)
	}

	isReconnect := s.MarkAttached()
	s.Producer = conn

	r.logger.Infow("producer attached",
		"stream_id", s.ID,
		"conn_id", conn,
		"reconnect", isReconnect,
	)
	r.updated(s)
	return isReconnect, nil
}

// DetachProducerConnection clears the producer reference if it still points
// at conn and arms the reconnect grace deadline.
func (r *StreamRegistry) DetachProducerConnection(key domain.SecretKey, conn domain.ConnID) error {
	s := r.LookupBySecret(key)
	if s == nil {
		return fmt.Errorf("detach producer: %w", domain.ErrStreamNotFound)
	}
	if s.Producer != conn {
		return nil
	}

	s.Producer = ""
	deadline := r.now().Add(r.graceWindow)
	r.grace.schedule(s.ID, deadline)

	r.logger.Infow("producer detached, grace timer armed",
		"stream_id", s.ID,
		"conn_id", conn,
		"deadline", deadline,
	)
	r.updated(s)
	return nil
}

func (r *StreamRegistry) AddViewer(key domain.SecretKey, conn domain.ConnID) error {
	s := r.LookupBySecret(key)
	if s == nil {
		return fmt.Errorf("add viewer: %w", domain.ErrStreamNotFound)
	}
	if s.HasViewer(conn) {
		return nil
	}
	s.Viewers[conn] = struct{}{}

	if s.HasProducer() {
		r.notifier.Notify(s.Producer, &domain.Message{Type: domain.MsgViewerJoined, ViewerID: conn})
	}
	r.logger.Infow("viewer added", "stream_id", s.ID, "conn_id", conn, "viewers", s.ViewerCount())
	r.updated(s)
	return nil
}

func (r *StreamRegistry) RemoveViewer(key domain.SecretKey, conn domain.ConnID) error {
	s := r.LookupBySecret(key)
	if s == nil {
		return fmt.Errorf("remove viewer: %w", domain.ErrStreamNotFound)
	}
	if !s.HasViewer(conn) {
		return nil
	}
	delete(s.Viewers, conn)

	if s.HasProducer() {
		r.notifier.Notify(s.Producer, &domain.Message{Type: domain.MsgViewerLeft, ViewerID: conn})
	}
	r.logger.Infow("viewer removed", "stream_id", s.ID, "conn_id", conn, "viewers", s.ViewerCount())
	r.updated(s)
	return nil
}

// SetPendingStop flags a stream for termination on the next sweep.
func (r *StreamRegistry) SetPendingStop(id domain.StreamID) error {
	s, ok := r.streams[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, domain.ErrStreamNotFound)
	}
	if s.PendingStop {
		return nil
	}
	s.PendingStop = true
	r.logger.Infow("stream marked for stop", "stream_id", id)
	r.updated(s)
	return nil
}

// AssignPanel puts the stream on a panel. A panel shows one stream at a time,
// so any other stream on the same panel loses it.
func (r *StreamRegistry) AssignPanel(id domain.StreamID, panelID domain.PanelID, operatorInitiated bool) error {
	s, ok := r.streams[id]
	if !ok {
		return fmt.Errorf("assign panel %s: %w", id, domain.ErrStreamNotFound)
	}
	if panelID != "" {
		for _, other := range r.streams {
			if other.ID != id && other.PanelID == panelID {
				other.PanelID = ""
				r.updated(other)
			}
		}
	}
	s.PanelID = panelID
	s.OperatorInitiated = s.OperatorInitiated || operatorInitiated
	r.updated(s)
	return nil
}

// Terminate removes the stream, notifies its producer and viewers with the
// terminal frame and returns the notified connections.
func (r *StreamRegistry) Terminate(id domain.StreamID, reason domain.TerminationReason) ([]domain.ConnID, error) {
	s, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("terminate %s: %w", id, domain.ErrStreamNotFound)
	}

	delete(r.streams, id)
	delete(r.bySecret, s.SecretKey)
	r.grace.cancel(id)

	recipients := make([]domain.ConnID, 0, s.ViewerCount()+1)
	if s.HasProducer() {
		recipients = append(recipients, s.Producer)
	}
	recipients = append(recipients, s.ViewerIDs()...)

	msgType := domain.MsgStreamEnded
	if reason == domain.ReasonStopped {
		msgType = domain.MsgStreamStopped
	}
	for _, conn := range recipients {
		r.notifier.Notify(conn, &domain.Message{
			Type:      msgType,
			StreamID:  s.ID,
			StreamKey: s.SecretKey,
			PanelID:   s.PanelID,
			Reason:    reason,
		})
	}

	r.logger.Infow("stream terminated",
		"stream_id", id,
		"reason", reason,
		"notified", len(recipients),
	)

	info := s.Info()
	for _, o := range r.observers {
		o.StreamTerminated(info, reason)
	}
	return recipients, nil
}

// ExpireGrace terminates streams whose grace deadline has passed. Attachment
// is checked at fire time, so a producer that came back is left alone.
func (r *StreamRegistry) ExpireGrace(now time.Time) []domain.StreamID {
	var terminated []domain.StreamID
	for _, id := range r.grace.popDue(now) {
		s, ok := r.streams[id]
		if !ok || s.HasProducer() {
			continue
		}
		if _, err := r.Terminate(id, domain.ReasonProducerLost); err != nil {
			r.logger.Warnw("grace expiry terminate failed", "stream_id", id, "error", err)
			continue
		}
		terminated = append(terminated, id)
	}
	return terminated
}

// NextDeadline reports the earliest armed grace deadline.
func (r *StreamRegistry) NextDeadline() (time.Time, bool) {
	return r.grace.next()
}

// GracePending reports whether a grace deadline is armed for the stream.
func (r *StreamRegistry) GracePending(id domain.StreamID) bool {
	return r.grace.pending(id)
}

func (r *StreamRegistry) updated(s *domain.Stream) {
	if len(r.observers) == 0 {
		return
	}
	info := s.Info()
	for _, o := range r.observers {
		o.StreamUpdated(info)
	}
}
