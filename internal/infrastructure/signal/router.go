package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/internal/core/services"
	"panelrelay/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Drop reasons reported to RelayMetrics.
const (
	dropMalformed    = "malformed"
	dropUnregistered = "unregistered"
	dropUnexpected   = "unexpected"
	dropRoutingMiss  = "routing-miss"
	dropNoProducer   = "no-producer"
	dropStale        = "stale-producer"
	dropRateLimited  = "rate-limited"
)

type RouterConfig struct {
	ICEServers      []webrtc.ICEServer
	GraceWindow     time.Duration
	HeartbeatWindow time.Duration

	Verifier            ports.CredentialVerifier
	ControlPlane        ports.ControlPlane
	ControlPlaneTimeout time.Duration
	Metrics             ports.RelayMetrics
	Observers           []ports.StreamObserver

	Now         func() time.Time
	NewConnID   func() domain.ConnID
	NewStreamID func() domain.StreamID
	NewSecret   func() (domain.SecretKey, error)
}

// Router holds the relay state and applies every event to it. It is not safe
// for concurrent use; Relay serialises all calls onto one goroutine.
type Router struct {
	conns   *services.ConnectionRegistry
	streams *services.StreamRegistry
	sweeper *services.Sweeper

	roster []domain.Player

	iceServers   []webrtc.ICEServer
	verifier     ports.CredentialVerifier
	controlPlane ports.ControlPlane
	cpTimeout    time.Duration
	metrics      ports.RelayMetrics
	now          func() time.Time
	newStreamID  func() domain.StreamID

	// outbound tracks fire-and-forget control-plane calls.
	outbound sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewRouter(cfg RouterConfig, logger *zap.SugaredLogger) *Router {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewStreamID == nil {
		cfg.NewStreamID = func() domain.StreamID { return domain.StreamID(utils.GenerateStreamID()) }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.ControlPlaneTimeout <= 0 {
		cfg.ControlPlaneTimeout = 5 * time.Second
	}

	r := &Router{
		iceServers:   cfg.ICEServers,
		verifier:     cfg.Verifier,
		controlPlane: cfg.ControlPlane,
		cpTimeout:    cfg.ControlPlaneTimeout,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		newStreamID:  cfg.NewStreamID,
		logger:       logger,
	}

	connOpts := []services.ConnectionRegistryOption{services.WithConnectionClock(cfg.Now)}
	if cfg.NewConnID != nil {
		connOpts = append(connOpts, services.WithConnectionIDs(cfg.NewConnID))
	}
	r.conns = services.NewConnectionRegistry(logger, connOpts...)

	streamOpts := []services.StreamRegistryOption{
		services.WithGraceWindow(cfg.GraceWindow),
		services.WithStreamClock(cfg.Now),
		services.WithStreamObserver(r),
	}
	if cfg.NewSecret != nil {
		streamOpts = append(streamOpts, services.WithSecretGenerator(cfg.NewSecret))
	}
	for _, o := range cfg.Observers {
		streamOpts = append(streamOpts, services.WithStreamObserver(o))
	}
	r.streams = services.NewStreamRegistry(r.conns, logger, streamOpts...)
	r.sweeper = services.NewSweeper(r.streams, cfg.HeartbeatWindow, logger)

	return r
}

// Connect registers a new transport as an unassigned connection.
func (r *Router) Connect(t ports.Transport) domain.ConnID {
	id := r.conns.Create(t)
	r.metrics.ConnectionOpened()
	return id
}

// Disconnect removes the connection and runs the teardown for its role.
// Repeated calls for the same id are no-ops.
func (r *Router) Disconnect(id domain.ConnID) {
	conn, ok := r.conns.Remove(id)
	if !ok {
		return
	}
	r.metrics.ConnectionClosed(conn.Role)

	var err error
	switch conn.Role {
	case domain.RoleProducer:
		err = r.streams.DetachProducerConnection(conn.SecretKey, id)
	case domain.RoleConsumer:
		err = r.streams.RemoveViewer(conn.SecretKey, id)
	}
	if err != nil && !errors.Is(err, domain.ErrStreamNotFound) {
		r.logger.Warnw("teardown failed", "conn_id", id, "role", conn.Role, "error", err)
	}

	r.logger.Infow("connection closed", "conn_id", id, "role", conn.Role)
}

// HandleFrame decodes one inbound frame and dispatches it by the sender's role.
func (r *Router) HandleFrame(id domain.ConnID, data []byte) {
	conn, ok := r.conns.Get(id)
	if !ok {
		return
	}

	msg, err := domain.DecodeMessage(data)
	if err != nil {
		r.metrics.FrameDropped(dropMalformed)
		r.logger.Warnw("dropping malformed frame", "conn_id", id, "role", conn.Role, "size", len(data))
		return
	}
	r.metrics.FrameReceived(conn.Role, msg.Type)

	if msg.Type == domain.MsgPing {
		r.conns.Notify(id, &domain.Message{Type: domain.MsgPong})
		return
	}

	switch conn.Role {
	case domain.RoleUnassigned:
		r.handleRegistration(conn, msg)
	case domain.RoleProducer:
		r.handleProducerFrame(conn, msg)
	case domain.RoleConsumer:
		r.handleConsumerFrame(conn, msg)
	case domain.RoleOperator:
		r.handleOperatorFrame(conn, msg)
	}
}

// RateLimited records a frame the transport refused to deliver.
func (r *Router) RateLimited(id domain.ConnID) {
	r.metrics.FrameDropped(dropRateLimited)
	r.logger.Debugw("frame rate limited", "conn_id", id)
}

func (r *Router) handleRegistration(conn domain.Connection, msg *domain.Message) {
	switch msg.Type {
	case domain.MsgRegisterStreamer:
		r.registerProducer(conn, msg)
	case domain.MsgRegisterViewer:
		r.registerConsumer(conn, msg)
	case domain.MsgRegisterMonitor:
		r.registerOperator(conn, msg)
	default:
		r.drop(conn, msg, dropUnregistered)
	}
}

func (r *Router) drop(conn domain.Connection, msg *domain.Message, reason string) {
	r.metrics.FrameDropped(reason)
	r.logger.Debugw("frame dropped",
		"conn_id", conn.ID,
		"role", conn.Role,
		"type", msg.Type,
		"reason", reason,
	)
}

func (r *Router) routingMiss(conn domain.Connection, msgType domain.MessageType, target domain.ConnID) {
	r.metrics.FrameDropped(dropRoutingMiss)
	r.logger.Infow("routing miss",
		"conn_id", conn.ID,
		"role", conn.Role,
		"type", msgType,
		"target", target,
		"error", domain.ErrRoutingMiss,
	)
}

func (r *Router) registrationFailed(conn domain.Connection, msg *domain.Message, err error) {
	r.logger.Warnw("registration rejected",
		"conn_id", conn.ID,
		"type", msg.Type,
		"stream_key", utils.MaskSecret(string(msg.StreamKey), 4),
		"error", err,
	)
	r.conns.Notify(conn.ID, domain.ErrorMessage(err.Error()))
}

// broadcastOperators sends msg to every operator connection.
func (r *Router) broadcastOperators(msg *domain.Message) {
	for _, id := range r.conns.Operators() {
		r.conns.Notify(id, msg)
	}
}

func (r *Router) activeStreamsMessage() *domain.Message {
	return &domain.Message{Type: domain.MsgActiveStreams, Streams: r.streams.Infos()}
}

func (r *Router) playersMessage() *domain.Message {
	players := make([]domain.Player, len(r.roster))
	copy(players, r.roster)
	return &domain.Message{Type: domain.MsgPlayerUpdate, Players: players}
}

// StreamCreated, StreamUpdated and StreamTerminated keep operators' stream
// lists current. Per-viewer churn is not broadcast.
func (r *Router) StreamCreated(domain.StreamInfo) {
	r.broadcastOperators(r.activeStreamsMessage())
}

func (r *Router) StreamUpdated(domain.StreamInfo) {}

func (r *Router) StreamTerminated(info domain.StreamInfo, reason domain.TerminationReason) {
	r.broadcastOperators(r.activeStreamsMessage())
}

// ExpireGrace terminates streams whose producer did not come back in time.
func (r *Router) ExpireGrace() {
	r.streams.ExpireGrace(r.now())
}

// Sweep enforces pending stops and heartbeat timeouts.
func (r *Router) Sweep() services.SweepResult {
	return r.sweeper.Sweep(r.now())
}

// NextDeadline reports when ExpireGrace next has work to do.
func (r *Router) NextDeadline() (time.Time, bool) {
	return r.streams.NextDeadline()
}

// CreateStream registers a stream on behalf of the control plane.
func (r *Router) CreateStream(id domain.StreamID, producerID domain.PlayerID, producerName string) (domain.SecretKey, error) {
	return r.streams.Create(id, producerID, producerName)
}

// StopStream terminates a stream on behalf of the control plane.
func (r *Router) StopStream(id domain.StreamID) error {
	_, err := r.streams.Terminate(id, domain.ReasonStopped)
	return err
}

func (r *Router) Heartbeat(id domain.StreamID, producerName *string, producerID *domain.PlayerID, stats json.RawMessage) error {
	return r.streams.RecordHeartbeat(id, producerName, producerID, stats)
}

// PushRoster replaces the player roster and pushes it to every operator.
func (r *Router) PushRoster(players []domain.Player) {
	r.roster = make([]domain.Player, len(players))
	copy(r.roster, players)
	r.broadcastOperators(r.playersMessage())
	r.logger.Infow("player roster updated", "players", len(players))
}

func (r *Router) ListStreams() []domain.StreamInfo {
	return r.streams.Infos()
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Streams     int                 `json:"streams"`
	Connections int                 `json:"connections"`
	ByRole      map[domain.Role]int `json:"byRole"`
}

func (r *Router) Stats() Stats {
	return Stats{
		Streams:     r.streams.Len(),
		Connections: r.conns.Len(),
		ByRole:      r.conns.CountByRole(),
	}
}

// callControlPlane runs fn on its own goroutine. Failures are logged only.
func (r *Router) callControlPlane(op string, streamID domain.StreamID, fn func(ctx context.Context, cp ports.ControlPlane) error) {
	if r.controlPlane == nil {
		return
	}
	cp, timeout := r.controlPlane, r.cpTimeout
	r.outbound.Add(1)
	go func() {
		defer r.outbound.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx, cp); err != nil {
			r.logger.Warnw("control plane call failed", "op", op, "stream_id", streamID, "error", err)
			return
		}
		r.logger.Debugw("control plane call delivered", "op", op, "stream_id", streamID)
	}()
}

// WaitOutbound blocks until in-flight control-plane calls have returned.
func (r *Router) WaitOutbound() {
	r.outbound.Wait()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                             {}
func (noopMetrics) ConnectionClosed(domain.Role)                  {}
func (noopMetrics) FrameReceived(domain.Role, domain.MessageType) {}
func (noopMetrics) FrameDropped(string)                           {}
