package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errTransportClosed = errors.New("transport closed")
	errSendQueueFull   = errors.New("send queue full")
)

// ConnectionHandler receives transport events. Relay implements it.
type ConnectionHandler interface {
	Connect(ctx context.Context, t ports.Transport) (domain.ConnID, error)
	Frame(id domain.ConnID, data []byte)
	Disconnect(id domain.ConnID)
	RateLimited(id domain.ConnID)
}

type WebSocketConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	AllowedOrigins []string

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

type WebSocketServer struct {
	handler  ConnectionHandler
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	active sync.WaitGroup
	open   atomic.Int64

	mu       sync.Mutex
	live     map[*wsTransport]struct{}
	draining bool

	logger *zap.SugaredLogger
}

func NewWebSocketServer(handler ConnectionHandler, cfg WebSocketConfig, logger *zap.SugaredLogger) *WebSocketServer {
	def := DefaultWebSocketConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	s := &WebSocketServer{
		handler: handler,
		cfg:     cfg,
		live:    make(map[*wsTransport]struct{}),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// OpenConnections is the number of live sockets.
func (s *WebSocketServer) OpenConnections() int64 {
	return s.open.Load()
}

// Shutdown closes every live socket, refuses new ones, and waits for the
// connection handlers to finish or ctx to end.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for t := range s.live {
		t.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) track(t *wsTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.live[t] = struct{}{}
	return true
}

func (s *WebSocketServer) untrack(t *wsTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, t)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()
	s.open.Add(1)
	defer s.open.Add(-1)

	t := newWSTransport(conn, s.cfg, s.logger)
	if !s.track(t) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer s.untrack(t)

	id, err := s.handler.Connect(r.Context(), t)
	if err != nil {
		s.logger.Warnw("relay refused connection", "remote", r.RemoteAddr, "error", err)
		t.Close()
		conn.Close()
		return
	}

	s.logger.Debugw("websocket connected", "conn_id", id, "remote", r.RemoteAddr)

	go t.writePump(id)
	s.readPump(id, t)

	t.Close()
	s.handler.Disconnect(id)
}

func (s *WebSocketServer) readPump(id domain.ConnID, t *wsTransport) {
	conn := t.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("websocket read error", "conn_id", id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.handler.RateLimited(id)
			continue
		}
		s.handler.Frame(id, data)
	}
}

// wsTransport is the write side of one socket. Send enqueues and never
// blocks; writePump owns all writes to the connection.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool

	pingInterval time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func newWSTransport(conn *websocket.Conn, cfg WebSocketConfig, logger *zap.SugaredLogger) *wsTransport {
	return &wsTransport{
		conn:         conn,
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

func (t *wsTransport) Send(msg *domain.Message) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errSendQueueFull
	}
}

func (t *wsTransport) IsOpen() bool {
	return !t.closed.Load()
}

// Close stops the write pump, which closes the socket. Safe to call repeatedly.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	return nil
}

func (t *wsTransport) writePump(id domain.ConnID) {
	ticker := time.NewTicker(t.pingInterval)
	defer func() {
		ticker.Stop()
		t.Close()
		t.conn.Close()
	}()

	for {
		select {
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Infow("websocket write failed", "conn_id", id, "error", err)
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Debugw("websocket ping failed", "conn_id", id, "error", err)
				return
			}
		case <-t.done:
			t.flush(id)
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.writeTimeout))
			return
		}
	}
}

// flush writes frames queued before Close so terminal notifications are not lost.
func (t *wsTransport) flush(id domain.ConnID) {
	for {
		select {
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debugw("websocket flush failed", "conn_id", id, "error", err)
				return
			}
		default:
			return
		}
	}
}
