package services

import (
	"fmt"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/utils"

	"go.uber.org/zap"
)

type connEntry struct {
	conn      domain.Connection
	transport ports.Transport
}

// ConnectionRegistry owns every live connection record. Like StreamRegistry
// it is only touched from the relay loop.
type ConnectionRegistry struct {
	conns     map[domain.ConnID]*connEntry
	operators map[domain.ConnID]struct{}

	now   func() time.Time
	newID func() domain.ConnID

	logger *zap.SugaredLogger
}

type ConnectionRegistryOption func(*ConnectionRegistry)

func WithConnectionClock(now func() time.Time) ConnectionRegistryOption {
	return func(r *ConnectionRegistry) { r.now = now }
}

func WithConnectionIDs(gen func() domain.ConnID) ConnectionRegistryOption {
	return func(r *ConnectionRegistry) { r.newID = gen }
}

func NewConnectionRegistry(logger *zap.SugaredLogger, opts ...ConnectionRegistryOption) *ConnectionRegistry {
	r := &ConnectionRegistry{
		conns:     make(map[domain.ConnID]*connEntry),
		operators: make(map[domain.ConnID]struct{}),
		now:       time.Now,
		newID:     func() domain.ConnID { return domain.ConnID(utils.GenerateConnectionID()) },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create records a new unassigned connection for the transport.
func (r *ConnectionRegistry) Create(t ports.Transport) domain.ConnID {
	id := r.newID()
	for _, taken := r.conns[id]; taken; _, taken = r.conns[id] {
		id = r.newID()
	}
	r.conns[id] = &connEntry{
		conn: domain.Connection{
			ID:        id,
			Role:      domain.RoleUnassigned,
			CreatedAt: r.now(),
		},
		transport: t,
	}
	r.logger.Debugw("connection created", "conn_id", id)
	return id
}

// Bind assigns the connection's role. A connection registers exactly once.
func (r *ConnectionRegistry) Bind(id domain.ConnID, role domain.Role, key domain.SecretKey) error {
	e, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("bind %s: %w", id, domain.ErrConnectionNotFound)
	}
	if e.conn.Registered() {
		return fmt.Errorf("bind %s as %s: %w", id, role, domain.ErrAlreadyRegistered)
	}
	if role == domain.RoleUnassigned {
		return fmt.Errorf("bind %s: role required", id)
	}

	e.conn.Role = role
	e.conn.SecretKey = key
	if role == domain.RoleOperator {
		r.operators[id] = struct{}{}
	}
	r.logger.Debugw("connection bound", "conn_id", id, "role", role)
	return nil
}

// Get returns a copy of the connection record.
func (r *ConnectionRegistry) Get(id domain.ConnID) (domain.Connection, bool) {
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

func (r *ConnectionRegistry) Transport(id domain.ConnID) (ports.Transport, bool) {
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// Remove deletes the record and returns what it was bound to. ok is false if
// the connection was already removed, so teardown runs exactly once.
func (r *ConnectionRegistry) Remove(id domain.ConnID) (domain.Connection, bool) {
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, false
	}
	delete(r.conns, id)
	delete(r.operators, id)
	r.logger.Debugw("connection removed", "conn_id", id, "role", e.conn.Role)
	return e.conn, true
}

// Operators returns the ids of every operator connection.
func (r *ConnectionRegistry) Operators() []domain.ConnID {
	ids := make([]domain.ConnID, 0, len(r.operators))
	for id := range r.operators {
		ids = append(ids, id)
	}
	return ids
}

func (r *ConnectionRegistry) Len() int {
	return len(r.conns)
}

func (r *ConnectionRegistry) CountByRole() map[domain.Role]int {
	counts := make(map[domain.Role]int, 4)
	for _, e := range r.conns {
		counts[e.conn.Role]++
	}
	return counts
}

// Notify sends msg to the connection if its transport is still open.
// Missing or closed targets are logged and skipped.
func (r *ConnectionRegistry) Notify(id domain.ConnID, msg *domain.Message) {
	e, ok := r.conns[id]
	if !ok {
		r.logger.Debugw("notify skipped, connection gone", "conn_id", id, "type", msg.Type)
		return
	}
	if !e.transport.IsOpen() {
		r.logger.Debugw("notify skipped, transport closed", "conn_id", id, "type", msg.Type)
		return
	}
	if err := e.transport.Send(msg); err != nil {
		r.logger.Warnw("send failed", "conn_id", id, "type", msg.Type, "error", err)
	}
}
