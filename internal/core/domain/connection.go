package domain

import "time"

type ConnID string

// Role is fixed once a connection registers; there are no transitions after that.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleProducer   Role = "streamer"
	RoleConsumer   Role = "viewer"
	RoleOperator   Role = "monitor"
)

type Connection struct {
	ID        ConnID
	Role      Role
	SecretKey SecretKey
	CreatedAt time.Time
}

func (c *Connection) Registered() bool {
	return c.Role != RoleUnassigned
}
