package ports

import (
	"context"

	"panelrelay/internal/core/domain"
)

// Transport is the write side of one client connection. Send must not block.
type Transport interface {
	Send(msg *domain.Message) error
	IsOpen() bool
	Close() error
}

// Notifier delivers frames to connections by id.
type Notifier interface {
	Notify(conn domain.ConnID, msg *domain.Message)
}

// StreamObserver is told about stream lifecycle changes. Implementations are
// called on the relay loop and must not block.
type StreamObserver interface {
	StreamCreated(info domain.StreamInfo)
	StreamUpdated(info domain.StreamInfo)
	StreamTerminated(info domain.StreamInfo, reason domain.TerminationReason)
}

// StreamRequest is sent to the control plane when an operator asks for a
// player's stream that does not exist yet.
type StreamRequest struct {
	StreamID   domain.StreamID  `json:"streamId"`
	StreamKey  domain.SecretKey `json:"streamKey"`
	PlayerID   domain.PlayerID  `json:"playerId"`
	PlayerName string           `json:"playerName,omitempty"`
	PanelID    domain.PanelID   `json:"panelId,omitempty"`
}

// ControlPlane is the outbound side of the management boundary. Calls are
// fire-and-forget from the relay's point of view.
type ControlPlane interface {
	RequestStream(ctx context.Context, req StreamRequest) error
	ReleaseStream(ctx context.Context, streamID domain.StreamID, playerID domain.PlayerID) error
}

// CredentialVerifier checks operator and control-plane credentials.
type CredentialVerifier interface {
	Verify(credential string) error
}

// RelayMetrics receives per-frame and per-connection counters from the relay.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed(role domain.Role)
	FrameReceived(role domain.Role, msgType domain.MessageType)
	FrameDropped(reason string)
}
