package domain

import (
	"bytes"
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	// registration
	MsgRegisterStreamer MessageType = "register-streamer"
	MsgRegisterViewer   MessageType = "register-viewer"
	MsgRegisterMonitor  MessageType = "register-monitor"
	MsgRegistered       MessageType = "registered"
	MsgError            MessageType = "error"

	// peer negotiation, always unicast
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"

	MsgViewerJoined MessageType = "viewer-joined"
	MsgViewerLeft   MessageType = "viewer-left"

	MsgStreamEnded   MessageType = "stream-ended"
	MsgStreamStopped MessageType = "stream-stopped"

	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"

	// operator channel
	MsgPlayerUpdate         MessageType = "player-update"
	MsgActiveStreams        MessageType = "active-streams"
	MsgStreamAssigned       MessageType = "stream-assigned"
	MsgMonitorGetPlayers    MessageType = "monitor-get-players"
	MsgMonitorRequestStream MessageType = "monitor-request-stream"
	MsgMonitorStopStream    MessageType = "monitor-stop-stream"
	MsgGetPlayers           MessageType = "get-players"
	MsgRequestStream        MessageType = "request-stream"
	MsgStopStream           MessageType = "stop-stream"
)

// Candidate sources carried in the "from" field of ice-candidate frames.
const (
	FromViewer   = "viewer"
	FromStreamer = "streamer"
)

// Message is the single JSON frame shape used in both directions. Negotiation
// payloads are kept raw and forwarded byte for byte.
type Message struct {
	Type MessageType `json:"type"`

	StreamKey   SecretKey `json:"streamKey,omitempty"`
	APIKey      string    `json:"apiKey,omitempty"`
	Role        Role      `json:"role,omitempty"`
	IsReconnect *bool     `json:"isReconnect,omitempty"`

	ViewerID  ConnID          `json:"viewerId,omitempty"`
	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	StreamID StreamID `json:"streamId,omitempty"`
	PlayerID PlayerID `json:"playerId,omitempty"`
	PanelID  PanelID  `json:"panelId,omitempty"`

	Players []Player     `json:"players,omitempty"`
	Streams []StreamInfo `json:"streams,omitempty"`
	Stream  *StreamInfo  `json:"stream,omitempty"`

	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`

	Reason  TerminationReason `json:"reason,omitempty"`
	Message string            `json:"message,omitempty"`
}

func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformedFrame
	}
	if msg.Type == "" {
		return nil, ErrMalformedFrame
	}
	return &msg, nil
}

func ErrorMessage(text string) *Message {
	return &Message{Type: MsgError, Message: text}
}

// Player is one roster entry pushed by the control plane.
type Player struct {
	ID   PlayerID        `json:"playerId"`
	Name string          `json:"name"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// UnmarshalJSON accepts both string and numeric player ids.
func (p *PlayerID) UnmarshalJSON(b []byte) error {
	s, err := looseString(b)
	if err != nil {
		return err
	}
	*p = PlayerID(s)
	return nil
}

// UnmarshalJSON accepts both string and numeric panel ids.
func (p *PanelID) UnmarshalJSON(b []byte) error {
	s, err := looseString(b)
	if err != nil {
		return err
	}
	*p = PanelID(s)
	return nil
}

func looseString(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		err := json.Unmarshal(b, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
