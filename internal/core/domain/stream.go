package domain

import (
	"encoding/json"
	"sort"
	"time"
)

type StreamID string
type SecretKey string
type PlayerID string
type PanelID string

// TerminationReason says why a stream left the registry.
type TerminationReason string

const (
	ReasonStopped          TerminationReason = "stopped"
	ReasonHeartbeatTimeout TerminationReason = "heartbeat-timeout"
	ReasonProducerLost     TerminationReason = "producer-lost"
)

// Stream is one logical stream: a single producer and any number of viewers.
// Connections are referenced by id only; the connection registry owns them.
type Stream struct {
	ID              StreamID
	SecretKey       SecretKey
	ProducerID      PlayerID
	ProducerName    string
	CreatedAt       time.Time
	LastHeartbeatAt time.Time

	// Producer is empty while no producer connection is attached.
	Producer ConnID
	Viewers  map[ConnID]struct{}

	Stats json.RawMessage

	OperatorInitiated bool
	PanelID           PanelID
	PendingStop       bool

	// everAttached distinguishes a resumption from the first attach.
	everAttached bool
}

func NewStream(id StreamID, key SecretKey, producerID PlayerID, producerName string, now time.Time) *Stream {
	return &Stream{
		ID:              id,
		SecretKey:       key,
		ProducerID:      producerID,
		ProducerName:    producerName,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		Viewers:         make(map[ConnID]struct{}),
	}
}

// ViewerCount is derived from the viewer set so the two can never disagree.
func (s *Stream) ViewerCount() int {
	return len(s.Viewers)
}

func (s *Stream) HasProducer() bool {
	return s.Producer != ""
}

func (s *Stream) HasViewer(id ConnID) bool {
	_, ok := s.Viewers[id]
	return ok
}

// MarkAttached records that a producer has been attached at least once and
// reports whether one had been attached before.
func (s *Stream) MarkAttached() (hadProducer bool) {
	hadProducer = s.everAttached
	s.everAttached = true
	return hadProducer
}

// ViewerIDs returns the bound viewers in a stable order.
func (s *Stream) ViewerIDs() []ConnID {
	ids := make([]ConnID, 0, len(s.Viewers))
	for id := range s.Viewers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StreamInfo is the operator-facing and persisted projection of a Stream.
type StreamInfo struct {
	StreamID          StreamID        `json:"streamId"`
	StreamKey         SecretKey       `json:"streamKey,omitempty"`
	PlayerID          PlayerID        `json:"playerId,omitempty"`
	PlayerName        string          `json:"playerName,omitempty"`
	PanelID           PanelID         `json:"panelId,omitempty"`
	ViewerCount       int             `json:"viewerCount"`
	ProducerAttached  bool            `json:"producerAttached"`
	OperatorInitiated bool            `json:"operatorInitiated"`
	PendingStop       bool            `json:"pendingStop"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastHeartbeatAt   time.Time       `json:"lastHeartbeatAt"`
	Stats             json.RawMessage `json:"stats,omitempty"`
}

func (s *Stream) Info() StreamInfo {
	return StreamInfo{
		StreamID:          s.ID,
		StreamKey:         s.SecretKey,
		PlayerID:          s.ProducerID,
		PlayerName:        s.ProducerName,
		PanelID:           s.PanelID,
		ViewerCount:       s.ViewerCount(),
		ProducerAttached:  s.HasProducer(),
		OperatorInitiated: s.OperatorInitiated,
		PendingStop:       s.PendingStop,
		CreatedAt:         s.CreatedAt,
		LastHeartbeatAt:   s.LastHeartbeatAt,
		Stats:             s.Stats,
	}
}
