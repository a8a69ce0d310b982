package signal

import (
	"panelrelay/internal/core/domain"
)

func (r *Router) registerConsumer(conn domain.Connection, msg *domain.Message) {
	key := msg.StreamKey
	s := r.streams.LookupBySecret(key)
	if key == "" || s == nil {
		r.registrationFailed(conn, msg, domain.ErrStreamNotFound)
		return
	}
	if err := r.conns.Bind(conn.ID, domain.RoleConsumer, key); err != nil {
		r.logger.Errorw("bind viewer failed", "conn_id", conn.ID, "error", err)
		return
	}

	r.conns.Notify(conn.ID, &domain.Message{
		Type:       domain.MsgRegistered,
		Role:       domain.RoleConsumer,
		StreamKey:  key,
		StreamID:   s.ID,
		ViewerID:   conn.ID,
		ICEServers: r.iceServers,
	})

	if err := r.streams.AddViewer(key, conn.ID); err != nil {
		r.logger.Warnw("add viewer failed", "conn_id", conn.ID, "stream_id", s.ID, "error", err)
	}
}

// handleConsumerFrame forwards answers and candidates to the stream's current
// producer, tagged with the sending viewer's id.
func (r *Router) handleConsumerFrame(conn domain.Connection, msg *domain.Message) {
	switch msg.Type {
	case domain.MsgAnswer, domain.MsgICECandidate:
	default:
		r.drop(conn, msg, dropUnexpected)
		return
	}

	s := r.streams.LookupBySecret(conn.SecretKey)
	if s == nil || !s.HasViewer(conn.ID) {
		r.routingMiss(conn, msg.Type, "")
		return
	}
	if !s.HasProducer() {
		r.drop(conn, msg, dropNoProducer)
		return
	}

	out := &domain.Message{Type: msg.Type, ViewerID: conn.ID}
	if msg.Type == domain.MsgAnswer {
		out.Answer = msg.Answer
	} else {
		out.Candidate = msg.Candidate
		out.From = domain.FromViewer
	}
	r.conns.Notify(s.Producer, out)
}
