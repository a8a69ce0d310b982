package signal

import (
	"panelrelay/internal/core/domain"
)

// registerProducer promotes conn to the stream's producer. A key whose stream
// has been attached before is a resumption; either way every bound viewer is
// announced so the producer negotiates one peer session per viewer.
func (r *Router) registerProducer(conn domain.Connection, msg *domain.Message) {
	key := msg.StreamKey
	s := r.streams.LookupBySecret(key)
	if key == "" || s == nil {
		r.registrationFailed(conn, msg, domain.ErrStreamNotFound)
		return
	}

	previous := s.Producer
	isReconnect, err := r.streams.AttachProducerConnection(key, conn.ID)
	if err != nil {
		r.registrationFailed(conn, msg, err)
		return
	}
	if err := r.conns.Bind(conn.ID, domain.RoleProducer, key); err != nil {
		r.logger.Errorw("bind producer failed", "conn_id", conn.ID, "error", err)
		return
	}

	if previous != "" && previous != conn.ID {
		if t, ok := r.conns.Transport(previous); ok {
			if err := t.Close(); err != nil {
				r.logger.Debugw("closing replaced producer transport", "conn_id", previous, "error", err)
			}
		}
	}

	r.conns.Notify(conn.ID, &domain.Message{
		Type:        domain.MsgRegistered,
		Role:        domain.RoleProducer,
		StreamKey:   key,
		StreamID:    s.ID,
		IsReconnect: &isReconnect,
		ICEServers:  r.iceServers,
	})

	for _, viewer := range s.ViewerIDs() {
		r.conns.Notify(conn.ID, &domain.Message{Type: domain.MsgViewerJoined, ViewerID: viewer})
	}

	r.logger.Infow("producer registered",
		"conn_id", conn.ID,
		"stream_id", s.ID,
		"reconnect", isReconnect,
		"viewers", s.ViewerCount(),
	)
}

// handleProducerFrame forwards negotiation frames to one named viewer of the
// producer's own stream.
func (r *Router) handleProducerFrame(conn domain.Connection, msg *domain.Message) {
	switch msg.Type {
	case domain.MsgOffer, domain.MsgICECandidate:
	default:
		r.drop(conn, msg, dropUnexpected)
		return
	}

	s := r.streams.LookupBySecret(conn.SecretKey)
	if s == nil || s.Producer != conn.ID {
		r.drop(conn, msg, dropStale)
		return
	}

	target := msg.ViewerID
	if !s.HasViewer(target) {
		r.routingMiss(conn, msg.Type, target)
		return
	}
	viewer, ok := r.conns.Get(target)
	if !ok || viewer.Role != domain.RoleConsumer || viewer.SecretKey != conn.SecretKey {
		r.routingMiss(conn, msg.Type, target)
		return
	}

	out := &domain.Message{Type: msg.Type}
	if msg.Type == domain.MsgOffer {
		out.Offer = msg.Offer
	} else {
		out.Candidate = msg.Candidate
		out.From = domain.FromStreamer
	}
	r.conns.Notify(target, out)
}
