package signal

import (
	"context"
	"fmt"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/validation"
)

func (r *Router) registerOperator(conn domain.Connection, msg *domain.Message) {
	if r.verifier == nil {
		r.registrationFailed(conn, msg, domain.ErrUnauthorized)
		return
	}
	if err := r.verifier.Verify(msg.APIKey); err != nil {
		r.registrationFailed(conn, msg, domain.ErrUnauthorized)
		r.logger.Debugw("operator credential rejected", "conn_id", conn.ID, "error", err)
		return
	}
	if err := r.conns.Bind(conn.ID, domain.RoleOperator, ""); err != nil {
		r.logger.Errorw("bind operator failed", "conn_id", conn.ID, "error", err)
		return
	}

	r.conns.Notify(conn.ID, &domain.Message{Type: domain.MsgRegistered, Role: domain.RoleOperator})
	r.conns.Notify(conn.ID, r.playersMessage())
	r.conns.Notify(conn.ID, r.activeStreamsMessage())

	r.logger.Infow("operator registered", "conn_id", conn.ID, "operators", len(r.conns.Operators()))
}

func (r *Router) handleOperatorFrame(conn domain.Connection, msg *domain.Message) {
	switch msg.Type {
	case domain.MsgGetPlayers, domain.MsgMonitorGetPlayers:
		r.conns.Notify(conn.ID, r.playersMessage())
		r.conns.Notify(conn.ID, r.activeStreamsMessage())
	case domain.MsgRequestStream, domain.MsgMonitorRequestStream:
		r.requestStream(conn, msg)
	case domain.MsgStopStream, domain.MsgMonitorStopStream:
		r.stopStream(conn, msg)
	default:
		r.drop(conn, msg, dropUnexpected)
	}
}

// requestStream puts a player's stream on a panel. An existing stream for the
// player is reused unless it is waiting to be stopped; otherwise the relay
// creates one and asks the control plane to start the producer with its key.
// Without a panelId the stream keeps its current panel.
func (r *Router) requestStream(conn domain.Connection, msg *domain.Message) {
	if err := validation.ValidatePlayerID(string(msg.PlayerID)); err != nil {
		r.conns.Notify(conn.ID, domain.ErrorMessage(err.Error()))
		return
	}
	if msg.PanelID != "" {
		if err := validation.ValidatePanelID(string(msg.PanelID)); err != nil {
			r.conns.Notify(conn.ID, domain.ErrorMessage(err.Error()))
			return
		}
	}

	s := r.streams.LookupByProducerID(msg.PlayerID)
	if s != nil && s.PendingStop {
		// the control plane has already been told to release it
		if _, err := r.streams.Terminate(s.ID, domain.ReasonStopped); err != nil {
			r.logger.Warnw("terminate stopping stream failed", "stream_id", s.ID, "error", err)
		}
		s = nil
	}
	created := false
	if s == nil {
		id := r.newStreamID()
		key, err := r.streams.Create(id, msg.PlayerID, r.playerName(msg.PlayerID))
		if err != nil {
			r.logger.Errorw("operator stream create failed", "player_id", msg.PlayerID, "error", err)
			r.conns.Notify(conn.ID, domain.ErrorMessage(fmt.Sprintf("request stream: %v", err)))
			return
		}
		s = r.streams.LookupBySecret(key)
		created = true
	}

	panelID := msg.PanelID
	if panelID == "" {
		panelID = s.PanelID
	}
	if err := r.streams.AssignPanel(s.ID, panelID, true); err != nil {
		r.logger.Errorw("panel assignment failed", "stream_id", s.ID, "error", err)
		return
	}

	info := s.Info()
	r.broadcastOperators(&domain.Message{
		Type:     domain.MsgStreamAssigned,
		StreamID: s.ID,
		PlayerID: s.ProducerID,
		PanelID:  s.PanelID,
		Stream:   &info,
	})
	r.broadcastOperators(r.activeStreamsMessage())

	r.logger.Infow("stream requested by operator",
		"conn_id", conn.ID,
		"stream_id", s.ID,
		"player_id", s.ProducerID,
		"panel_id", s.PanelID,
		"created", created,
	)

	if created {
		req := ports.StreamRequest{
			StreamID:   s.ID,
			StreamKey:  s.SecretKey,
			PlayerID:   s.ProducerID,
			PlayerName: s.ProducerName,
			PanelID:    s.PanelID,
		}
		r.callControlPlane("request-stream", s.ID, func(ctx context.Context, cp ports.ControlPlane) error {
			return cp.RequestStream(ctx, req)
		})
	}
}

// stopStream marks the stream addressed by playerId or panelId for
// termination on the next sweep.
func (r *Router) stopStream(conn domain.Connection, msg *domain.Message) {
	var s *domain.Stream
	switch {
	case msg.PlayerID != "":
		s = r.streams.LookupByProducerID(msg.PlayerID)
	case msg.PanelID != "":
		s = r.streams.LookupByPanel(msg.PanelID)
	default:
		r.conns.Notify(conn.ID, domain.ErrorMessage("playerId or panelId required"))
		return
	}
	if s == nil {
		r.routingMiss(conn, msg.Type, "")
		r.conns.Notify(conn.ID, domain.ErrorMessage(domain.ErrStreamNotFound.Error()))
		return
	}

	if err := r.streams.SetPendingStop(s.ID); err != nil {
		r.logger.Warnw("stop stream failed", "stream_id", s.ID, "error", err)
		return
	}
	r.broadcastOperators(r.activeStreamsMessage())

	r.logger.Infow("stream stop requested by operator", "conn_id", conn.ID, "stream_id", s.ID)

	streamID, playerID := s.ID, s.ProducerID
	r.callControlPlane("release-stream", streamID, func(ctx context.Context, cp ports.ControlPlane) error {
		return cp.ReleaseStream(ctx, streamID, playerID)
	})
}

func (r *Router) playerName(id domain.PlayerID) string {
	for _, p := range r.roster {
		if p.ID == id {
			return p.Name
		}
	}
	return string(id)
}
