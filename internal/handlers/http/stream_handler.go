package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/infrastructure/signal"
	apperrors "panelrelay/pkg/errors"
	"panelrelay/pkg/utils"
	"panelrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// StreamManager is the management side of the relay.
type StreamManager interface {
	CreateStream(ctx context.Context, id domain.StreamID, producerID domain.PlayerID, producerName string) (domain.SecretKey, error)
	StopStream(ctx context.Context, id domain.StreamID) error
	Heartbeat(ctx context.Context, id domain.StreamID, producerName *string, producerID *domain.PlayerID, stats json.RawMessage) error
	PushRoster(ctx context.Context, players []domain.Player) error
	ListStreams(ctx context.Context) ([]domain.StreamInfo, error)
}

type URLs struct {
	// Signal is the WebSocket URL producers and viewers dial.
	Signal string
	// Viewer is the page that renders a stream; the key is appended as streamKey.
	Viewer string
}

type StreamHandler struct {
	relay StreamManager
	urls  URLs
}

func NewStreamHandler(relay StreamManager, urls URLs) *StreamHandler {
	return &StreamHandler{relay: relay, urls: urls}
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/streams", h.CreateStream)
	api.GET("/streams", h.ListStreams)
	api.DELETE("/streams/:id", h.StopStream)
	api.POST("/streams/:id/heartbeat", h.Heartbeat)
	api.PUT("/players", h.PushRoster)
}

type createStreamRequest struct {
	ID           domain.StreamID `json:"id" binding:"required"`
	ProducerID   domain.PlayerID `json:"producerId"`
	ProducerName string          `json:"producerName"`
}

type createStreamResponse struct {
	StreamID  domain.StreamID  `json:"streamId"`
	StreamKey domain.SecretKey `json:"streamKey"`
	SignalURL string           `json:"signalUrl"`
	ViewerURL string           `json:"viewerUrl,omitempty"`
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStreamID(string(req.ID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("field", "id"))
		return
	}
	if req.ProducerID != "" {
		if err := validation.ValidatePlayerID(string(req.ProducerID)); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("field", "producerId"))
			return
		}
	}
	name := utils.SanitizeString(req.ProducerName)
	if name != "" {
		if err := validation.ValidatePlayerName(name); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("field", "producerName"))
			return
		}
	}

	key, err := h.relay.CreateStream(c.Request.Context(), req.ID, req.ProducerID, name)
	if err != nil {
		_ = c.Error(managementError(err, req.ID))
		return
	}

	c.JSON(http.StatusCreated, createStreamResponse{
		StreamID:  req.ID,
		StreamKey: key,
		SignalURL: h.urls.Signal,
		ViewerURL: h.viewerURL(key),
	})
}

func (h *StreamHandler) viewerURL(key domain.SecretKey) string {
	if h.urls.Viewer == "" {
		return ""
	}
	u, err := url.Parse(h.urls.Viewer)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("streamKey", string(key))
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	if err := h.relay.StopStream(c.Request.Context(), id); err != nil {
		_ = c.Error(managementError(err, id))
		return
	}
	c.Status(http.StatusNoContent)
}

type heartbeatRequest struct {
	ProducerName *string          `json:"producerName"`
	ProducerID   *domain.PlayerID `json:"producerId"`
	Stats        json.RawMessage  `json:"stats"`
}

func (h *StreamHandler) Heartbeat(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))

	var req heartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.ProducerName != nil {
		name := utils.SanitizeString(*req.ProducerName)
		if err := validation.ValidatePlayerName(name); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("field", "producerName"))
			return
		}
		req.ProducerName = &name
	}
	if req.ProducerID != nil {
		if err := validation.ValidatePlayerID(string(*req.ProducerID)); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("field", "producerId"))
			return
		}
	}

	if err := h.relay.Heartbeat(c.Request.Context(), id, req.ProducerName, req.ProducerID, req.Stats); err != nil {
		_ = c.Error(managementError(err, id))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.relay.ListStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(managementError(err, ""))
		return
	}
	if streams == nil {
		streams = []domain.StreamInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

type rosterRequest struct {
	Players []domain.Player `json:"players"`
}

func (h *StreamHandler) PushRoster(c *gin.Context) {
	var req rosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	for i := range req.Players {
		if err := validation.ValidatePlayerID(string(req.Players[i].ID)); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("index", i))
			return
		}
		req.Players[i].Name = utils.SanitizeString(req.Players[i].Name)
		if err := validation.ValidatePlayerName(req.Players[i].Name); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithDetail("index", i))
			return
		}
	}

	if err := h.relay.PushRoster(c.Request.Context(), req.Players); err != nil {
		_ = c.Error(managementError(err, ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"players": len(req.Players)})
}

// managementError maps relay errors onto API errors.
func managementError(err error, id domain.StreamID) error {
	switch {
	case errors.Is(err, domain.ErrDuplicateStream):
		return apperrors.NewConflictError("stream already exists").WithCause(err).WithDetail("streamId", id)
	case errors.Is(err, domain.ErrStreamNotFound):
		return apperrors.NewNotFoundError("stream").WithCause(err).WithDetail("streamId", id)
	case errors.Is(err, signal.ErrRelayStopped), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.NewServiceUnavailableError("relay busy").WithCause(err)
	default:
		return apperrors.NewInternalError("internal server error").WithCause(err)
	}
}
