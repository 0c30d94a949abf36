package handler

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	ws "github.com/0necontroller/vellum/internal/websocket"
)

// WSHandler streams live progress for one upload
type WSHandler struct {
	sessions *service.SessionService
	hub      *ws.Hub
	log      zerolog.Logger
}

func NewWSHandler(sessions *service.SessionService, hub *ws.Hub, logger zerolog.Logger) *WSHandler {
	return &WSHandler{sessions: sessions, hub: hub, log: logger.With().Str("component", "ws").Logger()}
}

// Upgrade rejects plain HTTP requests on websocket routes
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream handles GET /ws/uploads/:id. The first message is a snapshot of the
// current record, read after subscribing, so late subscribers see terminal
// states.
func (h *WSHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		uploadID := c.Params("id")
		h.hub.HandleConnection(c, uploadID, func() []byte { return h.snapshot(uploadID) })
	})
}

func (h *WSHandler) snapshot(uploadID string) []byte {
	rec, err := h.sessions.Get(context.Background(), uploadID)
	if err != nil {
		return nil
	}

	var msg any
	switch rec.Status {
	case model.UploadStatusCompleted:
		msg = model.WSCompleteMessage{Type: model.WSMessageTypeComplete, UploadID: rec.ID, StreamURL: rec.StreamURL}
	case model.UploadStatusFailed:
		msg = model.WSErrorMessage{
			Type:     model.WSMessageTypeError,
			UploadID: rec.ID,
			Error:    model.WSError{Code: "JOB_FAILED", Message: rec.Error},
		}
	default:
		msg = model.WSProgressMessage{Type: model.WSMessageTypeProgress, UploadID: rec.ID, Progress: rec.Progress, Status: rec.Status}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn().Err(err).Str("uploadId", uploadID).Msg("failed to encode snapshot")
		return nil
	}
	return data
}
