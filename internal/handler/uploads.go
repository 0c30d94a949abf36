package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/pkg/apperr"
	"github.com/0necontroller/vellum/pkg/response"
)

type UploadHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

func NewUploadHandler(sessions *service.SessionService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		sessions: sessions,
		log:      logger.With().Str("component", "http").Logger(),
	}
}

// Create handles POST /api/uploads
func (h *UploadHandler) Create(c *fiber.Ctx) error {
	var req model.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.sessions.CreateSession(c.UserContext(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Created(c, result)
}

// List handles GET /api/uploads
func (h *UploadHandler) List(c *fiber.Ctx) error {
	records, err := h.sessions.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if records == nil {
		records = []*model.UploadRecord{}
	}
	return response.OK(c, fiber.Map{
		"uploads": records,
		"count":   len(records),
	})
}

// Get handles GET /api/uploads/:id
func (h *UploadHandler) Get(c *fiber.Ctx) error {
	rec, err := h.sessions.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, model.NewUploadStatusResponse(rec))
}

// CallbackStatus handles GET /api/uploads/:id/callback
func (h *UploadHandler) CallbackStatus(c *fiber.Ctx) error {
	rec, err := h.sessions.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, model.NewCallbackStatusResponse(rec))
}

// Delete handles DELETE /api/uploads/:id
func (h *UploadHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Delete(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return response.NoContent(c)
}

func (h *UploadHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrAlreadyExists):
	default:
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return response.FromError(c, err)
}
