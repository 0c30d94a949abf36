package handler

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthTimeout = 2 * time.Second

// Check reports whether one dependency is reachable
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]Check
	info   fiber.Map
}

// NewHealthHandler reports the given checks plus static info (storage driver,
// auth mode) under "services"
func NewHealthHandler(checks map[string]Check, info fiber.Map) *HealthHandler {
	return &HealthHandler{checks: checks, info: info}
}

// Health handles GET /health. It always answers 200; a failing dependency
// only turns the status to degraded.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	services := fiber.Map{}
	for k, v := range h.info {
		services[k] = v
	}
	for _, name := range names {
		healthy := h.checks[name](ctx) == nil
		services[name] = healthy
		if !healthy {
			status = "degraded"
		}
	}

	return c.JSON(fiber.Map{
		"status":   status,
		"services": services,
	})
}
