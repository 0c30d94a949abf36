// Package server assembles the HTTP surface: the REST API, the tus endpoint,
// live progress websockets, health and metrics.
package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/handler"
	"github.com/0necontroller/vellum/internal/metrics"
	"github.com/0necontroller/vellum/internal/middleware"
	"github.com/0necontroller/vellum/internal/upload"
	"github.com/0necontroller/vellum/pkg/response"
)

// MediaPath is where the local storage driver's files are served
const MediaPath = "/media"

// bodyHeadroom covers request overhead on top of the largest tus chunk
const bodyHeadroom = 1 << 20

type Deps struct {
	Uploads         *handler.UploadHandler
	WS              *handler.WSHandler
	Health          *handler.HealthHandler
	Tus             *upload.Server
	Auth            *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimiter
	SessionsPerHour int
	MaxChunkSize    int
	// MediaDir, when set, is served under MediaPath
	MediaDir        string
	Debug           bool
	Logger          zerolog.Logger
}

// New builds the fiber app with every route mounted
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             d.MaxChunkSize + bodyHeadroom,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	logFormat := "${status} - ${latency} ${method} ${path}\n"
	if d.Debug {
		logFormat = "${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
		Output: d.Logger.With().Str("component", "http").Logger(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,HEAD,PATCH,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,Tus-Resumable,Upload-Length,Upload-Metadata,Upload-Offset,Upload-Defer-Length,X-HTTP-Method-Override",
		ExposeHeaders: "Location,Tus-Resumable,Tus-Version,Tus-Max-Size,Tus-Extension,Upload-Offset,Upload-Length",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", d.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if d.MediaDir != "" {
		app.Static(MediaPath, d.MediaDir)
	}

	// tus protocol, guarded by the admission gate rather than the API credential
	if d.Tus != nil {
		app.All(d.Tus.BasePath()+"*", adaptor.HTTPHandler(d.Tus.Handler()))
	}

	api := app.Group("/api", d.Auth.Authenticate())
	uploads := api.Group("/uploads")
	uploads.Post("/", d.RateLimiter.SessionLimit(d.SessionsPerHour), d.Uploads.Create)
	uploads.Get("/", d.Uploads.List)
	uploads.Get("/:id", d.Uploads.Get)
	uploads.Get("/:id/callback", d.Uploads.CallbackStatus)
	uploads.Delete("/:id", d.Uploads.Delete)

	if d.WS != nil {
		app.Use("/ws", d.WS.Upgrade)
		app.Get("/ws/uploads/:id", d.Auth.AuthenticateWebsocket(), d.WS.Stream())
	}

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest, fiber.StatusUpgradeRequired:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
