// Package server assembles the fiber application: global middleware, routes
// and the error envelope for errors that escape a handler.
package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/photoaiproxy/api/internal/handler"
	"github.com/photoaiproxy/api/internal/service"
	"github.com/photoaiproxy/api/pkg/response"
)

// Options carries everything the routes need.
type Options struct {
	Jobs    *handler.JobHandler
	Webhook *handler.WebhookHandler
	WS      *handler.WSHandler
	Auth    *handler.AuthHandler

	// Authenticate guards /api and /ws/jobs. RateLimit, when set, guards job
	// submission.
	Authenticate fiber.Handler
	RateLimit    fiber.Handler

	// Health reports which backends are configured.
	Health func() fiber.Map

	AccessLog      bool
	AccessLogDebug bool
}

func New(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    20 * 1024 * 1024,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if opts.AccessLogDebug {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		}
		app.Use(logger.New(logger.Config{Format: logFormat}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{}
		if opts.Health != nil {
			services = opts.Health()
		}
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": services,
		})
	})

	if opts.Auth != nil {
		app.Get("/auth/verify", opts.Auth.Verify)
	}

	// Vendors authenticate with the signed callback URL, not a bearer token.
	app.Post(service.WebhookPath, opts.Webhook.Fal)

	api := app.Group("/api", opts.Authenticate)
	if opts.RateLimit != nil {
		api.Post("/jobs", opts.RateLimit, opts.Jobs.Submit)
	} else {
		api.Post("/jobs", opts.Jobs.Submit)
	}
	api.Get("/jobs/:jobId", opts.Jobs.Get)

	if opts.WS != nil {
		app.Use("/ws", opts.WS.Upgrade)
		app.Get("/ws/jobs/:jobId", opts.Authenticate, opts.WS.Authorize, opts.WS.Jobs())
	}

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
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
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUpgradeRequired:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
