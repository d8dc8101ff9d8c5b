package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/middleware"
	"github.com/photoaiproxy/api/internal/model"
	ws "github.com/photoaiproxy/api/internal/websocket"
	"github.com/photoaiproxy/api/pkg/response"
)

const jobLocal = "wsJob"

type WSHandler struct {
	hub    *ws.Hub
	jobs   JobReader
	logger *zap.Logger
}

func NewWSHandler(hub *ws.Hub, jobs JobReader, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, jobs: jobs, logger: logger}
}

// Upgrade rejects plain HTTP requests to websocket routes.
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Authorize loads the job named by :jobId before the upgrade. Jobs owned by
// another caller are reported as not found, like GET /api/jobs/:jobId.
func (h *WSHandler) Authorize(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	job, err := h.jobs.Get(c.UserContext(), jobID)
	if err != nil {
		return response.FromError(c, err)
	}
	if job.CallerID != middleware.GetUserID(c) {
		return response.NotFound(c, "Job not found")
	}
	c.Locals(jobLocal, job)
	return c.Next()
}

// Jobs serves GET /ws/jobs/:jobId after Authorize. Subscribers to a job that
// already finished receive its outcome immediately.
func (h *WSHandler) Jobs() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		job, _ := c.Locals(jobLocal).(*model.Job)
		if job == nil {
			_ = c.Close()
			return
		}

		initial, err := ws.EncodeJob(job)
		if err != nil {
			h.logger.Error("failed to encode job", zap.String("job_id", job.ID), zap.Error(err))
		}
		h.hub.HandleConnection(c, job.ID, initial)
	})
}
