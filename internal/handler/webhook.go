package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/pkg/response"
)

// CallbackHandler applies vendor completions to jobs.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, ev model.CallbackEvent) (*model.Job, error)
}

// SignatureVerifier checks the signature embedded in a callback URL.
type SignatureVerifier interface {
	Verify(jobID, sig string) bool
}

// falWebhookPayload is the body fal.ai posts to a queue webhook. Older clients
// put the job id in _internal_job_id instead of the callback URL.
type falWebhookPayload struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Error            string          `json:"error"`
	PayloadError     string          `json:"payload_error"`
	InternalJobID    string          `json:"_internal_job_id"`
}

type WebhookHandler struct {
	completion CallbackHandler
	signer     SignatureVerifier
	logger     *zap.Logger
}

func NewWebhookHandler(completion CallbackHandler, signer SignatureVerifier, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		completion: completion,
		signer:     signer,
		logger:     logger,
	}
}

// Fal handles POST /webhooks/fal.
// 200 once the job is terminal (including replays), 400 for an unusable body,
// 404 for an unknown job, 500 when the outcome could not be recorded.
func (h *WebhookHandler) Fal(c *fiber.Ctx) error {
	var body falWebhookPayload
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return response.ValidationError(c, "Invalid webhook body", nil)
	}

	jobID := strings.TrimSpace(c.Query("jobId"))
	if jobID == "" {
		jobID = strings.TrimSpace(body.InternalJobID)
	}
	if jobID == "" {
		return response.ValidationError(c, "Webhook is missing the job id", fiber.Map{"jobId": "required"})
	}

	if !h.signer.Verify(jobID, c.Query("sig")) {
		h.logger.Warn("webhook signature mismatch", zap.String("job_id", jobID), zap.String("ip", c.IP()))
		return response.Unauthorized(c, "Invalid webhook signature")
	}

	ev := model.CallbackEvent{
		JobID:     jobID,
		RequestID: body.RequestID,
		Status:    strings.ToUpper(body.Status),
		Error:     firstNonEmpty(body.Error, body.PayloadError),
	}
	if ev.RequestID == "" {
		ev.RequestID = body.GatewayRequestID
	}
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		if err := json.Unmarshal(body.Payload, &ev.Payload); err != nil {
			// A non-object payload fails normalization and marks the job failed.
			ev.Payload = map[string]any{}
		}
	}

	job, err := h.completion.HandleCallback(c.UserContext(), ev)
	if err != nil {
		h.logger.Error("webhook processing failed", zap.String("job_id", jobID), zap.Error(err))
		return response.FromError(c, err)
	}

	return response.OK(c, fiber.Map{
		"jobId": job.ID,
		"state": job.State,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
