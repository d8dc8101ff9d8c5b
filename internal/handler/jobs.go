package handler

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/photoaiproxy/api/internal/middleware"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/pkg/response"
)

// JobDispatcher runs job requests.
type JobDispatcher interface {
	Dispatch(ctx context.Context, req *model.JobRequest) (*model.DispatchResult, error)
}

// JobReader loads job records for polling.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

type JobHandler struct {
	dispatcher JobDispatcher
	jobs       JobReader
	validator  *validator.Validate
}

func NewJobHandler(dispatcher JobDispatcher, jobs JobReader, v *validator.Validate) *JobHandler {
	return &JobHandler{
		dispatcher: dispatcher,
		jobs:       jobs,
		validator:  v,
	}
}

// Submit handles POST /api/jobs.
// Sync jobs answer 200 with the normalized result; async jobs answer 202 with
// the job id once the job is recorded.
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.JobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if userID := middleware.GetUserID(c); userID != "" && userID != req.CallerID {
		return response.Forbidden(c, "callerId does not match the authenticated user")
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	if result.Accepted != nil {
		return response.Accepted(c, result.Accepted)
	}
	return response.OK(c, result.Result)
}

// Get handles GET /api/jobs/:jobId.
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Get(c.UserContext(), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	if userID := middleware.GetUserID(c); userID != "" && userID != job.CallerID {
		return response.NotFound(c, "Job not found")
	}

	return response.OK(c, job)
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
