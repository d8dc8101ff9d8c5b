package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/adapter"
	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/store"
)

const (
	acceptedMessage = "Job accepted. You will be notified when processing is complete."

	// persistParam lets callers override an adapter's persistence default.
	persistParam = "persist_result"
)

// Runner executes pending jobs outside the request that created them.
type Runner interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Dispatcher validates job requests and routes them down the synchronous or
// asynchronous path.
type Dispatcher struct {
	registry   *adapter.Registry
	store      store.Store
	artifacts  Materializer
	completion *CompletionService
	runner     Runner
	webhooks   *WebhookSigner
	logger     *zap.Logger
	tracer     trace.Tracer
	newID      func() string
}

func NewDispatcher(
	registry *adapter.Registry,
	st store.Store,
	artifacts Materializer,
	completion *CompletionService,
	runner Runner,
	webhooks *WebhookSigner,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		store:      st,
		artifacts:  artifacts,
		completion: completion,
		runner:     runner,
		webhooks:   webhooks,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		newID:      uuid.NewString,
	}
}

// Dispatch runs req. Sync requests return the result inline; async requests
// return an acknowledgement once the job is recorded and handed off.
// Validation failures never create state or contact a vendor.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.JobRequest) (*model.DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.String("job.type", req.JobType),
		attribute.String("job.mode", string(req.Mode)),
	))
	defer span.End()

	a, err := d.prepare(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var res *model.DispatchResult
	if req.Mode == model.ModeAsync {
		res, err = d.dispatchAsync(ctx, a, req)
	} else {
		res, err = d.dispatchSync(ctx, a, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (d *Dispatcher) prepare(req *model.JobRequest) (adapter.Adapter, error) {
	missing := map[string]string{}
	if strings.TrimSpace(req.JobType) == "" {
		missing["jobType"] = "required"
	}
	if req.Parameters == nil {
		missing["parameters"] = "required"
	}
	if strings.TrimSpace(req.CallerID) == "" {
		missing["callerId"] = "required"
	}
	if len(missing) > 0 {
		return nil, apperr.BadRequest("missing required fields", missing)
	}
	// callerId names the caller's storage folder.
	if !artifact.ValidNamespace(req.CallerID) {
		return nil, apperr.BadRequest("invalid callerId", map[string]string{"callerId": "letters, digits, '_', '-', '.', '@' only"})
	}

	switch req.Mode {
	case "":
		req.Mode = model.ModeSync
	case model.ModeSync, model.ModeAsync:
	default:
		return nil, apperr.BadRequest(fmt.Sprintf("unknown mode %q", req.Mode), map[string]string{"mode": "oneof sync async"})
	}

	a, err := d.registry.Lookup(req.JobType)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(req.Parameters); err != nil {
		return nil, err
	}
	if only, ok := a.(adapter.AsyncOnly); ok && only.AsyncOnly() && req.Mode == model.ModeSync {
		return nil, apperr.BadRequest(fmt.Sprintf("job type %s only runs asynchronously", req.JobType), map[string]string{"mode": "async required"})
	}
	return a, nil
}

func (d *Dispatcher) dispatchSync(ctx context.Context, a adapter.Adapter, req *model.JobRequest) (*model.DispatchResult, error) {
	started := time.Now()
	res, err := a.Execute(ctx, adapter.Request{Params: req.Parameters, CallerID: req.CallerID})
	if err != nil {
		d.logger.Warn("sync job failed",
			zap.String("job_type", req.JobType),
			zap.String("caller_id", req.CallerID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}

	if shouldPersist(a, req.Parameters) {
		res, err = d.artifacts.MaterializeResult(ctx, res, req.CallerID)
		if err != nil {
			return nil, err
		}
	}

	d.logger.Info("sync job completed",
		zap.String("job_type", req.JobType),
		zap.String("caller_id", req.CallerID),
		zap.Int("images", len(res.Images)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return &model.DispatchResult{Result: res}, nil
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, a adapter.Adapter, req *model.JobRequest) (*model.DispatchResult, error) {
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = d.newID()
	}

	job := &model.Job{
		ID:                 jobID,
		State:              model.JobStatePending,
		JobType:            req.JobType,
		Parameters:         req.Parameters,
		CallerID:           req.CallerID,
		NotificationTarget: req.DeviceToken,
		Persist:            shouldPersist(a, req.Parameters),
	}
	if err := d.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := d.handOff(ctx, a, job); err != nil {
		// The job exists, so the failure is recorded before it reaches the caller.
		if _, ferr := d.completion.Fail(ctx, job, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	d.logger.Info("async job accepted",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("caller_id", job.CallerID),
	)
	return &model.DispatchResult{Accepted: &model.AcceptedResponse{
		Message: acceptedMessage,
		JobID:   job.ID,
	}}, nil
}

// handOff submits to the vendor queue with a callback when the adapter and
// deployment allow it, and to the background runner otherwise.
func (d *Dispatcher) handOff(ctx context.Context, a adapter.Adapter, job *model.Job) error {
	if ws, ok := a.(adapter.WebhookSubmitter); ok && d.webhooks.Enabled() {
		requestID, err := ws.Submit(ctx, adapter.Request{Params: job.Parameters, CallerID: job.CallerID}, d.webhooks.URL(job.ID))
		if err != nil {
			return err
		}
		if err := d.store.AttachVendorRequest(ctx, job.ID, requestID); err != nil && !errors.Is(err, apperr.ErrJobNotFound) {
			d.logger.Warn("failed to record vendor request id",
				zap.String("job_id", job.ID),
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
		return nil
	}

	if err := d.runner.Enqueue(ctx, job.ID); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func shouldPersist(a adapter.Adapter, params map[string]any) bool {
	if v, ok := params[persistParam].(bool); ok {
		return v
	}
	return a.PersistByDefault()
}
