package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/adapter"
	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/normalize"
	"github.com/photoaiproxy/api/internal/store"
)

const (
	tracerName = "github.com/photoaiproxy/api/internal/service"

	// failWriteTimeout bounds the store write that records a failure after the
	// job's own context has expired.
	failWriteTimeout = 10 * time.Second
	maxErrorDetail   = 2048
)

// Materializer re-hosts result assets in durable storage.
type Materializer interface {
	MaterializeResult(ctx context.Context, res *model.NormalizedResult, namespace string) (*model.NormalizedResult, error)
	DiscardResult(ctx context.Context, res *model.NormalizedResult)
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job *model.Job)
}

// CompletionService drives pending jobs to a terminal state, from a vendor
// callback or from the background runner. Only the caller that wins the
// store transition notifies.
type CompletionService struct {
	store     store.Store
	registry  *adapter.Registry
	artifacts Materializer
	notifier  Notifier
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewCompletionService(st store.Store, registry *adapter.Registry, artifacts Materializer, notifier Notifier, logger *zap.Logger) *CompletionService {
	return &CompletionService{
		store:     st,
		registry:  registry,
		artifacts: artifacts,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// HandleCallback applies a vendor completion to its job. Replays for terminal
// jobs succeed without changing anything. Processing failures are recorded on
// the job, so an error is only returned when the job could not be found or
// the store could not be written.
func (s *CompletionService) HandleCallback(ctx context.Context, ev model.CallbackEvent) (*model.Job, error) {
	ctx, span := s.tracer.Start(ctx, "completion.callback", trace.WithAttributes(
		attribute.String("job.id", ev.JobID),
		attribute.String("vendor.request_id", ev.RequestID),
		attribute.String("vendor.status", ev.Status),
	))
	defer span.End()

	if strings.TrimSpace(ev.JobID) == "" {
		return nil, apperr.BadRequest("callback is missing the job id", nil)
	}

	job, err := s.store.Get(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, apperr.ErrJobNotFound) {
			s.logger.Warn("callback for unknown job", zap.String("job_id", ev.JobID), zap.String("request_id", ev.RequestID))
		}
		span.RecordError(err)
		return nil, err
	}
	if job.IsTerminal() {
		s.logger.Info("callback for terminal job ignored",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
		)
		return job, nil
	}

	if ev.Status == model.CallbackStatusError || (ev.Payload == nil && ev.Error != "") {
		detail := ev.Error
		if detail == "" {
			detail = "vendor reported an error"
		}
		return s.Fail(ctx, job, apperr.Vendor("fal", 0, detail))
	}

	res, err := normalize.Normalize(ev.Payload)
	if err != nil {
		return s.Fail(ctx, job, err)
	}
	return s.Complete(ctx, job, res)
}

// RunJob executes a pending job's adapter in the background and records the
// outcome. Panics are recovered and recorded as failures.
func (s *CompletionService) RunJob(ctx context.Context, jobID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "completion.run", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}
	span.SetAttributes(attribute.String("job.type", job.JobType))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job_id", jobID), zap.Any("panic", r))
			_, err = s.Fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	a, err := s.registry.Lookup(job.JobType)
	if err != nil {
		_, err = s.Fail(ctx, job, err)
		return err
	}

	started := time.Now()
	res, err := a.Execute(ctx, adapter.Request{Params: job.Parameters, CallerID: job.CallerID})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("job execution failed",
			zap.String("job_id", jobID),
			zap.String("job_type", job.JobType),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		_, err = s.Fail(ctx, job, err)
		return err
	}

	_, err = s.Complete(ctx, job, res)
	return err
}

// Complete materializes res when the job asks for it, then moves the job to
// completed and notifies. If the completed record cannot be written the job is
// failed instead; an error is returned only when that write fails too.
func (s *CompletionService) Complete(ctx context.Context, job *model.Job, res *model.NormalizedResult) (*model.Job, error) {
	if job.Persist {
		stored, err := s.artifacts.MaterializeResult(ctx, res, job.CallerID)
		if err != nil {
			return s.Fail(ctx, job, err)
		}
		res = stored
	}

	updated, err := s.store.Transition(ctx, job.ID, model.JobStateCompleted, res, "")
	if err != nil {
		// Nothing references this copy of the result any more.
		if job.Persist {
			s.artifacts.DiscardResult(ctx, res)
		}
		if errors.Is(err, apperr.ErrJobTerminal) {
			return updated, nil
		}
		s.logger.Error("failed to record job completion", zap.String("job_id", job.ID), zap.Error(err))
		return s.Fail(ctx, job, fmt.Errorf("record result: %w", err))
	}

	s.logger.Info("job completed",
		zap.String("job_id", updated.ID),
		zap.String("job_type", updated.JobType),
		zap.String("result", truncateURL(updated.ResultReference)),
	)
	s.notifier.Notify(ctx, updated)
	return updated, nil
}

// Fail moves the job to failed with cause as its detail, then notifies.
func (s *CompletionService) Fail(ctx context.Context, job *model.Job, cause error) (*model.Job, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
		defer cancel()
	}

	updated, err := s.store.Transition(ctx, job.ID, model.JobStateFailed, nil, errorDetail(cause))
	if err != nil {
		if errors.Is(err, apperr.ErrJobTerminal) {
			return updated, nil
		}
		s.logger.Error("failed to record job failure",
			zap.String("job_id", job.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, errors.Join(cause, fmt.Errorf("fail job %s: %w", job.ID, err))
	}

	s.logger.Info("job failed",
		zap.String("job_id", updated.ID),
		zap.String("job_type", updated.JobType),
		zap.String("error", updated.ErrorDetail),
	)
	s.notifier.Notify(ctx, updated)
	return updated, nil
}

func errorDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindVendorError && e.Body != "" {
		msg += ": " + e.Body
	}
	if len(msg) > maxErrorDetail {
		cut := maxErrorDetail
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// truncateURL keeps inline data URIs out of the logs.
func truncateURL(u string) string {
	if normalize.IsDataURI(u) && len(u) > 64 {
		return u[:64] + "..."
	}
	return u
}
