package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/model"
)

// JobRunner runs one pending job to a terminal state.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// JobWorker processes job:execute tasks for adapters that cannot hand their
// completion back through a vendor webhook.
type JobWorker struct {
	runner JobRunner
	logger *zap.Logger
}

func NewJobWorker(runner JobRunner, logger *zap.Logger) *JobWorker {
	return &JobWorker{runner: runner, logger: logger}
}

// ProcessTask handles a job:execute task. Failures are recorded on the job by
// the runner, so only an unreadable payload or a store outage is returned to
// asynq, and never retried.
func (w *JobWorker) ProcessTask(ctx context.Context, t *asynq.Task) (err error) {
	var payload model.ExecuteTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job worker panicked", zap.String("job_id", payload.JobID), zap.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v: %w", payload.JobID, r, asynq.SkipRetry)
		}
	}()

	w.logger.Info("starting job", zap.String("job_id", payload.JobID))
	if err := w.runner.RunJob(ctx, payload.JobID); err != nil {
		w.logger.Error("job run failed", zap.String("job_id", payload.JobID), zap.Error(err))
		return fmt.Errorf("run job %s: %w: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return nil
}
