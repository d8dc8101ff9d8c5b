package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/model"
)

const TaskTypeExecute = "job:execute"

// NewExecuteTask builds the background task for jobID.
func NewExecuteTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(model.ExecuteTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExecute, data), nil
}

// AsynqRunner hands jobs to the asynq worker server. Tasks are not retried:
// a failed run has already been recorded on the job.
type AsynqRunner struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewAsynqRunner(client *asynq.Client, queue string, timeout time.Duration) *AsynqRunner {
	return &AsynqRunner{client: client, queue: queue, timeout: timeout}
}

func (r *AsynqRunner) Enqueue(ctx context.Context, jobID string) error {
	task, err := NewExecuteTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = r.client.EnqueueContext(ctx, task,
		asynq.Queue(r.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Timeout(r.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// LocalRunner executes jobs on goroutines in this process. Work is detached
// from the submitting request and bounded by timeout.
type LocalRunner struct {
	completion *CompletionService
	timeout    time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewLocalRunner(completion *CompletionService, timeout time.Duration, logger *zap.Logger) *LocalRunner {
	return &LocalRunner{completion: completion, timeout: timeout, logger: logger}
}

func (r *LocalRunner) Enqueue(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.completion.RunJob(ctx, jobID); err != nil {
			r.logger.Error("background job run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every started job has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}
