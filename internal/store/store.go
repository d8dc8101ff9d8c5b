// Package store persists asynchronous job records and enforces the
// pending -> completed | failed state machine.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
)

// Store is the job record backend.
//
// Transition is a compare-and-set on the pending state: once a job is terminal
// every later transition returns the stored record together with an
// apperr.ErrJobTerminal error and leaves it untouched.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, id string, to model.JobState, result *model.NormalizedResult, errDetail string) (*model.Job, error)
	AttachVendorRequest(ctx context.Context, id, requestID string) error
}

// applyTransition mutates job in place when the transition is legal.
func applyTransition(job *model.Job, to model.JobState, result *model.NormalizedResult, errDetail string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("store: invalid target state %q", to)
	}
	if job.IsTerminal() {
		return apperr.JobTerminal(job.ID)
	}

	job.State = to
	job.CompletedAt = &now
	switch to {
	case model.JobStateCompleted:
		job.Result = result
		job.ResultReference = result.PrimaryURL()
		job.ErrorDetail = ""
	case model.JobStateFailed:
		job.ErrorDetail = errDetail
	}
	return nil
}

func validateNew(job *model.Job) error {
	if job == nil || job.ID == "" {
		return apperr.BadRequest("job id is required", nil)
	}
	if job.State == "" {
		job.State = model.JobStatePending
	}
	if job.State != model.JobStatePending {
		return fmt.Errorf("store: new job %s must be pending, got %q", job.ID, job.State)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return nil
}

// cloneJob returns a deep copy so callers never share maps with the store.
func cloneJob(job *model.Job) *model.Job {
	data, err := json.Marshal(job)
	if err != nil {
		cp := *job
		return &cp
	}
	var out model.Job
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *job
		return &cp
	}
	return &out
}
