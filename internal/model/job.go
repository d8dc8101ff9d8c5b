package model

import "time"

// Job is the persisted record of an asynchronous job. It is keyed by ID and is
// the only link between a vendor callback and the request that created it.
type Job struct {
	ID                 string            `json:"id" firestore:"id"`
	State              JobState          `json:"state" firestore:"status"`
	JobType            string            `json:"jobType" firestore:"jobType"`
	Parameters         map[string]any    `json:"parameters" firestore:"parameters"`
	CallerID           string            `json:"callerId" firestore:"userId"`
	NotificationTarget string            `json:"notificationTarget,omitempty" firestore:"deviceToken,omitempty"`
	Persist            bool              `json:"persist" firestore:"persist"`
	VendorRequestID    string            `json:"vendorRequestId,omitempty" firestore:"vendorRequestId,omitempty"`
	CreatedAt          time.Time         `json:"createdAt" firestore:"createdAt"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty" firestore:"completedAt,omitempty"`
	Result             *NormalizedResult `json:"result,omitempty" firestore:"result,omitempty"`
	ResultReference    string            `json:"resultReference,omitempty" firestore:"finalImageUrl,omitempty"`
	ErrorDetail        string            `json:"errorDetail,omitempty" firestore:"error,omitempty"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// JobRequest is the caller-submitted envelope for both sync and async jobs.
type JobRequest struct {
	JobType     string         `json:"jobType" validate:"required"`
	Parameters  map[string]any `json:"parameters" validate:"required"`
	CallerID    string         `json:"callerId" validate:"required"`
	Mode        Mode           `json:"mode,omitempty" validate:"omitempty,oneof=sync async"`
	JobID       string         `json:"jobId,omitempty" validate:"omitempty,max=128"`
	DeviceToken string         `json:"deviceToken,omitempty"`
}

// AcceptedResponse is returned for jobs taken on the asynchronous path.
type AcceptedResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// DispatchResult holds either an inline result (sync) or an acknowledgement (async).
type DispatchResult struct {
	Result   *NormalizedResult
	Accepted *AcceptedResponse
}

// ExecuteTaskPayload is the background runner's task body.
type ExecuteTaskPayload struct {
	JobID string `json:"jobId"`
}

// CallbackEvent is an inbound vendor completion correlated to a job.
type CallbackEvent struct {
	JobID     string
	RequestID string
	Status    string
	Payload   map[string]any
	Error     string
}
