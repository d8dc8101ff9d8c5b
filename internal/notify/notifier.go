// Package notify tells interested parties that a job reached a terminal state.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/model"
)

const (
	completedTitle = "Your Photo is Ready!"
	completedBody  = "The AI processing for your image has finished."
	failedTitle    = "Processing Failed"
	failedBody     = "We couldn't process your image. Please try again."
)

// Pusher delivers a device push notification.
type Pusher interface {
	Send(ctx context.Context, msg client.PushMessage) (string, error)
}

// Broadcaster pushes a job update to live subscribers.
type Broadcaster interface {
	BroadcastJob(job *model.Job)
}

// Publisher emits job events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event client.JobEvent) (string, error)
}

// Notifier fans a terminal job out to every configured channel. Delivery is
// best-effort: failures are logged and never change the job.
type Notifier struct {
	pusher      Pusher
	broadcaster Broadcaster
	publisher   Publisher
	logger      *zap.Logger
}

type Option func(*Notifier)

func WithPusher(p Pusher) Option { return func(n *Notifier) { n.pusher = p } }

func WithBroadcaster(b Broadcaster) Option { return func(n *Notifier) { n.broadcaster = b } }

func WithPublisher(p Publisher) Option { return func(n *Notifier) { n.publisher = p } }

func New(logger *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify is called exactly once per job, by whoever won the terminal transition.
func (n *Notifier) Notify(ctx context.Context, job *model.Job) {
	if job == nil || !job.IsTerminal() {
		return
	}

	if n.broadcaster != nil {
		n.broadcaster.BroadcastJob(job)
	}

	if n.publisher != nil {
		if _, err := n.publisher.Publish(ctx, eventFor(job)); err != nil {
			n.logger.Warn("failed to publish job event", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	n.push(ctx, job)
}

func (n *Notifier) push(ctx context.Context, job *model.Job) {
	if n.pusher == nil || job.NotificationTarget == "" {
		return
	}

	msg := client.PushMessage{
		Token: job.NotificationTarget,
		Data:  map[string]string{"jobId": job.ID, "state": string(job.State)},
	}
	if job.State == model.JobStateCompleted {
		msg.Title, msg.Body = completedTitle, completedBody
		if job.ResultReference != "" {
			msg.Data["finalImageUrl"] = job.ResultReference
		}
		if job.Result != nil && job.Result.Description != "" {
			msg.Data["description"] = job.Result.Description
		}
	} else {
		msg.Title, msg.Body = failedTitle, failedBody
	}

	id, err := n.pusher.Send(ctx, msg)
	if err != nil {
		n.logger.Warn("failed to send push notification", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	n.logger.Info("push notification sent", zap.String("job_id", job.ID), zap.String("message_id", id))
}

func eventFor(job *model.Job) client.JobEvent {
	return client.JobEvent{
		Type:      "job." + string(job.State),
		JobID:     job.ID,
		JobType:   job.JobType,
		CallerID:  job.CallerID,
		State:     string(job.State),
		ResultURL: job.ResultReference,
		Error:     job.ErrorDetail,
	}
}
