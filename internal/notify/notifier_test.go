package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/model"
)

type fakePusher struct {
	sent []client.PushMessage
	err  error
}

func (f *fakePusher) Send(_ context.Context, msg client.PushMessage) (string, error) {
	f.sent = append(f.sent, msg)
	return "msg-1", f.err
}

type fakeBroadcaster struct{ jobs []*model.Job }

func (f *fakeBroadcaster) BroadcastJob(job *model.Job) { f.jobs = append(f.jobs, job) }

type fakePublisher struct{ events []client.JobEvent }

func (f *fakePublisher) Publish(_ context.Context, e client.JobEvent) (string, error) {
	f.events = append(f.events, e)
	return "1", nil
}

func completedJob() *model.Job {
	return &model.Job{
		ID:                 "j1",
		JobType:            model.JobTypeUpscale,
		CallerID:           "u1",
		State:              model.JobStateCompleted,
		NotificationTarget: "token-1",
		ResultReference:    "https://store/a.png",
	}
}

func TestNotifyCompleted(t *testing.T) {
	pusher, hub, pub := &fakePusher{}, &fakeBroadcaster{}, &fakePublisher{}
	n := New(zap.NewNop(), WithPusher(pusher), WithBroadcaster(hub), WithPublisher(pub))

	n.Notify(context.Background(), completedJob())

	require.Len(t, pusher.sent, 1)
	msg := pusher.sent[0]
	assert.Equal(t, "token-1", msg.Token)
	assert.Equal(t, "Your Photo is Ready!", msg.Title)
	assert.Equal(t, "https://store/a.png", msg.Data["finalImageUrl"])
	assert.Equal(t, "j1", msg.Data["jobId"])

	require.Len(t, hub.jobs, 1)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "job.completed", pub.events[0].Type)
}

func TestNotifySkipsPushWithoutTarget(t *testing.T) {
	pusher, hub := &fakePusher{}, &fakeBroadcaster{}
	n := New(zap.NewNop(), WithPusher(pusher), WithBroadcaster(hub))

	job := completedJob()
	job.NotificationTarget = ""
	n.Notify(context.Background(), job)

	assert.Empty(t, pusher.sent)
	assert.Len(t, hub.jobs, 1)
}

func TestNotifyIgnoresPendingJob(t *testing.T) {
	pusher := &fakePusher{}
	n := New(zap.NewNop(), WithPusher(pusher))

	job := completedJob()
	job.State = model.JobStatePending
	n.Notify(context.Background(), job)
	assert.Empty(t, pusher.sent)
}

func TestNotifyPushFailureIsNotFatal(t *testing.T) {
	pusher := &fakePusher{err: errors.New("unregistered")}
	n := New(zap.NewNop(), WithPusher(pusher))

	job := completedJob()
	job.State = model.JobStateFailed
	job.ErrorDetail = "vendor down"
	assert.NotPanics(t, func() { n.Notify(context.Background(), job) })
	require.Len(t, pusher.sent, 1)
	assert.Equal(t, "Processing Failed", pusher.sent[0].Title)
}
