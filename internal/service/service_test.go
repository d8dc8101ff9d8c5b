package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/adapter"
	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/store"
)

type fakeFal struct {
	mu        sync.Mutex
	runs      []string
	submits   []string
	webhooks  []string
	runErr    map[string]error
	submitErr error
	panicOn   string
}

func (f *fakeFal) Run(_ context.Context, m string, _ any, _ bool) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m == f.panicOn {
		panic("vendor adapter blew up")
	}
	f.runs = append(f.runs, m)
	if err := f.runErr[m]; err != nil {
		return nil, err
	}
	return map[string]any{"images": []any{map[string]any{"url": "https://fal.media/" + m + ".png"}}}, nil
}

func (f *fakeFal) Submit(_ context.Context, m string, _ any, webhookURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, m)
	f.webhooks = append(f.webhooks, webhookURL)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "req-1", nil
}

func (f *fakeFal) vendorCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs) + len(f.submits)
}

type fakeMaterializer struct {
	calls     int
	discarded []string
}

func (f *fakeMaterializer) MaterializeResult(_ context.Context, res *model.NormalizedResult, ns string) (*model.NormalizedResult, error) {
	f.calls++
	out := &model.NormalizedResult{Timings: res.Timings}
	for _, a := range res.Images {
		out.Images = append(out.Images, model.Asset{URL: "https://store/" + ns + "/" + a.URL[strings.LastIndex(a.URL, "/")+1:]})
	}
	return out, nil
}

func (f *fakeMaterializer) DiscardResult(_ context.Context, res *model.NormalizedResult) {
	for _, a := range res.Images {
		f.discarded = append(f.discarded, a.URL)
	}
}

func (f *fakeMaterializer) PersistTemp(_ context.Context, _ artifact.Source, ns string) (*model.StoredArtifact, error) {
	return &model.StoredArtifact{Key: "tmp/" + ns + "/x.png", URL: "https://store/tmp/" + ns + "/x.png"}, nil
}

func (f *fakeMaterializer) Discard(context.Context, *model.StoredArtifact) {}

func (f *fakeMaterializer) Fetch(context.Context, string) ([]byte, string, error) {
	return []byte("img"), "image/png", nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*model.Job
}

func (n *recordingNotifier) Notify(_ context.Context, job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

type harness struct {
	dispatcher *Dispatcher
	completion *CompletionService
	store      store.Store
	fal        *fakeFal
	notifier   *recordingNotifier
	materials  *fakeMaterializer
	runner     *LocalRunner
	signer     *WebhookSigner
}

func newHarness(t *testing.T, webhookBase string) *harness {
	t.Helper()
	logger := zap.NewNop()
	fal := &fakeFal{runErr: map[string]error{}}
	materials := &fakeMaterializer{}

	registry, err := adapter.NewDefaultRegistry(adapter.Vendors{
		Fal:       fal,
		Topaz:     nil,
		Text:      nil,
		Artifacts: materials,
	}, logger)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	completion := NewCompletionService(st, registry, materials, notifier, logger)
	runner := NewLocalRunner(completion, time.Minute, logger)
	signer := NewWebhookSigner(webhookBase, "s3cret")

	return &harness{
		dispatcher: NewDispatcher(registry, st, materials, completion, runner, signer, logger),
		completion: completion,
		store:      st,
		fal:        fal,
		notifier:   notifier,
		materials:  materials,
		runner:     runner,
		signer:     signer,
	}
}

func upscaleRequest(mode model.Mode) *model.JobRequest {
	return &model.JobRequest{
		JobType:     model.JobTypeUpscale,
		Parameters:  map[string]any{"image_url": "https://x/src.jpg"},
		CallerID:    "u1",
		Mode:        mode,
		DeviceToken: "device-1",
	}
}

func TestDispatchMissingFields(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.dispatcher.Dispatch(context.Background(), &model.JobRequest{JobType: model.JobTypeUpscale, Mode: model.ModeAsync, JobID: "j0"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	e, _ := apperr.As(err)
	assert.Contains(t, e.Details, "parameters")
	assert.Contains(t, e.Details, "callerId")

	_, err = h.store.Get(context.Background(), "j0")
	assert.True(t, errors.Is(err, apperr.ErrJobNotFound))
	assert.Zero(t, h.fal.vendorCalls())
}

func TestDispatchUnsupportedJobType(t *testing.T) {
	h := newHarness(t, "")
	req := upscaleRequest(model.ModeSync)
	req.JobType = "teleport"

	_, err := h.dispatcher.Dispatch(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrUnsupportedJobType))
}

func TestDispatchMissingParameterNeverCallsVendor(t *testing.T) {
	h := newHarness(t, "https://api.example.com")

	for _, mode := range []model.Mode{model.ModeSync, model.ModeAsync} {
		_, err := h.dispatcher.Dispatch(context.Background(), &model.JobRequest{
			JobType:    model.JobTypeInpaint,
			Parameters: map[string]any{"mask_url": "https://x/m.png"},
			CallerID:   "u1",
			Mode:       mode,
			JobID:      "inpaint-" + string(mode),
		})
		assert.True(t, errors.Is(err, apperr.ErrBadRequest), mode)

		_, err = h.store.Get(context.Background(), "inpaint-"+string(mode))
		assert.True(t, errors.Is(err, apperr.ErrJobNotFound))
	}
	assert.Zero(t, h.fal.vendorCalls())
}

func TestDispatchSync(t *testing.T) {
	h := newHarness(t, "")

	res, err := h.dispatcher.Dispatch(context.Background(), upscaleRequest(""))
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Nil(t, res.Accepted)
	assert.Equal(t, "https://fal.media/fal-ai/topaz/upscale/image.png", res.Result.PrimaryURL())
	assert.Zero(t, h.materials.calls)
	assert.Zero(t, h.notifier.count())
}

func TestDispatchSyncPersistOverride(t *testing.T) {
	h := newHarness(t, "")
	req := upscaleRequest(model.ModeSync)
	req.Parameters["persist_result"] = true

	res, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.materials.calls)
	assert.Equal(t, "https://store/u1/image.png", res.Result.PrimaryURL())
}

func TestDispatchSyncVendorError(t *testing.T) {
	h := newHarness(t, "")
	h.fal.runErr["fal-ai/topaz/upscale/image"] = apperr.Vendor("fal", 422, `{"detail":"bad image"}`)

	_, err := h.dispatcher.Dispatch(context.Background(), upscaleRequest(model.ModeSync))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindVendorError, e.Kind)
	assert.Equal(t, 422, e.Status)
	assert.Equal(t, `{"detail":"bad image"}`, e.Body)
}

func TestDispatchRejectsCallerIDOutsideNamespace(t *testing.T) {
	h := newHarness(t, "https://api.example.com")

	for _, caller := range []string{"../processed/victim", "a/b", "..", "../../etc"} {
		req := upscaleRequest(model.ModeAsync)
		req.CallerID = caller
		req.JobID = "ns-job"

		_, err := h.dispatcher.Dispatch(context.Background(), req)
		require.Error(t, err, caller)
		assert.True(t, errors.Is(err, apperr.ErrBadRequest), caller)
	}

	_, err := h.store.Get(context.Background(), "ns-job")
	assert.True(t, errors.Is(err, apperr.ErrJobNotFound))
	assert.Zero(t, h.fal.vendorCalls())
}

func TestDispatchRejectsSyncForAsyncOnlyJob(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.dispatcher.Dispatch(context.Background(), &model.JobRequest{
		JobType:    model.JobTypeVideoUpscale,
		Parameters: map[string]any{"video_url": "https://x/v.mp4"},
		CallerID:   "u1",
	})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	assert.Zero(t, h.fal.vendorCalls())
}

func TestAsyncWebhookHappyPath(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	ctx := context.Background()
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "job-1"

	res, err := h.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, "job-1", res.Accepted.JobID)

	job, err := h.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatePending, job.State)
	assert.Equal(t, "req-1", job.VendorRequestID)
	assert.Equal(t, "device-1", job.NotificationTarget)

	require.Len(t, h.fal.webhooks, 1)
	u, err := url.Parse(h.fal.webhooks[0])
	require.NoError(t, err)
	assert.Equal(t, "/webhooks/fal", u.Path)
	assert.Equal(t, "job-1", u.Query().Get("jobId"))
	assert.True(t, h.signer.Verify("job-1", u.Query().Get("sig")))

	ev := model.CallbackEvent{
		JobID:     "job-1",
		RequestID: "req-1",
		Status:    model.CallbackStatusOK,
		Payload:   map[string]any{"image": map[string]any{"url": "https://fal.media/out.png"}},
	}
	done, err := h.completion.HandleCallback(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, done.State)
	assert.Equal(t, "https://fal.media/out.png", done.ResultReference)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, "device-1", h.notifier.jobs[0].NotificationTarget)

	// Vendor retries the webhook.
	ev.Payload = map[string]any{"image": map[string]any{"url": "https://fal.media/other.png"}}
	replay, err := h.completion.HandleCallback(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/out.png", replay.ResultReference)
	assert.True(t, done.CompletedAt.Equal(*replay.CompletedAt))
	assert.Equal(t, 1, h.notifier.count())
}

func TestAsyncPersistedJobMaterializesOnCallback(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, &model.JobRequest{
		JobType:    model.JobTypeObjectRemoval,
		Parameters: map[string]any{"image_url": "https://x/a.jpg", "mask_url": "https://x/m.png"},
		CallerID:   "u7",
		Mode:       model.ModeAsync,
		JobID:      "persist-1",
	})
	require.NoError(t, err)

	done, err := h.completion.HandleCallback(ctx, model.CallbackEvent{
		JobID:   "persist-1",
		Status:  model.CallbackStatusOK,
		Payload: map[string]any{"image": map[string]any{"url": "https://fal.media/erased.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://store/u7/erased.png", done.ResultReference)
}

func TestAsyncSubmitFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	h.fal.submitErr = apperr.Vendor("fal", 400, "rejected")
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "job-bad"

	_, err := h.dispatcher.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrVendor))

	job, err := h.store.Get(context.Background(), "job-bad")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Contains(t, job.ErrorDetail, "rejected")
}

func TestAsyncDuplicateJobID(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "dup"

	_, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, err = h.dispatcher.Dispatch(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateJobID))
}

func TestAsyncWithoutWebhookRunsInBackground(t *testing.T) {
	h := newHarness(t, "")
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "bg-1"

	res, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bg-1", res.Accepted.JobID)
	h.runner.Wait()

	job, err := h.store.Get(context.Background(), "bg-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Empty(t, h.fal.submits)
	assert.Equal(t, 1, h.notifier.count())
}

func TestAsyncFanOutTotalFailure(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	h.fal.runErr["fal-ai/nano-banana/edit"] = apperr.Vendor("fal", 500, "a")
	h.fal.runErr["fal-ai/bytedance/seedream/v4/edit"] = apperr.Vendor("fal", 500, "b")

	_, err := h.dispatcher.Dispatch(context.Background(), &model.JobRequest{
		JobType:    model.JobTypeGenericRestore,
		Parameters: map[string]any{"image_url": "https://x/a.jpg"},
		CallerID:   "u1",
		Mode:       model.ModeAsync,
		JobID:      "fan-1",
	})
	require.NoError(t, err)
	h.runner.Wait()

	job, err := h.store.Get(context.Background(), "fan-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Nil(t, job.Result)
	assert.Contains(t, job.ErrorDetail, "sub-calls failed")
}

func TestRunJobRecoversPanic(t *testing.T) {
	h := newHarness(t, "")
	h.fal.panicOn = "fal-ai/topaz/upscale/image"
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "panic-1"

	_, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	h.runner.Wait()

	job, err := h.store.Get(context.Background(), "panic-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Contains(t, job.ErrorDetail, "internal error")
}

func TestCallbackUnknownJob(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.completion.HandleCallback(context.Background(), model.CallbackEvent{
		JobID:   "never-created",
		Status:  model.CallbackStatusOK,
		Payload: map[string]any{"image": map[string]any{"url": "https://x"}},
	})
	assert.True(t, errors.Is(err, apperr.ErrJobNotFound))

	_, err = h.store.Get(context.Background(), "never-created")
	assert.True(t, errors.Is(err, apperr.ErrJobNotFound))
}

func TestCallbackMissingJobID(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.completion.HandleCallback(context.Background(), model.CallbackEvent{Status: model.CallbackStatusOK})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestCallbackVendorErrorFailsJob(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "err-1"
	_, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	job, err := h.completion.HandleCallback(context.Background(), model.CallbackEvent{
		JobID:  "err-1",
		Status: model.CallbackStatusError,
		Error:  "Invalid image",
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Contains(t, job.ErrorDetail, "Invalid image")
	assert.Equal(t, 1, h.notifier.count())
}

func TestCallbackMalformedPayloadFailsJob(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "mal-1"
	_, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	job, err := h.completion.HandleCallback(context.Background(), model.CallbackEvent{
		JobID:   "mal-1",
		Status:  model.CallbackStatusOK,
		Payload: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
}

// rejectingStore refuses completed writes, and failed writes too when failAll is set.
type rejectingStore struct {
	store.Store
	failAll bool
}

func (r *rejectingStore) Transition(ctx context.Context, id string, to model.JobState, res *model.NormalizedResult, detail string) (*model.Job, error) {
	if to == model.JobStateCompleted || r.failAll {
		return nil, errors.New("document exceeds maximum size")
	}
	return r.Store.Transition(ctx, id, to, res, detail)
}

func TestCompleteFailsJobWhenResultCannotBeStored(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	ctx := context.Background()
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "big-1"
	_, err := h.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)

	h.completion.store = &rejectingStore{Store: h.store}
	job, err := h.completion.HandleCallback(ctx, model.CallbackEvent{
		JobID:   "big-1",
		Status:  model.CallbackStatusOK,
		Payload: map[string]any{"image": map[string]any{"url": "https://fal.media/out.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Contains(t, job.ErrorDetail, "document exceeds maximum size")

	stored, err := h.store.Get(ctx, "big-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, stored.State)
	assert.Equal(t, 1, h.notifier.count())
}

func TestCompleteReturnsErrorWhenNoWriteSucceeds(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	ctx := context.Background()
	req := upscaleRequest(model.ModeAsync)
	req.JobID = "down-1"
	_, err := h.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)

	h.completion.store = &rejectingStore{Store: h.store, failAll: true}
	_, err = h.completion.HandleCallback(ctx, model.CallbackEvent{
		JobID:   "down-1",
		Status:  model.CallbackStatusOK,
		Payload: map[string]any{"image": map[string]any{"url": "https://fal.media/out.png"}},
	})
	require.Error(t, err)
	assert.Zero(t, h.notifier.count())
}

func TestCompleteDiscardsCopyWhenJobAlreadyTerminal(t *testing.T) {
	h := newHarness(t, "https://api.example.com")
	ctx := context.Background()
	_, err := h.dispatcher.Dispatch(ctx, &model.JobRequest{
		JobType:    model.JobTypeObjectRemoval,
		Parameters: map[string]any{"image_url": "https://x/a.jpg", "mask_url": "https://x/m.png"},
		CallerID:   "u7",
		Mode:       model.ModeAsync,
		JobID:      "race-1",
	})
	require.NoError(t, err)

	// Both callbacks read the job while it was still pending.
	stale, err := h.store.Get(ctx, "race-1")
	require.NoError(t, err)

	first := &model.NormalizedResult{Images: []model.Asset{{URL: "https://fal.media/first.png"}}}
	winner, err := h.completion.Complete(ctx, stale, first)
	require.NoError(t, err)

	second := &model.NormalizedResult{Images: []model.Asset{{URL: "https://fal.media/second.png"}}}
	loser, err := h.completion.Complete(ctx, stale, second)
	require.NoError(t, err)

	assert.Equal(t, winner.ResultReference, loser.ResultReference)
	assert.Equal(t, "https://store/u7/first.png", loser.ResultReference)
	assert.Equal(t, []string{"https://store/u7/second.png"}, h.materials.discarded)
	assert.Equal(t, 1, h.notifier.count())
}

func TestErrorDetailKeepsRunesWhole(t *testing.T) {
	detail := errorDetail(errors.New("x" + strings.Repeat("é", maxErrorDetail)))
	assert.True(t, utf8.ValidString(detail))
	assert.LessOrEqual(t, len(detail), maxErrorDetail)
	assert.Greater(t, len(detail), maxErrorDetail-utf8.UTFMax)

	assert.Equal(t, "short", errorDetail(errors.New("short")))
}

func TestWebhookSigner(t *testing.T) {
	s := NewWebhookSigner("https://api.example.com/", "k")
	assert.True(t, s.Enabled())
	assert.True(t, strings.HasPrefix(s.URL("a b"), "https://api.example.com/webhooks/fal?"))
	assert.True(t, s.Verify("j1", s.Sign("j1")))
	assert.False(t, s.Verify("j2", s.Sign("j1")))
	assert.False(t, s.Verify("j1", "not-hex"))

	open := NewWebhookSigner("", "")
	assert.False(t, open.Enabled())
	assert.True(t, open.Verify("anything", ""))
}
