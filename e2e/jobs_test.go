package e2e

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/photoaiproxy/api/internal/service"
)

func TestSubmitJob_NoToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", `{"jobType":"upscale"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestSubmitJob_MissingFields(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", `{"jobType":"upscale"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	body := parseJSON(t, resp)
	if code := errorCode(t, body); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
	details, _ := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	if details["callerId"] != "required" || details["parameters"] != "required" {
		t.Errorf("expected callerId and parameters in details, got %v", details)
	}
}

func TestSubmitJob_UnsupportedJobType(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"teleport","parameters":{},"callerId":%q}`, testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	if code := errorCode(t, parseJSON(t, resp)); code != "UNSUPPORTED_JOB_TYPE" {
		t.Errorf("expected UNSUPPORTED_JOB_TYPE, got %s", code)
	}
}

func TestSubmitJob_MissingParameterNeverCallsVendor(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","parameters":{"upscale_factor":2},"callerId":%q}`, testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	if n := ta.fal.runCount(); n != 0 {
		t.Errorf("expected no vendor calls, got %d", n)
	}
}

func TestSubmitJob_CallerMismatch(t *testing.T) {
	ta := setupApp(t)

	body := `{"jobType":"upscale","parameters":{"image_url":"https://x/y.png"},"callerId":"someone-else"}`
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusForbidden)
}

func TestSubmitJob_Sync(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	images, ok := result["images"].([]interface{})
	if !ok || len(images) != 1 {
		t.Fatalf("expected one image, got %v", result["images"])
	}
	img := images[0].(map[string]interface{})
	if !strings.Contains(img["url"].(string), "/img/") {
		t.Errorf("expected the vendor url to be returned untouched, got %v", img["url"])
	}
	if img["width"] != float64(1024) {
		t.Errorf("expected width 1024, got %v", img["width"])
	}
	timings := result["timings"].(map[string]interface{})
	if timings["inference"] != 1.5 {
		t.Errorf("expected inference timing 1.5, got %v", timings["inference"])
	}
}

func TestSubmitJob_SyncPersisted(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","parameters":{"image_url":%q,"persist_result":true},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	images := parseJSON(t, resp)["images"].([]interface{})
	u := images[0].(map[string]interface{})["url"].(string)
	if !strings.HasPrefix(u, "https://storage.test/processed/"+testUserID+"/") {
		t.Errorf("expected a re-hosted url, got %s", u)
	}
}

func TestSubmitJob_VendorError(t *testing.T) {
	ta := setupApp(t)
	ta.fal.fail["fal-ai/topaz/upscale/image"] = http.StatusServiceUnavailable

	body := fmt.Sprintf(`{"jobType":"upscale","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadGateway)
	if code := errorCode(t, parseJSON(t, resp)); code != "VENDOR_ERROR" {
		t.Errorf("expected VENDOR_ERROR, got %s", code)
	}
}

func TestAsyncJob_WebhookHappyPath(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","mode":"async","jobId":"job-e2e-1","deviceToken":"device-1","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	accepted := parseJSON(t, resp)
	if accepted["jobId"] != "job-e2e-1" {
		t.Fatalf("expected jobId job-e2e-1, got %v", accepted["jobId"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/job-e2e-1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if job := parseJSON(t, resp); job["state"] != "pending" {
		t.Fatalf("expected pending job, got %v", job["state"])
	}

	callback := webhookPath(t, ta.fal.lastWebhook(t))
	payload := fmt.Sprintf(`{"request_id":"req-1","status":"OK","payload":{"images":[{"url":%q}],"timings":{"inference":2}}}`,
		ta.fal.imageURL("out.png"))

	for i := 0; i < 2; i++ {
		resp, err = doRequest(ta.app, http.MethodPost, callback, payload, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)
		readBody(t, resp)
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/job-e2e-1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	job := parseJSON(t, resp)
	if job["state"] != "completed" {
		t.Fatalf("expected completed job, got %v (%v)", job["state"], job["errorDetail"])
	}
	if job["resultReference"] != ta.fal.imageURL("out.png") {
		t.Errorf("unexpected result reference %v", job["resultReference"])
	}
	if n := ta.pusher.count(); n != 1 {
		t.Errorf("expected exactly one push notification, got %d", n)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/webhooks/fal?jobId=job-x&sig=deadbeef", `{"status":"OK","payload":{}}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestWebhook_MissingJobID(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/webhooks/fal", `{"status":"OK","payload":{}}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestWebhook_UnknownJob(t *testing.T) {
	ta := setupApp(t)

	signer := service.NewWebhookSigner(proxyBaseURL, testWebhookSecret)
	callback := webhookPath(t, signer.URL("ghost"))
	resp, err := doRequest(ta.app, http.MethodPost, callback, `{"status":"OK","payload":{"images":[]}}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
	if _, err := ta.store.Get(context.Background(), "ghost"); err == nil {
		t.Error("expected no job record to be created")
	}
}

func TestWebhook_VendorErrorMarksJobFailed(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"colorize","mode":"async","jobId":"job-e2e-2","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	callback := webhookPath(t, ta.fal.lastWebhook(t))
	resp, err = doRequest(ta.app, http.MethodPost, callback, `{"request_id":"req-1","status":"ERROR","error":"NSFW content detected"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	job, err := ta.store.Get(context.Background(), "job-e2e-2")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.State != "failed" {
		t.Fatalf("expected failed job, got %s", job.State)
	}
	if !strings.Contains(job.ErrorDetail, "NSFW content detected") {
		t.Errorf("expected vendor detail in job error, got %q", job.ErrorDetail)
	}
}

func TestAsyncJob_BackgroundRunner(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"generic_restore","mode":"async","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected a generated job id")
	}

	ta.runner.Wait()

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	job := parseJSON(t, resp)
	if job["state"] != "completed" {
		t.Fatalf("expected completed job, got %v (%v)", job["state"], job["errorDetail"])
	}
	images := job["result"].(map[string]interface{})["images"].([]interface{})
	if len(images) != 2 {
		t.Errorf("expected both fan-out branches to contribute, got %d images", len(images))
	}
}

func TestGetJob_OtherUser(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","mode":"async","jobId":"job-owned","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs/job-owned", "", map[string]string{
		"Authorization": "Bearer " + generateToken(t, "intruder"),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestJobSocket_RequiresToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/ws/jobs/any", "", wsHeaders())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestJobSocket_OtherUsersJob(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"jobType":"upscale","mode":"async","jobId":"job-ws-1","parameters":{"image_url":%q},"callerId":%q}`,
		ta.fal.imageURL("in.png"), testUserID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	for _, path := range []string{
		"/ws/jobs/job-ws-1?token=" + generateToken(t, "intruder"),
		"/ws/jobs/no-such-job?token=" + generateToken(t, testUserID),
	} {
		resp, err := doRequest(ta.app, http.MethodGet, path, "", wsHeaders())
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
		if code := errorCode(t, parseJSON(t, resp)); code != "NOT_FOUND" {
			t.Errorf("expected NOT_FOUND, got %s", code)
		}
	}
}
