package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/adapter"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/auth"
	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/config"
	"github.com/photoaiproxy/api/internal/handler"
	"github.com/photoaiproxy/api/internal/middleware"
	"github.com/photoaiproxy/api/internal/notify"
	"github.com/photoaiproxy/api/internal/server"
	"github.com/photoaiproxy/api/internal/service"
	"github.com/photoaiproxy/api/internal/store"
	ws "github.com/photoaiproxy/api/internal/websocket"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "webhook-secret"
	testUserID        = "test-user-123"
	proxyBaseURL      = "https://proxy.test"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

// fakeFal imitates fal.ai's run and queue endpoints plus an image host.
type fakeFal struct {
	srv *httptest.Server

	mu       sync.Mutex
	runs     []string
	webhooks []string
	fail     map[string]int
}

func newFakeFal(t *testing.T) *fakeFal {
	t.Helper()
	f := &fakeFal{fail: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFal) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/img/"):
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)

	case strings.HasPrefix(r.URL.Path, "/run/"):
		model := strings.TrimPrefix(r.URL.Path, "/run/")
		f.mu.Lock()
		f.runs = append(f.runs, model)
		status := f.fail[model]
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":"model unavailable"}`))
			return
		}
		writeJSON(w, map[string]any{
			"images": []map[string]any{{
				"url":    f.srv.URL + "/img/" + strings.ReplaceAll(model, "/", "_") + ".png",
				"width":  1024,
				"height": 768,
			}},
			"timings": map[string]float64{"inference": 1.5},
		})

	case strings.HasPrefix(r.URL.Path, "/queue/"):
		f.mu.Lock()
		f.webhooks = append(f.webhooks, r.URL.Query().Get("fal_webhook"))
		n := len(f.webhooks)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"request_id": "req-" + string(rune('0'+n))})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFal) imageURL(name string) string {
	return f.srv.URL + "/img/" + name
}

func (f *fakeFal) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeFal) lastWebhook(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.webhooks) == 0 {
		t.Fatal("no request was queued")
	}
	return f.webhooks[len(f.webhooks)-1]
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Upload(_ context.Context, key string, body io.Reader, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) PermanentURL(_ context.Context, key string) (string, error) {
	return "https://storage.test/" + key, nil
}

type recordingPusher struct {
	mu   sync.Mutex
	sent []client.PushMessage
}

func (p *recordingPusher) Send(_ context.Context, msg client.PushMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return "msg-1", nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// testApp holds the assembled app and the doubles behind it.
type testApp struct {
	app    *fiber.App
	fal    *fakeFal
	store  *store.MemoryStore
	pusher *recordingPusher
	runner *service.LocalRunner
}

// setupApp builds the same app as main.go on an in-memory store, a fake fal
// server, in-memory storage and the inline runner.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := zap.NewNop()
	fal := newFakeFal(t)

	falClient := client.NewFalClient(&config.FalConfig{
		APIKey:       "test-key",
		BaseURL:      fal.srv.URL + "/run",
		QueueBaseURL: fal.srv.URL + "/queue",
		Timeout:      10 * time.Second,
		VideoTimeout: 10 * time.Second,
	}, logger)

	jobStore := store.NewMemoryStore()
	artifacts := artifact.New(&memStorage{objects: map[string][]byte{}}, logger)
	pusher := &recordingPusher{}
	notifier := notify.New(logger, notify.WithPusher(pusher))

	registry, err := adapter.NewDefaultRegistry(adapter.Vendors{
		Fal:       falClient,
		Topaz:     client.NewTopazClient(&config.TopazConfig{BaseURL: fal.srv.URL + "/topaz"}, logger),
		Text:      client.NewGeminiClient(&config.GeminiConfig{BaseURL: fal.srv.URL + "/gemini"}, logger),
		Artifacts: artifacts,
	}, logger)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	completion := service.NewCompletionService(jobStore, registry, artifacts, notifier, logger)
	runner := service.NewLocalRunner(completion, 30*time.Second, logger)
	t.Cleanup(runner.Wait)

	signer := service.NewWebhookSigner(proxyBaseURL, testWebhookSecret)
	dispatcher := service.NewDispatcher(registry, jobStore, artifacts, completion, runner, signer, logger)

	hub := ws.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	t.Cleanup(stopHub)
	go hub.Run(hubCtx)

	validate := handler.NewValidator()
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	app := server.New(server.Options{
		Jobs:         handler.NewJobHandler(dispatcher, jobStore, validate),
		Webhook:      handler.NewWebhookHandler(completion, signer, logger),
		WS:           handler.NewWSHandler(hub, jobStore, logger),
		Auth:         handler.NewAuthHandler(nil, testJWTSecret),
		Authenticate: middleware.NewLegacyAuthMiddleware(testJWTSecret).Authenticate(),
		// Very high limit so tests don't get blocked.
		RateLimit: rateLimiter.JobsLimit(10000),
		Health: func() fiber.Map {
			return fiber.Map{"fal": true, "storage": "memory", "jobStore": "memory"}
		},
	})

	return &testApp{app: app, fal: fal, store: jobStore, pusher: pusher, runner: runner}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: userID,
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "photoaiproxy-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUserID.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, testUserID),
	})
}

// wsHeaders marks a request as a websocket upgrade.
func wsHeaders() map[string]string {
	return map[string]string{
		"Connection":            "Upgrade",
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
	}
}

// webhookPath turns the callback URL handed to the vendor into a request path.
func webhookPath(t *testing.T, callbackURL string) string {
	t.Helper()
	u, err := url.Parse(callbackURL)
	if err != nil {
		t.Fatalf("bad callback url %q: %v", callbackURL, err)
	}
	return u.RequestURI()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}
