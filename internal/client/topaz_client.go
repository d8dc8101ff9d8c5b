package client

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/config"
)

// TopazClient drives the Topaz image API: a multipart submit followed by
// status polling and a download lookup.
type TopazClient struct {
	vendorHTTP
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxWait      time.Duration
}

// TopazProcess is the submit response.
type TopazProcess struct {
	ProcessID string `json:"process_id"`
	Status    string `json:"status,omitempty"`
}

// TopazStatus is a polling snapshot.
type TopazStatus struct {
	ProcessID string  `json:"process_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// TopazDownload carries the short-lived result link.
type TopazDownload struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// NewTopazClient creates a new Topaz API client
func NewTopazClient(cfg *config.TopazConfig, logger *zap.Logger) *TopazClient {
	return &TopazClient{
		vendorHTTP:   newVendorHTTP("topaz", 60*time.Second, logger),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
	}
}

// Submit starts a process on endpoint (e.g. "enhance") with form fields.
// Fields are sent in sorted order so requests are reproducible.
func (c *TopazClient) Submit(ctx context.Context, endpoint string, fields map[string]string) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := form.WriteField(k, fields[k]); err != nil {
			return "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.Trim(endpoint, "/"), &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	var proc TopazProcess
	if err := c.do(req, &proc); err != nil {
		return "", err
	}
	if proc.ProcessID == "" {
		return "", apperr.Malformed("topaz response has no process_id")
	}
	return proc.ProcessID, nil
}

// Status returns the current process state.
func (c *TopazClient) Status(ctx context.Context, processID string) (*TopazStatus, error) {
	var st TopazStatus
	if err := c.get(ctx, "/status/"+processID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Download returns the result link of a completed process.
func (c *TopazClient) Download(ctx context.Context, processID string) (*TopazDownload, error) {
	var dl TopazDownload
	if err := c.get(ctx, "/download/"+processID, &dl); err != nil {
		return nil, err
	}
	if dl.URL == "" {
		return nil, apperr.Malformed("topaz download response has no url")
	}
	return &dl, nil
}

// PollUntilDone polls the process until it completes, fails or maxWait elapses.
func (c *TopazClient) PollUntilDone(ctx context.Context, processID string) (*TopazDownload, error) {
	deadline := time.Now().Add(c.maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		st, err := c.Status(ctx, processID)
		if err != nil {
			return nil, err
		}

		c.logger.Debug("topaz poll", zap.Int("attempt", attempt), zap.String("process_id", processID), zap.String("status", st.Status))

		switch strings.ToLower(st.Status) {
		case "completed", "complete", "succeeded":
			return c.Download(ctx, processID)
		case "failed", "error", "cancelled", "canceled":
			msg := st.Error
			if msg == "" {
				msg = st.Status
			}
			return nil, apperr.Vendor("topaz", http.StatusOK, "process "+processID+" "+msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, apperr.VendorFailure("topaz", fmt.Errorf("process %s timed out after %v", processID, c.maxWait))
}

func (c *TopazClient) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)
	return c.do(req, result)
}

func (c *TopazClient) authorize(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// IsConfigured returns true if the client has valid configuration
func (c *TopazClient) IsConfigured() bool {
	return c.apiKey != ""
}
