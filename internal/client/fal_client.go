package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/config"
)

// FalClient talks to fal.ai's synchronous run endpoint and its request queue.
type FalClient struct {
	vendorHTTP
	baseURL      string
	queueURL     string
	apiKey       string
	timeout      time.Duration
	videoTimeout time.Duration
}

// QueueSubmitResponse is returned by the queue when a request is accepted.
type QueueSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// NewFalClient creates a new fal.ai client. The HTTP client itself has no
// timeout; each call is bounded by its context.
func NewFalClient(cfg *config.FalConfig, logger *zap.Logger) *FalClient {
	return &FalClient{
		vendorHTTP:   newVendorHTTP("fal", 0, logger),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		queueURL:     strings.TrimRight(cfg.QueueBaseURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		videoTimeout: cfg.VideoTimeout,
	}
}

// Run calls a model synchronously and returns the decoded response body.
// long selects the extended budget used for video models.
func (c *FalClient) Run(ctx context.Context, model string, input any, long bool) (map[string]any, error) {
	budget := c.timeout
	if long {
		budget = c.videoTimeout
	}
	ctx, cancel := withTimeout(ctx, budget)
	defer cancel()

	req, err := c.newRequest(ctx, c.baseURL+"/"+model, input)
	if err != nil {
		return nil, err
	}

	var body map[string]any
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, apperr.Malformed("fal returned an empty body")
	}
	return body, nil
}

// Submit enqueues a model request; fal invokes webhookURL on completion.
func (c *FalClient) Submit(ctx context.Context, model string, input any, webhookURL string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.queueURL + "/" + model
	if webhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}

	req, err := c.newRequest(ctx, endpoint, input)
	if err != nil {
		return "", err
	}

	var resp QueueSubmitResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", apperr.Malformed("fal queue response has no request_id")
	}

	c.logger.Info("fal request queued", zap.String("model", model), zap.String("request_id", resp.RequestID))
	return resp.RequestID, nil
}

func (c *FalClient) newRequest(ctx context.Context, endpoint string, input any) (*http.Request, error) {
	bodyBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)
	return req, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *FalClient) IsConfigured() bool {
	return c.apiKey != ""
}
