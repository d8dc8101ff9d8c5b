package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// WebhookPath is where vendors deliver completion callbacks.
const WebhookPath = "/webhooks/fal"

// WebhookSigner builds callback URLs that embed the job id and verifies them
// when the vendor calls back.
type WebhookSigner struct {
	baseURL string
	secret  []byte
}

func NewWebhookSigner(baseURL, secret string) *WebhookSigner {
	return &WebhookSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
	}
}

// Enabled reports whether a public base URL is configured. Without one the
// vendor cannot reach us and async jobs run in the background runner instead.
func (s *WebhookSigner) Enabled() bool {
	return s != nil && s.baseURL != ""
}

// URL returns the callback address for jobID.
func (s *WebhookSigner) URL(jobID string) string {
	q := url.Values{}
	q.Set("jobId", jobID)
	if len(s.secret) > 0 {
		q.Set("sig", s.Sign(jobID))
	}
	return s.baseURL + WebhookPath + "?" + q.Encode()
}

// Sign returns the hex HMAC-SHA256 of jobID.
func (s *WebhookSigner) Sign(jobID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against jobID. Every signature is accepted when no secret
// is configured.
func (s *WebhookSigner) Verify(jobID, sig string) bool {
	if s == nil || len(s.secret) == 0 {
		return true
	}
	want, err := hex.DecodeString(s.Sign(jobID))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
