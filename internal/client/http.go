package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/apperr"
)

const tracerName = "github.com/photoaiproxy/api/internal/client"

// maxLoggedBody caps how much of a vendor response lands in the log.
const maxLoggedBody = 512

// vendorHTTP carries the request plumbing shared by the vendor clients.
type vendorHTTP struct {
	name       string
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
}

func newVendorHTTP(name string, timeout time.Duration, logger *zap.Logger) vendorHTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return vendorHTTP{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named(name),
		tracer:     otel.Tracer(tracerName),
	}
}

// do executes req and decodes a 2xx JSON body into result. Non-2xx statuses
// become vendor errors carrying the raw body.
func (v *vendorHTTP) do(req *http.Request, result any) error {
	ctx, span := v.tracer.Start(req.Context(), v.name+" "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.Redacted()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	started := time.Now()
	v.logger.Debug("vendor request", zap.String("method", req.Method), zap.String("url", req.URL.Redacted()))

	resp, err := v.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		v.logger.Warn("vendor request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err))
		return apperr.VendorFailure(v.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return apperr.VendorFailure(v.name, fmt.Errorf("read response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	v.logger.Debug("vendor response",
		zap.Int("status", resp.StatusCode),
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Duration("latency", time.Since(started)),
		zap.String("body", truncate(respBody)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		v.logger.Warn("vendor rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.Redacted()),
			zap.String("body", truncate(respBody)))
		return apperr.Vendor(v.name, resp.StatusCode, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return apperr.Malformed(fmt.Sprintf("%s returned invalid JSON: %v", v.name, err))
	}
	return nil
}

// withTimeout bounds ctx by d unless d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedBody {
		return string(b)
	}
	return string(b[:maxLoggedBody]) + "..."
}
