// Package artifact re-hosts vendor results in durable storage.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/normalize"
)

const (
	processedPrefix = "processed"
	tempPrefix      = "tmp"

	// maxArtifactBytes bounds a single fetched artifact (video included).
	maxArtifactBytes = 512 << 20
)

// namespacePattern keeps a caller namespace to a single key segment.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_@.-]{1,128}$`)

// ValidNamespace reports whether ns can be used as a caller folder.
func ValidNamespace(ns string) bool {
	return ns != "." && ns != ".." && namespacePattern.MatchString(ns)
}

// Source is what gets persisted: a fetchable URL, a data URI, or raw bytes.
type Source struct {
	URL         string
	Data        []byte
	ContentType string
}

// SourceFromAsset converts a normalized asset, preferring bytes already decoded in memory.
func SourceFromAsset(a model.Asset) Source {
	if a.IsInline() {
		return Source{Data: a.Data, ContentType: a.ContentType}
	}
	return Source{URL: a.URL, ContentType: a.ContentType}
}

// Materializer downloads vendor-hosted artifacts and writes them to storage
// under a caller namespace.
type Materializer struct {
	storage    client.StorageClient
	httpClient *http.Client
	logger     *zap.Logger
	newID      func() string
}

type Option func(*Materializer)

// WithHTTPClient overrides the client used for artifact fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Materializer) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithIDGenerator overrides key suffix generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Materializer) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func New(storage client.StorageClient, logger *zap.Logger, opts ...Option) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Materializer{
		storage:    storage,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.Named("artifact"),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Persist stores src under processed/<namespace>/ and returns its permanent URL.
func (m *Materializer) Persist(ctx context.Context, src Source, namespace string) (*model.StoredArtifact, error) {
	return m.persist(ctx, src, processedPrefix, namespace)
}

// PersistTemp stores an intermediate artifact under tmp/<namespace>/. Callers
// Discard it once the next stage has consumed it.
func (m *Materializer) PersistTemp(ctx context.Context, src Source, namespace string) (*model.StoredArtifact, error) {
	return m.persist(ctx, src, tempPrefix, namespace)
}

// DiscardResult deletes every asset of res that MaterializeResult stored.
func (m *Materializer) DiscardResult(ctx context.Context, res *model.NormalizedResult) {
	if res == nil {
		return
	}
	for _, a := range res.Images {
		if a.StorageKey != "" {
			m.Discard(ctx, &model.StoredArtifact{Key: a.StorageKey})
		}
	}
}

// Discard deletes a stored artifact. Failures are logged, never returned.
func (m *Materializer) Discard(ctx context.Context, a *model.StoredArtifact) {
	if a == nil || a.Key == "" {
		return
	}
	if err := m.storage.Delete(ctx, a.Key); err != nil {
		m.logger.Warn("failed to delete artifact", zap.String("key", a.Key), zap.Error(err))
		return
	}
	m.logger.Debug("artifact deleted", zap.String("key", a.Key))
}

// MaterializeResult re-hosts every asset in res and returns a copy whose URLs
// point at durable storage. res is not modified. When one asset fails, the
// assets already stored for res are deleted.
func (m *Materializer) MaterializeResult(ctx context.Context, res *model.NormalizedResult, namespace string) (*model.NormalizedResult, error) {
	out := &model.NormalizedResult{
		Images:      make([]model.Asset, 0, len(res.Images)),
		Timings:     res.Timings,
		Description: res.Description,
	}
	for _, a := range res.Images {
		stored, err := m.Persist(ctx, SourceFromAsset(a), namespace)
		if err != nil {
			m.DiscardResult(ctx, out)
			return nil, err
		}
		out.Images = append(out.Images, model.Asset{
			URL:         stored.URL,
			Width:       a.Width,
			Height:      a.Height,
			ContentType: stored.ContentType,
			StorageKey:  stored.Key,
		})
	}
	return out, nil
}

// Fetch returns the bytes behind a URL or data URI together with their content type.
func (m *Materializer) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if normalize.IsDataURI(rawURL) {
		data, ct, err := normalize.DecodeDataURI(rawURL)
		if err != nil {
			return nil, "", apperr.FetchFailed("data URI", err)
		}
		return data, ct, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apperr.FetchFailed(rawURL, err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", apperr.FetchFailed(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", apperr.FetchFailed(rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", apperr.FetchFailed(rawURL, err)
	}
	if len(data) > maxArtifactBytes {
		return nil, "", apperr.FetchFailed(rawURL, fmt.Errorf("artifact exceeds %d bytes", maxArtifactBytes))
	}
	return data, headerContentType(resp.Header.Get("Content-Type")), nil
}

func (m *Materializer) persist(ctx context.Context, src Source, prefix, namespace string) (*model.StoredArtifact, error) {
	if !ValidNamespace(namespace) {
		return nil, apperr.BadRequest("invalid artifact namespace", map[string]string{"callerId": "must be a single path segment"})
	}

	data := src.Data
	contentType := src.ContentType
	if len(data) == 0 {
		if src.URL == "" {
			return nil, apperr.FetchFailed("artifact", fmt.Errorf("source has neither bytes nor URL"))
		}
		fetched, fetchedType, err := m.Fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		data = fetched
		if contentType == "" {
			contentType = fetchedType
		}
	}

	detected := mimetype.Detect(data)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detected.String()
	}
	contentType = headerContentType(contentType)

	key := path.Join(prefix, namespace, m.newID()+extensionFor(contentType, detected))
	if err := m.storage.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return nil, apperr.PersistFailed(key, err)
	}

	permanent, err := m.storage.PermanentURL(ctx, key)
	if err != nil {
		return nil, apperr.PersistFailed(key, err)
	}

	m.logger.Info("artifact stored",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)))

	return &model.StoredArtifact{Key: key, URL: permanent, ContentType: contentType}, nil
}

func extensionFor(contentType string, detected *mimetype.MIME) string {
	if known := mimetype.Lookup(contentType); known != nil && known.Extension() != "" {
		return known.Extension()
	}
	return detected.Extension()
}

// headerContentType strips parameters such as charset.
func headerContentType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return v
	}
	return mt
}
