// Package adapter maps logical job types onto vendor calls.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/model"
)

// Request is what an adapter receives: the caller's parameters plus the
// caller identity used for namespacing and derived vendor fields.
type Request struct {
	Params   map[string]any
	CallerID string
}

// Adapter executes one job type against its vendor.
type Adapter interface {
	JobType() string
	// Validate rejects parameters the vendor call cannot be built from.
	// It never contacts the vendor.
	Validate(params map[string]any) error
	Execute(ctx context.Context, req Request) (*model.NormalizedResult, error)
	// PersistByDefault reports whether results are re-hosted unless the
	// caller overrides it with persist_result.
	PersistByDefault() bool
}

// WebhookSubmitter is implemented by adapters whose vendor can call back on
// completion. Submit returns the vendor request id.
type WebhookSubmitter interface {
	Adapter
	Submit(ctx context.Context, req Request, webhookURL string) (string, error)
}

// AsyncOnly is implemented by adapters too slow for the synchronous path.
type AsyncOnly interface {
	AsyncOnly() bool
}

// FalRunner is the fal.ai surface adapters depend on.
type FalRunner interface {
	Run(ctx context.Context, model string, input any, long bool) (map[string]any, error)
	Submit(ctx context.Context, model string, input any, webhookURL string) (string, error)
}

// TopazRunner is the Topaz surface adapters depend on.
type TopazRunner interface {
	Submit(ctx context.Context, endpoint string, fields map[string]string) (string, error)
	PollUntilDone(ctx context.Context, processID string) (*client.TopazDownload, error)
}

// TextModel answers prompts over inline images.
type TextModel interface {
	GenerateText(ctx context.Context, prompt string, images ...client.InlineImage) (string, error)
}

// Artifacts is the slice of the materializer that multi-stage adapters use.
type Artifacts interface {
	PersistTemp(ctx context.Context, src artifact.Source, namespace string) (*model.StoredArtifact, error)
	Discard(ctx context.Context, a *model.StoredArtifact)
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Registry maps job types to adapters. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a; a job type can only be registered once.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt := a.JobType()
	if jt == "" {
		return fmt.Errorf("adapter: empty job type")
	}
	if _, exists := r.adapters[jt]; exists {
		return fmt.Errorf("adapter: job type %q already registered", jt)
	}
	r.adapters[jt] = a
	return nil
}

// Lookup returns the adapter for jobType or an UnsupportedJobType error.
func (r *Registry) Lookup(jobType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[jobType]
	if !ok {
		return nil, apperr.UnsupportedJobType(jobType)
	}
	return a, nil
}

// JobTypes lists registered job types in sorted order.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for jt := range r.adapters {
		out = append(out, jt)
	}
	sort.Strings(out)
	return out
}
