package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves sm:// and secret:// references against Google Secret Manager.
//
// Accepted forms:
//
//	sm://fal-api-key                    latest version in the default project
//	secret://fal-api-key?version=3      pinned version
//	sm://fal-api-key?project=other-proj project override
type Resolver struct {
	client    accessClient
	projectID string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver dials Secret Manager.
func NewResolver(ctx context.Context, projectID string, logger *zap.Logger, opts ...option.ClientOption) (*Resolver, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: create client: %w", err)
	}
	return newResolver(client, projectID, logger), nil
}

func newResolver(client accessClient, projectID string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:    client,
		projectID: strings.TrimSpace(projectID),
		logger:    logger,
		cache:     make(map[string]string),
	}
}

// Resolve returns the payload of the referenced secret version.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if v, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	val := strings.TrimSpace(string(resp.GetPayload().GetData()))

	r.mu.Lock()
	r.cache[name] = val
	r.mu.Unlock()

	r.logger.Debug("secret resolved", zap.String("secret", name))
	return val, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Resolver) resourceName(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return "", fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return "", fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	project := strings.TrimSpace(u.Query().Get("project"))
	if project == "" {
		project = r.projectID
	}
	if project == "" {
		return "", errors.New("secrets: project id is required")
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, secret, version), nil
}
