package adapter

import (
	"context"

	"github.com/photoaiproxy/api/internal/model"
)

const defaultTopazEndpoint = "enhance"

// topazAdapter submits a Topaz process and polls it to completion. Topaz
// download links expire, so results are persisted by default.
type topazAdapter struct {
	schema paramSchema
	topaz  TopazRunner
}

func newTopazEnhance(topaz TopazRunner) *topazAdapter {
	s := objectSchema([]string{"source_url"}, map[string]any{
		"source_url":   urlProp,
		"endpoint":     map[string]any{"type": "string", "pattern": "^[a-z][a-z0-9-]*(/[a-z0-9-]+)*$"},
		"estimated_mp": numberProp,
	})
	return &topazAdapter{schema: mustCompile(model.JobTypeTopazEnhance, s), topaz: topaz}
}

func (a *topazAdapter) JobType() string        { return model.JobTypeTopazEnhance }
func (a *topazAdapter) PersistByDefault() bool { return true }

func (a *topazAdapter) Validate(params map[string]any) error {
	return a.schema.validate(model.JobTypeTopazEnhance, params)
}

func (a *topazAdapter) Execute(ctx context.Context, req Request) (*model.NormalizedResult, error) {
	endpoint := strOr(req.Params, "endpoint", defaultTopazEndpoint)
	fields := formFields(req.Params, "endpoint", "estimated_mp", "persist_result")

	processID, err := a.topaz.Submit(ctx, endpoint, fields)
	if err != nil {
		return nil, err
	}
	dl, err := a.topaz.PollUntilDone(ctx, processID)
	if err != nil {
		return nil, err
	}
	return &model.NormalizedResult{Images: []model.Asset{{URL: dl.URL}}}, nil
}
