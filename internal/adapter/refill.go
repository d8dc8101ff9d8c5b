package adapter

import (
	"context"
	"fmt"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/normalize"
)

const defaultRefillPrompt = "Fill the area naturally with appropriate background details that match the " +
	"surrounding environment. Maintain the original style, lighting, and quality."

// refillAdapter erases the masked object, stages the intermediate image in
// temporary storage, then hands it to a second model for a seamless refill.
// The intermediate artifact is removed whatever the outcome.
type refillAdapter struct {
	schema    paramSchema
	fal       FalRunner
	artifacts Artifacts
}

func newRemoveAndRefill(fal FalRunner, artifacts Artifacts) *refillAdapter {
	s := objectSchema([]string{"image_url", "mask_url"}, map[string]any{
		"image_url": urlProp,
		"mask_url":  urlProp,
		"prompt":    textProp,
	})
	return &refillAdapter{
		schema:    mustCompile(model.JobTypeRemoveAndRefill, s),
		fal:       fal,
		artifacts: artifacts,
	}
}

func (a *refillAdapter) JobType() string        { return model.JobTypeRemoveAndRefill }
func (a *refillAdapter) PersistByDefault() bool { return true }

func (a *refillAdapter) Validate(params map[string]any) error {
	return a.schema.validate(model.JobTypeRemoveAndRefill, params)
}

func (a *refillAdapter) Execute(ctx context.Context, req Request) (*model.NormalizedResult, error) {
	body, err := a.fal.Run(ctx, modelFinegrainEraser, eraserInput(req.Params), false)
	if err != nil {
		return nil, fmt.Errorf("erase stage: %w", err)
	}
	erased, err := normalize.Normalize(body)
	if err != nil {
		return nil, fmt.Errorf("erase stage: %w", err)
	}
	if len(erased.Images) == 0 {
		return nil, apperr.Malformed("erase stage returned no image")
	}

	tmp, err := a.artifacts.PersistTemp(ctx, artifact.SourceFromAsset(erased.Images[0]), req.CallerID)
	if err != nil {
		return nil, err
	}
	defer a.artifacts.Discard(context.WithoutCancel(ctx), tmp)

	body, err = a.fal.Run(ctx, modelSeedreamEdit, map[string]any{
		"image_urls":          []string{tmp.URL},
		"prompt":              strOr(req.Params, "prompt", defaultRefillPrompt),
		"num_inference_steps": 30,
		"guidance_scale":      7.5,
		"sync_mode":           true,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("refill stage: %w", err)
	}
	refilled, err := normalize.Normalize(body)
	if err != nil {
		return nil, fmt.Errorf("refill stage: %w", err)
	}
	refilled.Timings = addTimings(addTimings(nil, erased.Timings), refilled.Timings)
	return refilled, nil
}
