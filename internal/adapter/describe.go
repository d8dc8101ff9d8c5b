package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/model"
)

const describeMaskPrompt = "You are an expert image analyst. You will receive two images: an original photo " +
	"and a corresponding mask. Your task is to identify and describe the primary object or person in the " +
	"original photo that is located within the white area of the mask. Provide a concise, simple description. " +
	"Examples: 'a brown dog', 'a man wearing a red hat', 'the blue car'."

// describeAdapter asks a multimodal model what the mask covers. It produces a
// description and no images.
type describeAdapter struct {
	schema    paramSchema
	model     TextModel
	artifacts Artifacts
}

func newDescribeMask(tm TextModel, artifacts Artifacts) *describeAdapter {
	s := objectSchema([]string{"image_url", "mask_url"}, map[string]any{
		"image_url": urlProp,
		"mask_url":  urlProp,
	})
	return &describeAdapter{
		schema:    mustCompile(model.JobTypeDescribeMask, s),
		model:     tm,
		artifacts: artifacts,
	}
}

func (a *describeAdapter) JobType() string        { return model.JobTypeDescribeMask }
func (a *describeAdapter) PersistByDefault() bool { return false }

func (a *describeAdapter) Validate(params map[string]any) error {
	return a.schema.validate(model.JobTypeDescribeMask, params)
}

func (a *describeAdapter) Execute(ctx context.Context, req Request) (*model.NormalizedResult, error) {
	image, err := a.inline(ctx, str(req.Params, "image_url"), "image/jpeg")
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	mask, err := a.inline(ctx, str(req.Params, "mask_url"), "image/png")
	if err != nil {
		return nil, fmt.Errorf("fetch mask: %w", err)
	}

	text, err := a.model.GenerateText(ctx, describeMaskPrompt, image, mask)
	if err != nil {
		return nil, err
	}
	return &model.NormalizedResult{
		Images:      []model.Asset{},
		Description: strings.Trim(strings.TrimSpace(text), `"'`),
	}, nil
}

func (a *describeAdapter) inline(ctx context.Context, url, fallback string) (client.InlineImage, error) {
	data, contentType, err := a.artifacts.Fetch(ctx, url)
	if err != nil {
		return client.InlineImage{}, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = fallback
	}
	return client.InlineImage{MimeType: contentType, Data: data}, nil
}
