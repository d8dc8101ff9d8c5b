package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/normalize"
)

// branch is one concurrent sub-call of a fan-out job.
type branch struct {
	name  string
	build func(req Request) (model string, input map[string]any)
}

// fanOutAdapter issues every branch concurrently and merges what succeeds.
// It fails only when all branches fail.
type fanOutAdapter struct {
	jobType  string
	schema   paramSchema
	branches []branch
	fal      FalRunner
	logger   *zap.Logger
}

func newGenericRestore(fal FalRunner, logger *zap.Logger) *fanOutAdapter {
	s := objectSchema([]string{"image_url"}, map[string]any{
		"image_url":       urlProp,
		"banana_prompt":   textProp,
		"seedream_prompt": textProp,
		"width":           map[string]any{"type": "integer", "minimum": 64},
		"height":          map[string]any{"type": "integer", "minimum": 64},
	})
	return &fanOutAdapter{
		jobType: model.JobTypeGenericRestore,
		schema:  mustCompile(model.JobTypeGenericRestore, s),
		fal:     fal,
		logger:  logger,
		branches: []branch{
			{
				name: "nano-banana",
				build: func(req Request) (string, map[string]any) {
					return modelNanoBananaEdit, map[string]any{
						"image_urls": []string{str(req.Params, "image_url")},
						"prompt":     strOr(req.Params, "banana_prompt", defaultRestorePrompt),
					}
				},
			},
			{
				name: "seedream",
				build: func(req Request) (string, map[string]any) {
					p := req.Params
					input := map[string]any{
						"image_urls": []string{str(p, "image_url")},
						"prompt":     strOr(p, "seedream_prompt", defaultRestorePrompt),
					}
					if has(p, "width") && has(p, "height") {
						input["image_size"] = map[string]any{
							"width":  int(num(p, "width", 0)),
							"height": int(num(p, "height", 0)),
						}
					}
					return modelSeedreamEdit, input
				},
			},
		},
	}
}

func (a *fanOutAdapter) JobType() string        { return a.jobType }
func (a *fanOutAdapter) PersistByDefault() bool { return false }

func (a *fanOutAdapter) Validate(params map[string]any) error {
	return a.schema.validate(a.jobType, params)
}

func (a *fanOutAdapter) Execute(ctx context.Context, req Request) (*model.NormalizedResult, error) {
	results := make([]*model.NormalizedResult, len(a.branches))
	errs := make([]error, len(a.branches))

	var wg sync.WaitGroup
	for i, b := range a.branches {
		wg.Add(1)
		go func(i int, b branch) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%s: panic: %v", b.name, r)
				}
			}()
			endpoint, input := b.build(req)
			body, err := a.fal.Run(ctx, endpoint, input, false)
			if err == nil {
				results[i], err = normalize.Normalize(body)
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", b.name, err)
			}
		}(i, b)
	}
	wg.Wait()

	merged := &model.NormalizedResult{Images: []model.Asset{}}
	succeeded := 0
	for i, res := range results {
		if errs[i] != nil {
			a.logger.Warn("fan-out branch failed",
				zap.String("job_type", a.jobType),
				zap.String("branch", a.branches[i].name),
				zap.Error(errs[i]),
			)
			continue
		}
		succeeded++
		merged.Images = append(merged.Images, res.Images...)
		merged.Timings = addTimings(merged.Timings, res.Timings)
	}

	if succeeded == 0 {
		return nil, &apperr.Error{
			Kind:    apperr.KindVendorError,
			Message: fmt.Sprintf("all %d %s sub-calls failed", len(a.branches), a.jobType),
			Err:     errors.Join(errs...),
		}
	}
	return merged, nil
}

// addTimings sums src into dst key-wise; it stays nil until some call reports timings.
func addTimings(dst, src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}
