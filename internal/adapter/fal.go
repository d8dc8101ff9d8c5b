package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/photoaiproxy/api/internal/model"
	"github.com/photoaiproxy/api/internal/normalize"
)

// fal.ai model paths.
const (
	modelTopazUpscaleImage = "fal-ai/topaz/upscale/image"
	modelTopazUpscaleVideo = "fal-ai/topaz/upscale/video"
	modelNanoBananaEdit    = "fal-ai/nano-banana/edit"
	modelSeedreamEdit      = "fal-ai/bytedance/seedream/v4/edit"
	modelFluxFill          = "fal-ai/flux-pro/v1/fill"
	modelFluxFillV11       = "fal-ai/flux-pro/v1.1/fill"
	modelBriaEraser        = "fal-ai/bria/eraser"
	modelFinegrainEraser   = "fal-ai/finegrain-eraser/mask"
	modelIPAdapterSDXL     = "fal-ai/ip-adapter-sdxl"
	modelVeo3ImageToVideo  = "fal-ai/veo3/image-to-video"
	modelLoRATrainer       = "fal-ai/sd15-lora-trainer"
)

const (
	defaultColorizePrompt = "colorize this photo, add natural and realistic colors"
	defaultInpaintPrompt  = "natural background, seamless fill, match surrounding environment"
	defaultRestorePrompt  = "repair photo"

	fillNegativePrompt = "repetition, repeating patterns, collage, duplicated objects, duplicated subjects, " +
		"frames, borders, incoherent, disjointed, tiling, artifacts, mirroring"
	resizeNegativePrompt = "repetition, repeating patterns, collage, stacked images, duplicated objects, " +
		"duplicated subjects, frames, borders, incoherent, disjointed, multiple people, tiling, artifacts, " +
		"mirroring, unrelated scenery, random objects, unnatural transitions"
)

// StylePresets are job types that run as a prompt-driven textual edit.
var StylePresets = []string{
	"studio_glow", "smart_skin", "backlight_savior", "golden_hour", "vibrant_nature",
	"portrait_pop", "analog_film", "moody_cinema", "foodie_fix", "minimalist_white",
	"sharpen_details", "neon_noir", "subject_light",
}

// falDef describes a single fal.ai call: which model, how to build its input
// from caller parameters, and how the result is handled.
type falDef struct {
	jobType   string
	schema    map[string]any
	build     func(req Request) (model string, input map[string]any)
	long      bool
	persist   bool
	asyncOnly bool
}

// falAdapter runs a falDef synchronously or through the fal queue.
type falAdapter struct {
	def    falDef
	schema paramSchema
	fal    FalRunner
}

func newFalAdapter(def falDef, fal FalRunner) *falAdapter {
	return &falAdapter{def: def, schema: mustCompile(def.jobType, def.schema), fal: fal}
}

func (a *falAdapter) JobType() string        { return a.def.jobType }
func (a *falAdapter) PersistByDefault() bool { return a.def.persist }
func (a *falAdapter) AsyncOnly() bool        { return a.def.asyncOnly }

func (a *falAdapter) Validate(params map[string]any) error {
	return a.schema.validate(a.def.jobType, params)
}

func (a *falAdapter) Execute(ctx context.Context, req Request) (*model.NormalizedResult, error) {
	endpoint, input := a.def.build(req)
	body, err := a.fal.Run(ctx, endpoint, input, a.def.long)
	if err != nil {
		return nil, err
	}
	return normalize.Normalize(body)
}

func (a *falAdapter) Submit(ctx context.Context, req Request, webhookURL string) (string, error) {
	endpoint, input := a.def.build(req)
	return a.fal.Submit(ctx, endpoint, input, webhookURL)
}

func upscaleDef() falDef {
	return falDef{
		jobType: model.JobTypeUpscale,
		schema: objectSchema([]string{"image_url"}, map[string]any{
			"image_url":      urlProp,
			"upscale_factor": map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 8},
		}),
		build: func(req Request) (string, map[string]any) {
			return modelTopazUpscaleImage, map[string]any{
				"image_url":        str(req.Params, "image_url"),
				"scale_factor":     num(req.Params, "upscale_factor", 2.0),
				"face_enhancement": true,
			}
		},
	}
}

// promptEditDef covers the nano-banana prompt edits on a single source image.
func promptEditDef(jobType, defaultPrompt string) falDef {
	return falDef{
		jobType: jobType,
		schema: objectSchema([]string{"image_url"}, map[string]any{
			"image_url": urlProp,
			"prompt":    textProp,
		}),
		build: func(req Request) (string, map[string]any) {
			return modelNanoBananaEdit, map[string]any{
				"image_urls": []string{str(req.Params, "image_url")},
				"prompt":     strOr(req.Params, "prompt", defaultPrompt),
			}
		},
	}
}

// styleEditDef covers prompt edits over one or more reference images.
func styleEditDef(jobType string) falDef {
	return falDef{
		jobType: jobType,
		persist: true,
		schema: objectSchema([]string{"image_urls", "prompt"}, map[string]any{
			"image_urls": urlListProp,
			"prompt":     map[string]any{"type": "string", "minLength": 1},
		}),
		build: func(req Request) (string, map[string]any) {
			return modelNanoBananaEdit, map[string]any{
				"image_urls": strSlice(req.Params, "image_urls"),
				"prompt":     str(req.Params, "prompt"),
			}
		},
	}
}

// textualEditDef switches to a masked fill when a mask is supplied.
func textualEditDef(jobType string) falDef {
	return falDef{
		jobType: jobType,
		schema: objectSchema([]string{"image_url", "prompt"}, map[string]any{
			"image_url": urlProp,
			"mask_url":  textProp,
			"prompt":    map[string]any{"type": "string", "minLength": 1},
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			if mask := str(p, "mask_url"); mask != "" {
				return modelFluxFill, map[string]any{
					"image_url":       str(p, "image_url"),
					"mask_url":        mask,
					"prompt":          str(p, "prompt"),
					"negative_prompt": fillNegativePrompt,
				}
			}
			return modelNanoBananaEdit, map[string]any{
				"image_urls": []string{str(p, "image_url")},
				"prompt":     str(p, "prompt"),
			}
		},
	}
}

func inpaintDef() falDef {
	return falDef{
		jobType: model.JobTypeInpaint,
		persist: true,
		schema: objectSchema([]string{"image_url", "mask_url"}, map[string]any{
			"image_url": urlProp,
			"mask_url":  urlProp,
			"prompt":    textProp,
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			return modelFluxFillV11, map[string]any{
				"image_url":           str(p, "image_url"),
				"mask_url":            str(p, "mask_url"),
				"prompt":              strOr(p, "prompt", defaultInpaintPrompt),
				"num_inference_steps": 25,
				"guidance_scale":      3.5,
				"strength":            0.95,
				"safety_tolerance":    2,
				"sync_mode":           true,
			}
		},
	}
}

func aiResizeDef() falDef {
	return falDef{
		jobType: model.JobTypeAIResize,
		schema: objectSchema([]string{"image_url", "mask_url"}, map[string]any{
			"image_url":           urlProp,
			"mask_url":            urlProp,
			"expansion_direction": textProp,
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			return modelFluxFill, map[string]any{
				"image_url":       str(p, "image_url"),
				"mask_url":        str(p, "mask_url"),
				"prompt":          resizePrompt(str(p, "expansion_direction")),
				"negative_prompt": resizeNegativePrompt,
			}
		},
	}
}

func resizePrompt(direction string) string {
	var b strings.Builder
	b.WriteString("A high-quality, realistic photograph. ")
	switch direction {
	case "vertical":
		b.WriteString("Naturally extend the sky upward and the ground/floor downward. Maintain the horizon line and perspective. Continue existing patterns seamlessly (clouds, terrain, flooring). ")
	case "horizontal":
		b.WriteString("Naturally extend the scene to the left and right sides. Maintain perspective and scale of existing elements. Continue architectural or environmental patterns seamlessly. ")
	default:
		b.WriteString("Extend the scene in all directions naturally. Maintain perspective, lighting, and existing scene elements. ")
	}
	b.WriteString("Match the exact lighting, color palette, and style of the original photo. Fill masked areas with contextually appropriate content.")
	return b.String()
}

func smartRetouchDef() falDef {
	return falDef{
		jobType: model.JobTypeSmartRetouch,
		schema: objectSchema([]string{"image_url", "mask_url"}, map[string]any{
			"image_url": urlProp,
			"mask_url":  urlProp,
		}),
		build: func(req Request) (string, map[string]any) {
			return modelBriaEraser, map[string]any{
				"image_url": str(req.Params, "image_url"),
				"mask_url":  str(req.Params, "mask_url"),
			}
		},
	}
}

func objectRemovalDef() falDef {
	return falDef{
		jobType: model.JobTypeObjectRemoval,
		persist: true,
		schema: objectSchema([]string{"image_url", "mask_url"}, map[string]any{
			"image_url": urlProp,
			"mask_url":  urlProp,
		}),
		build: func(req Request) (string, map[string]any) {
			return modelFinegrainEraser, eraserInput(req.Params)
		},
	}
}

func eraserInput(p map[string]any) map[string]any {
	return map[string]any{
		"image_url": str(p, "image_url"),
		"mask_url":  str(p, "mask_url"),
		"sync_mode": true,
	}
}

func angleShiftDef() falDef {
	return falDef{
		jobType: model.JobTypeAngleShift,
		schema: objectSchema([]string{"image_urls", "user_lora_url", "prompt"}, map[string]any{
			"image_urls":      urlListProp,
			"user_lora_url":   urlProp,
			"prompt":          map[string]any{"type": "string", "minLength": 1},
			"negative_prompt": textProp,
			"width":           map[string]any{"type": "integer", "minimum": 64},
			"height":          map[string]any{"type": "integer", "minimum": 64},
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			input := map[string]any{
				"image_url":            first(p, "image_urls"),
				"ip_adapter_image_url": str(p, "user_lora_url"),
				"prompt":               str(p, "prompt"),
				"ip_adapter_scale":     0.7,
			}
			if np := str(p, "negative_prompt"); np != "" {
				input["negative_prompt"] = np
			}
			if has(p, "width") {
				input["width"] = int(num(p, "width", 0))
			}
			if has(p, "height") {
				input["height"] = int(num(p, "height", 0))
			}
			return modelIPAdapterSDXL, input
		},
	}
}

func videoDef() falDef {
	return falDef{
		jobType: model.JobTypeVideo,
		long:    true,
		schema: objectSchema([]string{"image_urls", "prompt"}, map[string]any{
			"image_urls":     urlListProp,
			"prompt":         map[string]any{"type": "string", "minLength": 1},
			"aspect_ratio":   textProp,
			"resolution":     map[string]any{"type": "string", "enum": []string{"720p", "1080p"}},
			"generate_audio": boolProp,
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			return modelVeo3ImageToVideo, map[string]any{
				"image_url":      first(p, "image_urls"),
				"prompt":         str(p, "prompt"),
				"duration":       "8s",
				"aspect_ratio":   strOr(p, "aspect_ratio", "auto"),
				"resolution":     strOr(p, "resolution", "720p"),
				"generate_audio": boolOr(p, "generate_audio", false),
			}
		},
	}
}

func videoUpscaleDef() falDef {
	return falDef{
		jobType:   model.JobTypeVideoUpscale,
		long:      true,
		asyncOnly: true,
		schema: objectSchema([]string{"video_url"}, map[string]any{
			"video_url":      urlProp,
			"upscale_factor": map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 4},
			"target_fps":     map[string]any{"type": "integer", "minimum": 1, "maximum": 120},
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			input := map[string]any{
				"video_url":      str(p, "video_url"),
				"upscale_factor": num(p, "upscale_factor", 2),
			}
			if has(p, "target_fps") {
				input["target_fps"] = int(num(p, "target_fps", 0))
			}
			return modelTopazUpscaleVideo, input
		},
	}
}

func trainLoRADef() falDef {
	return falDef{
		jobType:   model.JobTypeTrainLoRA,
		long:      true,
		asyncOnly: true,
		schema: objectSchema([]string{"image_urls", "character_id"}, map[string]any{
			"image_urls":   urlListProp,
			"character_id": map[string]any{"type": "string", "minLength": 1},
		}),
		build: func(req Request) (string, map[string]any) {
			p := req.Params
			trigger := triggerWord(req.CallerID, str(p, "character_id"))
			return modelLoRATrainer, map[string]any{
				"image_urls":     strSlice(p, "image_urls"),
				"concept_prompt": fmt.Sprintf("a photo of %s person", trigger),
				"class_prompt":   "a photo of a person",
			}
		},
	}
}

// triggerWord derives the token the trained LoRA responds to.
func triggerWord(callerID, characterID string) string {
	return fmt.Sprintf("ohwx_%s_%s", prefix(callerID, 5), prefix(characterID, 5))
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
