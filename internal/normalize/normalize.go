// Package normalize reconciles vendor response bodies into model.NormalizedResult.
//
// Result locations are tried in order: a singular "image" object, an "images"
// array, a "video" object, then trained-weights references ("model_url" or
// "diffusers_lora_file"). The first location that yields at least one asset wins.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
)

type locator func(body map[string]any) []model.Asset

var locators = []locator{
	singular("image"),
	plural("images"),
	singular("video"),
	singular("model_url"),
	singular("diffusers_lora_file"),
}

// Normalize extracts produced assets from a decoded vendor body.
func Normalize(body map[string]any) (*model.NormalizedResult, error) {
	if body == nil {
		return nil, apperr.Malformed("vendor response is empty")
	}

	for _, locate := range locators {
		assets := locate(body)
		if len(assets) == 0 {
			continue
		}
		for i := range assets {
			if err := decodeInline(&assets[i]); err != nil {
				return nil, err
			}
		}
		return &model.NormalizedResult{
			Images:  assets,
			Timings: timings(body),
		}, nil
	}

	return nil, apperr.Malformed("vendor response has no recognizable result field")
}

// NormalizeJSON decodes raw and normalizes it.
func NormalizeJSON(raw []byte) (*model.NormalizedResult, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperr.Malformed(fmt.Sprintf("vendor response is not a JSON object: %v", err))
	}
	return Normalize(body)
}

// DecodeDataURI parses data:<mime>;base64,<payload>.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URI has no payload")
	}

	mime := meta
	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		mime = m
		isBase64 = true
	}

	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
		return []byte(decoded), mime, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some vendors emit unpadded payloads.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
	}
	return data, mime, nil
}

// IsDataURI reports whether s is an inline data URI rather than a fetchable link.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:")
}

func singular(field string) locator {
	return func(body map[string]any) []model.Asset {
		if a, ok := asset(body[field]); ok {
			return []model.Asset{a}
		}
		return nil
	}
}

func plural(field string) locator {
	return func(body map[string]any) []model.Asset {
		items, ok := body[field].([]any)
		if !ok {
			return nil
		}
		var out []model.Asset
		for _, item := range items {
			if a, ok := asset(item); ok {
				out = append(out, a)
			}
		}
		return out
	}
}

// asset accepts either a bare URL string or an object carrying "url".
func asset(v any) (model.Asset, bool) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return model.Asset{}, false
		}
		return model.Asset{URL: t}, true
	case map[string]any:
		u, _ := t["url"].(string)
		if strings.TrimSpace(u) == "" {
			return model.Asset{}, false
		}
		a := model.Asset{URL: u}
		a.Width = intPtr(t["width"])
		a.Height = intPtr(t["height"])
		if ct, ok := t["content_type"].(string); ok {
			a.ContentType = ct
		}
		return a, true
	default:
		return model.Asset{}, false
	}
}

func decodeInline(a *model.Asset) error {
	if !IsDataURI(a.URL) {
		return nil
	}
	data, mime, err := DecodeDataURI(a.URL)
	if err != nil {
		return apperr.Malformed(err.Error())
	}
	a.Data = data
	if a.ContentType == "" {
		a.ContentType = mime
	}
	return nil
}

func timings(body map[string]any) map[string]float64 {
	raw, ok := body["timings"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

func intPtr(v any) *int {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	i := int(f)
	return &i
}
