package model

// Asset is one produced artifact. Data holds bytes decoded from a data URI and
// StorageKey the key of a re-hosted copy; neither leaves the process.
type Asset struct {
	URL         string `json:"url" firestore:"url"`
	Width       *int   `json:"width,omitempty" firestore:"width,omitempty"`
	Height      *int   `json:"height,omitempty" firestore:"height,omitempty"`
	ContentType string `json:"content_type,omitempty" firestore:"contentType,omitempty"`
	Data        []byte `json:"-" firestore:"-"`
	StorageKey  string `json:"-" firestore:"-"`
}

// IsInline reports whether the asset carries decoded bytes instead of a link.
func (a Asset) IsInline() bool {
	return len(a.Data) > 0
}

// NormalizedResult is the vendor-agnostic result returned to callers.
// Timings is nil when the vendor reported none.
type NormalizedResult struct {
	Images      []Asset            `json:"images"`
	Timings     map[string]float64 `json:"timings" firestore:"timings"`
	Description string             `json:"description,omitempty" firestore:"description,omitempty"`
}

// PrimaryURL returns the first asset URL, or "".
func (r *NormalizedResult) PrimaryURL() string {
	if r == nil || len(r.Images) == 0 {
		return ""
	}
	return r.Images[0].URL
}

// StoredArtifact is an asset re-hosted in durable storage.
type StoredArtifact struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}
