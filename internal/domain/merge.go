package domain

import (
	"dario.cat/mergo"
)

// MergeDocuments returns a new document holding base overlaid with overlay.
// Nested objects are merged key by key, slices are appended. Neither input is
// modified.
func MergeDocuments(base, overlay Document) (Document, error) {
	if len(overlay) == 0 {
		return base.Clone(), nil
	}
	if len(base) == 0 {
		return overlay.Clone(), nil
	}

	merged := map[string]interface{}(base.Clone())
	extra := map[string]interface{}(overlay.Clone())

	if err := mergo.Merge(&merged, extra,
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, err
	}

	return Document(merged), nil
}
