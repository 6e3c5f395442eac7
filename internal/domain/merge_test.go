package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDocuments(t *testing.T) {
	tests := []struct {
		name     string
		base     Document
		overlay  Document
		expected Document
	}{
		{
			name:     "overlay wins",
			base:     Document{"user": "john", "tenant": "a"},
			overlay:  Document{"tenant": "b"},
			expected: Document{"user": "john", "tenant": "b"},
		},
		{
			name:     "empty overlay keeps base",
			base:     Document{"user": "john"},
			overlay:  nil,
			expected: Document{"user": "john"},
		},
		{
			name:     "empty base takes overlay",
			base:     nil,
			overlay:  Document{"trace": "t1"},
			expected: Document{"trace": "t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeDocuments(tt.base, tt.overlay)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, merged)
		})
	}
}

func TestMergeDocuments_DoesNotMutateInputs(t *testing.T) {
	base := Document{"a": "1"}
	overlay := Document{"b": "2"}

	merged, err := MergeDocuments(base, overlay)
	require.NoError(t, err)

	assert.Len(t, merged, 2)
	assert.Len(t, base, 1)
	assert.Len(t, overlay, 1)
}

func TestDocument_Get(t *testing.T) {
	doc := Document{
		"user": map[string]interface{}{
			"address": map[string]interface{}{"city": "Lagos"},
			"age":     float64(31),
		},
	}

	assert.Equal(t, "Lagos", doc.String("user.address.city"))
	age, ok := doc.Int64("user.age")
	require.True(t, ok)
	assert.Equal(t, int64(31), age)

	_, ok = doc.Get("user.missing.key")
	assert.False(t, ok)
	assert.NotNil(t, doc.Doc("user.address"))
}

func TestDocument_CloneIsDeep(t *testing.T) {
	doc := Document{"nested": map[string]interface{}{"k": "v"}}
	clone := doc.Clone()

	clone.Doc("nested")["k"] = "changed"
	assert.Equal(t, "v", doc.String("nested.k"))
}
