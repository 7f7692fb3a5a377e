package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/valetd/valet/internal/errors"
)

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(RegisteredTool{Definition: Tool{Name: name}})
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestValidateArgs(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"path":    {Type: "string"},
			"count":   {Type: "integer"},
			"stream":  {Type: "boolean"},
			"entries": {Type: "array", Items: &PropertySchema{Type: "string"}},
		},
		Required: []string{"path"},
	}

	tests := []struct {
		name string
		args map[string]interface{}
		kind verrors.Kind
	}{
		{"valid minimal", map[string]interface{}{"path": "a.txt"}, ""},
		{"valid full", map[string]interface{}{
			"path": "a.txt", "count": float64(3), "stream": true,
			"entries": []interface{}{"x", "y"},
		}, ""},
		{"missing required", map[string]interface{}{"count": float64(1)}, verrors.KindInvalidParams},
		{"unknown key", map[string]interface{}{"path": "a", "bogus": 1}, verrors.KindInvalidParams},
		{"wrong string type", map[string]interface{}{"path": 42}, verrors.KindInvalidParams},
		{"fractional integer", map[string]interface{}{"path": "a", "count": 1.5}, verrors.KindInvalidParams},
		{"non-bool stream", map[string]interface{}{"path": "a", "stream": "yes"}, verrors.KindInvalidParams},
		{"non-array entries", map[string]interface{}{"path": "a", "entries": "x"}, verrors.KindInvalidParams},
		{"non-string item", map[string]interface{}{"path": "a", "entries": []interface{}{1}}, verrors.KindInvalidParams},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArgs(schema, tc.args)
			if tc.kind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.kind, verrors.KindOf(err))
		})
	}
}
