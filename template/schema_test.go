package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/store"
)

func reportSchema() store.ParameterSchema {
	return store.ParameterSchema{
		Required: []string{"url"},
		Properties: map[string]store.ParameterProperty{
			"url":     {Type: "string"},
			"limit":   {Type: "integer", Default: 25},
			"dry_run": {Type: "boolean"},
			"tags":    {Type: "array"},
			"filters": {Type: "object"},
			"weight":  {Type: "number"},
		},
	}
}

func TestValidateParameters(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{"minimal valid", map[string]any{"url": "https://example.com"}, ""},
		{"missing required", map[string]any{"limit": 5}, "missing required parameter"},
		{"nil params missing required", nil, "missing required parameter"},
		{"wrong string type", map[string]any{"url": 42}, `parameter "url" must be string`},
		{"wrong boolean type", map[string]any{"url": "u", "dry_run": "yes"}, `must be boolean`},
		{"fractional integer", map[string]any{"url": "u", "limit": 2.5}, `must be integer`},
		{"integral float as integer", map[string]any{"url": "u", "limit": float64(3)}, ""},
		{"int as number", map[string]any{"url": "u", "weight": 7}, ""},
		{"typed slice as array", map[string]any{"url": "u", "tags": []string{"a"}}, ""},
		{"scalar as array", map[string]any{"url": "u", "tags": "a"}, `must be array`},
		{"map as object", map[string]any{"url": "u", "filters": map[string]any{"k": 1}}, ""},
		{"scalar as object", map[string]any{"url": "u", "filters": 1}, `must be object`},
		{"undeclared key passes through", map[string]any{"url": "u", "extra": struct{}{}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ValidateParameters(reportSchema(), tt.params)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params["url"], out["url"])
		})
	}
}

func TestValidateParametersAppliesDefaults(t *testing.T) {
	out, err := ValidateParameters(reportSchema(), map[string]any{"url": "u"})
	require.NoError(t, err)
	assert.Equal(t, 25, out["limit"])

	// An explicit value wins over the default.
	out, err = ValidateParameters(reportSchema(), map[string]any{"url": "u", "limit": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, out["limit"])
}

func TestValidateParametersDefaultSatisfiesRequired(t *testing.T) {
	schema := store.ParameterSchema{
		Required: []string{"range"},
		Properties: map[string]store.ParameterProperty{
			"range": {Type: "string", Default: "30d"},
		},
	}

	out, err := ValidateParameters(schema, nil)
	require.NoError(t, err)
	assert.Equal(t, "30d", out["range"])
}

func TestValidateParametersDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"url": "u"}
	_, err := ValidateParameters(reportSchema(), in)
	require.NoError(t, err)
	assert.NotContains(t, in, "limit", "defaults must land on the copy")
}
