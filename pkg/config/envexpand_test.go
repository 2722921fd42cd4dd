package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "api_key: ${API_KEY}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "api_key: secret123",
		},
		{
			name:  "default used when variable unset",
			input: "port: ${APP_SERVICE_PORT:-8000}",
			env:   map[string]string{},
			want:  "port: 8000",
		},
		{
			name:  "default ignored when variable set",
			input: "port: ${APP_SERVICE_PORT:-8000}",
			env:   map[string]string{"APP_SERVICE_PORT": "9000"},
			want:  "port: 9000",
		},
		{
			name:  "bare $VAR is NOT expanded",
			input: "regex: ^secret.*$ and $PATH",
			env:   map[string]string{"PATH": "/usr/bin"},
			want:  "regex: ^secret.*$ and $PATH",
		},
		{
			name:  "multiple substitutions in one line",
			input: "url: ${PROTOCOL}://${HOST}:${PORT}",
			env: map[string]string{
				"PROTOCOL": "https",
				"HOST":     "example.com",
				"PORT":     "443",
			},
			want: "url: https://example.com:443",
		},
		{
			name:  "missing variable without default expands to empty",
			input: "endpoint: ${MISSING_VAR}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "empty variable falls back to default",
			input: "level: ${EMPTY_VAR:-info}",
			env:   map[string]string{"EMPTY_VAR": ""},
			want:  "level: info",
		},
		{
			name:  "unterminated reference passes through",
			input: "broken: ${NOT_CLOSED",
			env:   map[string]string{"NOT_CLOSED": "x"},
			want:  "broken: ${NOT_CLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnvInsideYAML(t *testing.T) {
	t.Setenv("BRAVE_KEY", "bk-123")

	input := `
skills:
  search:
    description: Run web searches
    parameters:
      type: object
      properties:
        pattern:
          type: string
          default: "^http.*$"
    api_key: ${BRAVE_KEY}
`
	expanded := ExpandEnv([]byte(input))

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(expanded, &parsed))

	skills := parsed["skills"].(map[string]any)
	search := skills["search"].(map[string]any)
	assert.Equal(t, "bk-123", search["api_key"])

	// Literal $ in the regex default survives expansion
	params := search["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	pattern := props["pattern"].(map[string]any)
	assert.Equal(t, "^http.*$", pattern["default"])
}
