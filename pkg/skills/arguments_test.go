package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWrapsFlatArguments(t *testing.T) {
	schema := requestsSchema("query")
	args := map[string]any{
		"query":                  "golang generics",
		"count":                  5,
		"_placeholder_embed_ids": []any{"e-1"},
	}

	normalized := NormalizeArguments(args, schema)

	requests, ok := normalized["requests"].([]any)
	require.True(t, ok)
	require.Len(t, requests, 1)

	first := requests[0].(map[string]any)
	assert.Equal(t, "golang generics", first["query"])
	assert.Equal(t, 5, first["count"])

	assert.Equal(t, []any{"e-1"}, normalized["_placeholder_embed_ids"],
		"metadata keys stay top-level")
	assert.NotContains(t, first, "_placeholder_embed_ids")
}

func TestNormalizeKeepsExistingRequests(t *testing.T) {
	schema := requestsSchema("query")
	args := map[string]any{
		"requests": []any{map[string]any{"query": "a"}, map[string]any{"query": "b"}},
	}

	normalized := NormalizeArguments(args, schema)
	assert.Equal(t, args, normalized)
}

func TestNormalizeWithoutRequestsSchema(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
	}
	args := map[string]any{"prompt": "draw a fox"}

	assert.Equal(t, args, NormalizeArguments(args, schema))
}

func TestAssignRequestIDs(t *testing.T) {
	args := map[string]any{
		"requests": []any{
			map[string]any{"id": 99, "query": "a"},
			map[string]any{"query": "b"},
		},
	}

	ids := AssignRequestIDs(args)
	assert.Equal(t, []string{"1", "2"}, ids)

	requests := args["requests"].([]any)
	assert.Equal(t, 1, requests[0].(map[string]any)["id"], "model-supplied id is overwritten")
	assert.Equal(t, 2, requests[1].(map[string]any)["id"])
}

func TestRequestCount(t *testing.T) {
	assert.Equal(t, 2, RequestCount(map[string]any{
		"requests": []any{map[string]any{}, map[string]any{}},
	}))
	assert.Equal(t, 1, RequestCount(map[string]any{"prompt": "x"}))
	assert.Equal(t, 1, RequestCount(map[string]any{"requests": []any{}}))
}

func TestCallHashStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"query": "go", "count": 5, "filters": map[string]any{"lang": "en", "safe": true}}
	b := map[string]any{"filters": map[string]any{"safe": true, "lang": "en"}, "count": 5, "query": "go"}

	assert.Equal(t, CallHash("web", "search", a), CallHash("web", "search", b))
	assert.Len(t, CallHash("web", "search", a), 16)
}

func TestCallHashDistinguishesCalls(t *testing.T) {
	args := map[string]any{"query": "go"}

	base := CallHash("web", "search", args)
	assert.NotEqual(t, base, CallHash("web", "search", map[string]any{"query": "rust"}))
	assert.NotEqual(t, base, CallHash("maps", "search", args))
	assert.NotEqual(t, base, CallHash("web", "news", args))
}

func TestValidateArgumentsDiagnosticOnly(t *testing.T) {
	logger := discardLogger()
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"query"},
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
	}

	require.NoError(t, ValidateArguments(logger, "web", "search", schema,
		map[string]any{"query": "go"}))

	err := ValidateArguments(logger, "web", "search", schema, map[string]any{"count": 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "violate schema")

	require.NoError(t, ValidateArguments(logger, "web", "search", nil,
		map[string]any{"anything": true}), "nil schema skips validation")
}
