package skills

import (
	"strconv"
	"strings"
)

// NormalizeArguments reshapes model-supplied arguments to the declared
// schema. When the schema requires a `requests` array and the model sent
// flat arguments instead, the non-metadata keys are wrapped into a single
// request. Keys with a leading underscore are metadata and stay top-level
// (e.g. `_placeholder_embed_ids` threading async skills back to their
// placeholder).
func NormalizeArguments(args map[string]any, schema map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	if !schemaRequiresRequests(schema) {
		return args
	}
	if _, ok := args["requests"]; ok {
		return args
	}

	normalized := make(map[string]any, len(args)+1)
	request := make(map[string]any)
	for key, value := range args {
		if strings.HasPrefix(key, "_") {
			normalized[key] = value
			continue
		}
		request[key] = value
	}
	normalized["requests"] = []any{request}
	return normalized
}

// schemaRequiresRequests reports whether the schema declares `requests` as
// a required array-typed property.
func schemaRequiresRequests(schema map[string]any) bool {
	if schema == nil {
		return false
	}

	required, _ := schema["required"].([]any)
	found := false
	for _, entry := range required {
		if entry == "requests" {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	properties, _ := schema["properties"].(map[string]any)
	requests, _ := properties["requests"].(map[string]any)
	return requests != nil && requests["type"] == "array"
}

// AssignRequestIDs overwrites per-request `id` fields with 1-based integers
// in the order the model produced them, ignoring any model-supplied value.
// It returns the string forms, which are the matching keys used to
// correlate placeholders with grouped results.
func AssignRequestIDs(args map[string]any) []string {
	requests, ok := args["requests"].([]any)
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(requests))
	for i, entry := range requests {
		id := i + 1
		if request, ok := entry.(map[string]any); ok {
			request["id"] = id
		}
		ids = append(ids, strconv.Itoa(id))
	}
	return ids
}

// RequestCount returns the number of entries in the `requests` array, or 1
// when the arguments carry none; this is the unit count used by the loop
// budget and by billing.
func RequestCount(args map[string]any) int {
	if requests, ok := args["requests"].([]any); ok && len(requests) > 0 {
		return len(requests)
	}
	return 1
}
