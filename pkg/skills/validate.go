package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var schemaCache sync.Map // canonical schema JSON → *jsonschema.Schema

// ValidateArguments checks normalized arguments against the skill's
// declared schema. Violations are diagnostic only: the app service
// enforces its own constraints, this layer exists to surface bad model
// output early in the logs. The returned error is for the caller's log
// line; execution proceeds regardless.
func ValidateArguments(logger *slog.Logger, appID, skillID string, schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		logger.Warn("Skill schema failed to compile, skipping validation",
			"app_id", appID, "skill_id", skillID, "error", err)
		return nil
	}

	instance, err := roundTripJSON(args)
	if err != nil {
		logger.Warn("Skill arguments not JSON-encodable",
			"app_id", appID, "skill_id", skillID, "error", err)
		return nil
	}

	if err := compiled.Validate(instance); err != nil {
		logger.Warn("Skill arguments violate declared schema",
			"app_id", appID, "skill_id", skillID, "error", err)
		return fmt.Errorf("arguments for %s/%s violate schema: %w", appID, skillID, err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	canonical, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	key := string(canonical)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	schemaCache.Store(key, compiled)
	return compiled, nil
}

// roundTripJSON re-decodes the arguments so the validator sees canonical
// JSON types regardless of where the map came from.
func roundTripJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
