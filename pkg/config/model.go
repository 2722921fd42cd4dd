package config

import (
	"fmt"
	"sync"
)

// ModelConfig defines one LLM model known to the orchestrator,
// loaded from models.yml and merged over built-in defaults.
type ModelConfig struct {
	// Full model reference "provider/model" (required)
	Ref string `yaml:"ref"`

	// Display name attached to chunk events and the system prompt banner
	DisplayName string `yaml:"display_name"`

	// Model creator shown next to the display name (e.g. "OpenAI")
	Creator string `yaml:"creator,omitempty"`

	// Alternate references resolving to this model
	Aliases []string `yaml:"aliases,omitempty"`

	// Token pricing for LLM billing
	Pricing *ModelPricing `yaml:"pricing,omitempty"`
}

// ModelPricing holds per-million-token rates. Cost fields are the real
// provider cost in USD; credit fields are what the user is charged.
type ModelPricing struct {
	InputCostPerMTok      float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok     float64 `yaml:"output_cost_per_mtok"`
	CacheReadCostPerMTok  float64 `yaml:"cache_read_cost_per_mtok,omitempty"`
	CacheWriteCostPerMTok float64 `yaml:"cache_write_cost_per_mtok,omitempty"`

	InputCreditsPerMTok  float64 `yaml:"input_credits_per_mtok"`
	OutputCreditsPerMTok float64 `yaml:"output_credits_per_mtok"`
}

// ModelRegistry stores model configurations in memory with thread-safe access
type ModelRegistry struct {
	models map[string]*ModelConfig
	byRef  map[string]*ModelConfig

	// USD value of one credit, used for margin telemetry
	creditValueUSD float64

	mu sync.RWMutex
}

// NewModelRegistry creates a new model registry. Refs and aliases are
// indexed alongside the primary model ids.
func NewModelRegistry(models map[string]*ModelConfig, creditValueUSD float64) *ModelRegistry {
	copied := make(map[string]*ModelConfig, len(models))
	byRef := make(map[string]*ModelConfig, len(models))
	for id, m := range models {
		copied[id] = m
		if m.Ref != "" {
			byRef[m.Ref] = m
		}
		for _, alias := range m.Aliases {
			byRef[alias] = m
		}
	}
	return &ModelRegistry{
		models:         copied,
		byRef:          byRef,
		creditValueUSD: creditValueUSD,
	}
}

// Get retrieves a model configuration by id (thread-safe)
func (r *ModelRegistry) Get(modelID string) (*ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model, exists := r.models[modelID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return model, nil
}

// Resolve retrieves a model by id, full reference, or alias (thread-safe)
func (r *ModelRegistry) Resolve(ref string) (*ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model, exists := r.models[ref]; exists {
		return model, nil
	}
	if model, exists := r.byRef[ref]; exists {
		return model, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, ref)
}

// GetAll returns all model configurations (thread-safe, returns copy)
func (r *ModelRegistry) GetAll() map[string]*ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ModelConfig, len(r.models))
	for k, v := range r.models {
		result[k] = v
	}
	return result
}

// Has checks if a model exists in the registry (thread-safe)
func (r *ModelRegistry) Has(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.models[modelID]
	return exists
}

// Len returns the number of models in the registry (thread-safe)
func (r *ModelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// CreditValueUSD returns the USD value of one credit for margin telemetry
func (r *ModelRegistry) CreditValueUSD() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creditValueUSD
}
