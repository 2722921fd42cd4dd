package config

import (
	"fmt"
	"sort"
	"sync"
)

// AppConfig defines one external skill app, loaded from apps/<app_id>.yml.
type AppConfig struct {
	// App identifier; defaults to the YAML filename stem when omitted
	AppID string `yaml:"app_id"`

	// Human-facing name used in the capabilities banner (required)
	DisplayName string `yaml:"display_name"`

	// One-line description injected into the capabilities banner
	Description string `yaml:"description,omitempty"`

	// App-specific prompt instructions. Included only when at least one
	// of the app's skills is preselected, or when the app declares no
	// skills at all.
	Instructions string `yaml:"instructions,omitempty"`

	// Skills exposed by the app, keyed by skill id
	Skills map[string]SkillConfig `yaml:"skills,omitempty"`

	// Focus modes the app contributes to the system focus tools
	FocusModes map[string]FocusModeConfig `yaml:"focus_modes,omitempty"`
}

// SkillConfig defines one skill of an app.
type SkillConfig struct {
	// Description shown to the model in the tool schema (required)
	Description string `yaml:"description"`

	// Upstream provider display name, used for pricing alias resolution
	// and recorded on embeds (e.g. "Brave Search")
	Provider string `yaml:"provider,omitempty"`

	// JSON schema for the tool arguments, passed through to the LLM
	// tool definition and compiled for diagnostic validation
	Parameters map[string]any `yaml:"parameters,omitempty"`

	// Result fields hidden from the model during inference. A skill
	// result carrying its own ignore_fields_for_inference supersedes
	// this list.
	ExcludeFieldsForLLM []string `yaml:"exclude_fields_for_llm,omitempty"`

	// Argument fields surfaced in skill-status preview_data
	PreviewFields []string `yaml:"preview_fields,omitempty"`

	// Skill-level pricing; highest precedence in billing resolution
	Pricing *SkillPricing `yaml:"pricing,omitempty"`
}

// SkillPricing is the app.yml level of the pricing resolution chain.
type SkillPricing struct {
	PerUnit           *UnitPricing `yaml:"per_unit,omitempty"`
	PerRequestCredits float64      `yaml:"per_request_credits,omitempty"`
}

// UnitPricing holds per-unit credit pricing.
type UnitPricing struct {
	Credits float64 `yaml:"credits"`
}

// FocusModeConfig defines one activatable focus mode.
type FocusModeConfig struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// AppRegistry stores app configurations in memory with thread-safe access
type AppRegistry struct {
	apps map[string]*AppConfig
	mu   sync.RWMutex
}

// NewAppRegistry creates a new app registry
func NewAppRegistry(apps map[string]*AppConfig) *AppRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*AppConfig, len(apps))
	for k, v := range apps {
		copied[k] = v
	}
	return &AppRegistry{
		apps: copied,
	}
}

// Get retrieves an app configuration by id (thread-safe)
func (r *AppRegistry) Get(appID string) (*AppConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, exists := r.apps[appID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, appID)
	}
	return app, nil
}

// GetSkill retrieves a skill configuration by app and skill id (thread-safe)
func (r *AppRegistry) GetSkill(appID, skillID string) (*SkillConfig, error) {
	app, err := r.Get(appID)
	if err != nil {
		return nil, err
	}
	skill, exists := app.Skills[skillID]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrSkillNotFound, appID, skillID)
	}
	return &skill, nil
}

// GetAll returns all app configurations (thread-safe, returns copy)
func (r *AppRegistry) GetAll() map[string]*AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AppConfig, len(r.apps))
	for k, v := range r.apps {
		result[k] = v
	}
	return result
}

// Has checks if an app exists in the registry (thread-safe)
func (r *AppRegistry) Has(appID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.apps[appID]
	return exists
}

// FindFocusMode locates a focus mode by id across all apps (thread-safe).
// Focus ids are expected to be globally unique; the first match wins.
func (r *AppRegistry) FindFocusMode(focusID string) (*FocusModeConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, app := range r.apps {
		if fm, ok := app.FocusModes[focusID]; ok {
			return &fm, true
		}
	}
	return nil, false
}

// AppIDs returns a sorted list of all registered app ids (thread-safe)
func (r *AppRegistry) AppIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of apps in the registry (thread-safe)
func (r *AppRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
