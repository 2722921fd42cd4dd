package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateApps(); err != nil {
		return fmt.Errorf("app validation failed: %w", err)
	}

	if err := v.validateModels(); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateApps() error {
	for appID, app := range v.cfg.Apps.GetAll() {
		if app.DisplayName == "" {
			return NewValidationError("app", appID, "display_name", ErrMissingRequiredField)
		}

		// Apps without skills are legal; they contribute instructions only.
		for skillID, skill := range app.Skills {
			if err := v.validateSkill(appID, skillID, skill); err != nil {
				return err
			}
		}

		for focusID, focus := range app.FocusModes {
			if focus.Prompt == "" {
				return NewValidationError("focus_mode", appID+"/"+focusID, "prompt", ErrMissingRequiredField)
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateSkill(appID, skillID string, skill SkillConfig) error {
	id := appID + "/" + skillID

	if skill.Description == "" {
		return NewValidationError("skill", id, "description", ErrMissingRequiredField)
	}

	if skill.Parameters != nil {
		if _, ok := skill.Parameters["type"]; !ok {
			return NewValidationError("skill", id, "parameters",
				fmt.Errorf("%w: schema must declare a type", ErrInvalidValue))
		}
	}

	if p := skill.Pricing; p != nil {
		if p.PerUnit != nil && p.PerUnit.Credits < 0 {
			return NewValidationError("skill", id, "pricing.per_unit.credits", ErrInvalidValue)
		}
		if p.PerRequestCredits < 0 {
			return NewValidationError("skill", id, "pricing.per_request_credits", ErrInvalidValue)
		}
	}

	return nil
}

func (v *ConfigValidator) validateModels() error {
	seenRefs := make(map[string]string)

	for modelID, model := range v.cfg.Models.GetAll() {
		if model.Ref == "" {
			return NewValidationError("model", modelID, "ref", ErrMissingRequiredField)
		}
		if !strings.Contains(model.Ref, "/") {
			return NewValidationError("model", modelID, "ref",
				fmt.Errorf("%w: expected provider/model form, got %q", ErrInvalidValue, model.Ref))
		}
		if model.DisplayName == "" {
			return NewValidationError("model", modelID, "display_name", ErrMissingRequiredField)
		}

		for _, ref := range append([]string{model.Ref}, model.Aliases...) {
			if other, dup := seenRefs[ref]; dup && other != modelID {
				return NewValidationError("model", modelID, "ref",
					fmt.Errorf("%w: reference %q already claimed by model %q", ErrInvalidValue, ref, other))
			}
			seenRefs[ref] = modelID
		}

		if p := model.Pricing; p != nil {
			if p.InputCostPerMTok < 0 || p.OutputCostPerMTok < 0 ||
				p.InputCreditsPerMTok < 0 || p.OutputCreditsPerMTok < 0 {
				return NewValidationError("model", modelID, "pricing", ErrInvalidValue)
			}
		}
	}

	return nil
}
