package models

// RejectionReason explains why preprocessing refused to run the loop.
type RejectionReason string

// Preprocessing rejection reasons.
const (
	RejectionHarmful             RejectionReason = "harmful"
	RejectionMisuse              RejectionReason = "misuse"
	RejectionInsufficientCredits RejectionReason = "insufficient_credits"
	RejectionPreprocessingFailed RejectionReason = "preprocessing_failed"
)

// PreprocessingResult is the frozen output of the preprocessing stage,
// consumed read-only by the session.
type PreprocessingResult struct {
	CanProceed      bool            `json:"can_proceed"`
	RejectionReason RejectionReason `json:"rejection_reason,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`

	PrimaryModelID   string `json:"primary_model_id"`
	SecondaryModelID string `json:"secondary_model_id,omitempty"`
	FallbackModelID  string `json:"fallback_model_id,omitempty"`

	// PrimaryModelName is the display name attached to chunk events.
	PrimaryModelName    string  `json:"primary_model_name,omitempty"`
	ResponseTemperature float64 `json:"response_temperature,omitempty"`
	Category            string  `json:"category,omitempty"`

	// PreselectedSkills filters the tool list. Nil means no preselection
	// happened and all skills are offered; an empty non-nil set offers none.
	PreselectedSkills []string `json:"preselected_skills,omitempty"`

	ActiveFocusID   string   `json:"active_focus_id,omitempty"`
	AppSettingsKeys []string `json:"app_settings_keys,omitempty"`
}

// ModelIDs returns the fallback chain in priority order, skipping blanks.
func (p PreprocessingResult) ModelIDs() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{p.PrimaryModelID, p.SecondaryModelID, p.FallbackModelID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
