package models

// Mate is the assistant persona configuration attached to a chat.
type Mate struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultPrompt string `json:"default_prompt,omitempty"`

	// AssignedApps restricts the tool list to these app ids. Nil means the
	// mate may use every discovered app.
	AssignedApps []string `json:"assigned_apps,omitempty"`

	Category string `json:"category,omitempty"`
}

// AllowsApp reports whether the mate may call skills of the given app.
func (m Mate) AllowsApp(appID string) bool {
	if m.AssignedApps == nil {
		return true
	}
	for _, id := range m.AssignedApps {
		if id == appID {
			return true
		}
	}
	return false
}
