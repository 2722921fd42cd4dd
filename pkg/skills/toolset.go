// Package skills turns app registry entries into LLM tool definitions and
// dispatches resolved tool calls to the external app services.
package skills

import (
	"fmt"
	"sort"
	"strings"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
)

// SystemAppID marks tools handled inside the loop instead of an app service.
const SystemAppID = "system"

// System tool names.
const (
	ToolActivateFocusMode   = "system-activate_focus_mode"
	ToolDeactivateFocusMode = "system-deactivate_focus_mode"
)

// ToolRef identifies the target of a resolved tool name.
type ToolRef struct {
	AppID   string
	SkillID string
}

// System reports whether the tool is handled by the loop itself.
func (r ToolRef) System() bool {
	return r.AppID == SystemAppID
}

// Toolset is the per-session tool surface: the definitions offered to the
// model plus a resolver map tolerant of hyphen/underscore confusion.
type Toolset struct {
	definitions []llm.ToolDefinition
	resolver    map[string]ToolRef
}

// BuildParams carries the session inputs that shape the toolset.
type BuildParams struct {
	Mate models.Mate

	// PreselectedSkills filters the offered skills. Nil offers everything;
	// an empty non-nil set offers system tools only.
	PreselectedSkills []string

	// ActiveFocusID switches between the activate and deactivate tool.
	ActiveFocusID string
}

// Build assembles the toolset for one session: the app registry filtered by
// the mate's assigned apps and the preselected-skills set, plus the focus
// system tools when any app declares focus modes.
func Build(apps *config.AppRegistry, params BuildParams) *Toolset {
	ts := &Toolset{
		resolver: make(map[string]ToolRef),
	}

	for _, appID := range apps.AppIDs() {
		if !params.Mate.AllowsApp(appID) {
			continue
		}
		app, err := apps.Get(appID)
		if err != nil {
			continue
		}

		skillIDs := make([]string, 0, len(app.Skills))
		for skillID := range app.Skills {
			skillIDs = append(skillIDs, skillID)
		}
		sort.Strings(skillIDs)

		for _, skillID := range skillIDs {
			if !SkillPreselected(params.PreselectedSkills, appID, skillID) {
				continue
			}
			skill := app.Skills[skillID]
			ts.add(appID, skillID, llm.ToolDefinition{
				Name:        appID + "-" + skillID,
				Description: skill.Description,
				Parameters:  toolParameters(skill.Parameters),
			})
		}
	}

	focusIDs := focusModeIDs(apps, params.Mate)
	switch {
	case params.ActiveFocusID != "":
		ts.add(SystemAppID, "deactivate_focus_mode", llm.ToolDefinition{
			Name:        ToolDeactivateFocusMode,
			Description: "Deactivate the currently active focus mode.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	case len(focusIDs) > 0:
		ts.add(SystemAppID, "activate_focus_mode", llm.ToolDefinition{
			Name:        ToolActivateFocusMode,
			Description: "Activate a focus mode for this chat. The user confirms the activation before it takes effect.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"focus_id": map[string]any{
						"type": "string",
						"enum": focusIDs,
					},
				},
				"required": []any{"focus_id"},
			},
		})
	}

	return ts
}

// add registers a definition under both its hyphen and underscore forms so
// resolution survives the model swapping separators.
func (t *Toolset) add(appID, skillID string, def llm.ToolDefinition) {
	t.definitions = append(t.definitions, def)
	ref := ToolRef{AppID: appID, SkillID: skillID}
	t.resolver[appID+"-"+skillID] = ref
	t.resolver[appID+"_"+skillID] = ref
}

// Definitions returns the tool definitions in registration order.
func (t *Toolset) Definitions() []llm.ToolDefinition {
	return t.definitions
}

// Names returns the canonical (hyphen-form) tool names, sorted.
func (t *Toolset) Names() []string {
	names := make([]string, 0, len(t.definitions))
	for _, def := range t.definitions {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a model-supplied tool name to its target. Unknown names fall
// back to splitting on the first separator; failing that an *UnknownToolError
// is returned for the model to self-correct on.
func (t *Toolset) Resolve(name string) (ToolRef, error) {
	if ref, ok := t.resolver[name]; ok {
		return ref, nil
	}

	if appID, skillID, ok := splitToolName(name); ok {
		return ToolRef{AppID: appID, SkillID: skillID}, nil
	}

	return ToolRef{}, &UnknownToolError{Name: name, AvailableTools: t.Names()}
}

// splitToolName splits on whichever of '-' or '_' occurs first.
// Both halves must be non-empty after trimming.
func splitToolName(name string) (appID, skillID string, ok bool) {
	idx := strings.IndexAny(name, "-_")
	if idx < 0 {
		return "", "", false
	}
	appID = strings.TrimSpace(name[:idx])
	skillID = strings.TrimSpace(name[idx+1:])
	if appID == "" || skillID == "" {
		return "", "", false
	}
	return appID, skillID, true
}

// SkillPreselected reports whether the preselection set admits the skill.
// A nil set means preprocessing did not preselect and everything is offered.
// Entries match the compound tool name in either separator form, or the
// bare skill id.
func SkillPreselected(preselected []string, appID, skillID string) bool {
	if preselected == nil {
		return true
	}
	for _, entry := range preselected {
		switch entry {
		case appID + "-" + skillID, appID + "_" + skillID, skillID:
			return true
		}
	}
	return false
}

// AppHasPreselectedSkill reports whether any of the app's skills made it
// into the preselection; used by prompt assembly to gate app instructions.
func AppHasPreselectedSkill(app *config.AppConfig, preselected []string) bool {
	for skillID := range app.Skills {
		if SkillPreselected(preselected, app.AppID, skillID) {
			return true
		}
	}
	return false
}

// focusModeIDs collects the focus mode ids of every app the mate may use.
func focusModeIDs(apps *config.AppRegistry, mate models.Mate) []string {
	var ids []string
	for _, appID := range apps.AppIDs() {
		if !mate.AllowsApp(appID) {
			continue
		}
		app, err := apps.Get(appID)
		if err != nil {
			continue
		}
		for focusID := range app.FocusModes {
			ids = append(ids, focusID)
		}
	}
	sort.Strings(ids)
	return ids
}

// toolParameters returns the declared schema, or a permissive empty object
// schema for skills that declare none.
func toolParameters(schema map[string]any) map[string]any {
	if schema != nil {
		return schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// UnknownToolError is returned when a tool name cannot be resolved. Its
// Response is fed back to the model as the tool result so it can correct
// itself on the next attempt.
type UnknownToolError struct {
	Name           string
	AvailableTools []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Tool '%s' does not exist.", e.Name)
}

// Response renders the structured tool response for the model.
func (e *UnknownToolError) Response() map[string]any {
	return map[string]any{
		"error":           e.Error(),
		"available_tools": e.AvailableTools,
		"hint":            "Call one of the available tools exactly by name, or answer without tools.",
	}
}
