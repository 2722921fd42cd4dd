package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/models"
)

func requestsSchema(fields ...string) map[string]any {
	properties := map[string]any{}
	for _, f := range fields {
		properties[f] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"requests"},
		"properties": map[string]any{
			"requests": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": properties,
				},
			},
		},
	}
}

func testApps(t *testing.T) *config.AppRegistry {
	t.Helper()
	return config.NewAppRegistry(map[string]*config.AppConfig{
		"web": {
			AppID:       "web",
			DisplayName: "Web",
			Skills: map[string]config.SkillConfig{
				"search": {Description: "Search the web", Parameters: requestsSchema("query")},
			},
		},
		"maps": {
			AppID:       "maps",
			DisplayName: "Maps",
			Skills: map[string]config.SkillConfig{
				"places_search": {Description: "Find places", Parameters: requestsSchema("query")},
			},
		},
		"writer": {
			AppID:       "writer",
			DisplayName: "Writer",
			FocusModes: map[string]config.FocusModeConfig{
				"deep_writing": {Name: "Deep Writing", Prompt: "Stay on the draft."},
			},
		},
	})
}

func TestBuildOffersEverythingWithoutPreselection(t *testing.T) {
	ts := Build(testApps(t), BuildParams{Mate: models.Mate{ID: "m-1"}})

	names := ts.Names()
	assert.Contains(t, names, "web-search")
	assert.Contains(t, names, "maps-places_search")
	assert.Contains(t, names, ToolActivateFocusMode)
	assert.NotContains(t, names, ToolDeactivateFocusMode)
}

func TestBuildRespectsMateAssignedApps(t *testing.T) {
	mate := models.Mate{ID: "m-1", AssignedApps: []string{"web"}}
	ts := Build(testApps(t), BuildParams{Mate: mate})

	names := ts.Names()
	assert.Contains(t, names, "web-search")
	assert.NotContains(t, names, "maps-places_search")
	// writer is not assigned, so its focus modes contribute nothing.
	assert.NotContains(t, names, ToolActivateFocusMode)
}

func TestBuildEmptyPreselectionKeepsSystemTools(t *testing.T) {
	ts := Build(testApps(t), BuildParams{
		Mate:              models.Mate{ID: "m-1"},
		PreselectedSkills: []string{},
	})

	names := ts.Names()
	assert.NotContains(t, names, "web-search")
	assert.NotContains(t, names, "maps-places_search")
	assert.Contains(t, names, ToolActivateFocusMode)
}

func TestBuildActiveFocusSwapsSystemTool(t *testing.T) {
	ts := Build(testApps(t), BuildParams{
		Mate:          models.Mate{ID: "m-1"},
		ActiveFocusID: "deep_writing",
	})

	names := ts.Names()
	assert.Contains(t, names, ToolDeactivateFocusMode)
	assert.NotContains(t, names, ToolActivateFocusMode)
}

func TestResolveSurvivesSeparatorSwap(t *testing.T) {
	ts := Build(testApps(t), BuildParams{Mate: models.Mate{ID: "m-1"}})

	for _, name := range []string{"web-search", "web_search"} {
		ref, err := ts.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, ToolRef{AppID: "web", SkillID: "search"}, ref)
	}

	ref, err := ts.Resolve("maps_places_search")
	require.NoError(t, err)
	assert.Equal(t, ToolRef{AppID: "maps", SkillID: "places_search"}, ref)
}

func TestResolveUnknownTool(t *testing.T) {
	ts := Build(testApps(t), BuildParams{Mate: models.Mate{ID: "m-1"}})

	_, err := ts.Resolve("web-imagine")
	require.Error(t, err)

	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)

	resp := unknown.Response()
	assert.Contains(t, resp, "error")
	assert.Contains(t, resp, "available_tools")
	assert.Contains(t, resp, "hint")
}

func TestSkillPreselected(t *testing.T) {
	assert.True(t, SkillPreselected(nil, "web", "search"), "nil means no filtering")
	assert.True(t, SkillPreselected([]string{"web-search"}, "web", "search"))
	assert.True(t, SkillPreselected([]string{"web_search"}, "web", "search"))
	assert.True(t, SkillPreselected([]string{"search"}, "web", "search"), "bare skill id matches")
	assert.False(t, SkillPreselected([]string{"maps-places_search"}, "web", "search"))
	assert.False(t, SkillPreselected([]string{}, "web", "search"), "empty set offers nothing")
}

func TestSystemToolRef(t *testing.T) {
	assert.True(t, ToolRef{AppID: SystemAppID, SkillID: "activate_focus_mode"}.System())
	assert.False(t, ToolRef{AppID: "web", SkillID: "search"}.System())
}
