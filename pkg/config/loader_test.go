package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestConfigDir writes a small but realistic config tree:
// apps/web.yml, apps/maps.yml, and models.yml.
func setupTestConfigDir(t *testing.T) (appsDir, modelsFile string) {
	t.Helper()
	root := t.TempDir()
	appsDir = filepath.Join(root, "apps")
	require.NoError(t, os.Mkdir(appsDir, 0o755))

	webYAML := `
display_name: Web
description: Search the web for current information
instructions: |
  Cite sources when presenting search results.
skills:
  search:
    description: Run web searches
    provider: Brave Search
    exclude_fields_for_llm: [thumbnail, meta_url]
    preview_fields: [query]
    parameters:
      type: object
      properties:
        requests:
          type: array
          items:
            type: object
            properties:
              query:
                type: string
              count:
                type: integer
                minimum: 1
                maximum: 20
      required: [requests]
    pricing:
      per_unit:
        credits: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "web.yml"), []byte(webYAML), 0o644))

	mapsYAML := `
app_id: maps
display_name: Maps
skills:
  places_search:
    description: Find places near a location
    provider: Google
`
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "places.yml"), []byte(mapsYAML), 0o644))

	modelsYAML := `
credit_value_usd: 0.002
models:
  gpt-4.1:
    pricing:
      input_cost_per_mtok: 2.5
      output_cost_per_mtok: 8
      input_credits_per_mtok: 5000
      output_credits_per_mtok: 16000
  custom-model:
    ref: openai/custom-model
    display_name: Custom
`
	modelsFile = filepath.Join(root, "models.yml")
	require.NoError(t, os.WriteFile(modelsFile, []byte(modelsYAML), 0o644))

	return appsDir, modelsFile
}

func TestInitialize(t *testing.T) {
	appsDir, modelsFile := setupTestConfigDir(t)

	ctx := context.Background()
	cfg, err := Initialize(ctx, appsDir, modelsFile)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Registries are populated
	assert.NotNil(t, cfg.Apps)
	assert.NotNil(t, cfg.Models)

	// App id falls back to the filename stem
	assert.True(t, cfg.Apps.Has("web"))
	// Explicit app_id wins over the filename
	assert.True(t, cfg.Apps.Has("maps"))
	assert.False(t, cfg.Apps.Has("places"))

	web, err := cfg.GetApp("web")
	require.NoError(t, err)
	assert.Equal(t, "Web", web.DisplayName)

	search, err := cfg.GetSkill("web", "search")
	require.NoError(t, err)
	assert.Equal(t, "Brave Search", search.Provider)
	assert.Equal(t, []string{"thumbnail", "meta_url"}, search.ExcludeFieldsForLLM)
	require.NotNil(t, search.Pricing)
	assert.Equal(t, float64(1), search.Pricing.PerUnit.Credits)

	// Built-in models survive alongside user entries
	assert.True(t, cfg.Models.Has("claude-sonnet-4"))
	assert.True(t, cfg.Models.Has("custom-model"))

	stats := cfg.Stats()
	assert.Equal(t, 2, stats.Apps)
	assert.Equal(t, 2, stats.Skills)
	assert.Greater(t, stats.Models, 2)
}

func TestInitializeMergesUserModelOverBuiltin(t *testing.T) {
	appsDir, modelsFile := setupTestConfigDir(t)

	cfg, err := Initialize(context.Background(), appsDir, modelsFile)
	require.NoError(t, err)

	model, err := cfg.Models.Get("gpt-4.1")
	require.NoError(t, err)

	// Fields the user left unset keep built-in values
	assert.Equal(t, "openai/gpt-4.1", model.Ref)
	assert.Equal(t, "GPT-4.1", model.DisplayName)

	// Overridden pricing wins
	require.NotNil(t, model.Pricing)
	assert.Equal(t, 2.5, model.Pricing.InputCostPerMTok)
	assert.Equal(t, float64(5000), model.Pricing.InputCreditsPerMTok)

	assert.Equal(t, 0.002, cfg.Models.CreditValueUSD())
}

func TestInitializeMissingAppsDir(t *testing.T) {
	root := t.TempDir()

	// No apps dir, no models file: built-ins only, no error
	cfg, err := Initialize(context.Background(), filepath.Join(root, "apps"), filepath.Join(root, "models.yml"))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Apps.Len())
	assert.Greater(t, cfg.Models.Len(), 0)
	assert.Equal(t, DefaultCreditValueUSD, cfg.Models.CreditValueUSD())
}

func TestInitializeInvalidYAML(t *testing.T) {
	root := t.TempDir()
	appsDir := filepath.Join(root, "apps")
	require.NoError(t, os.Mkdir(appsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "bad.yml"), []byte("{{{"), 0o644))

	_, err := Initialize(context.Background(), appsDir, filepath.Join(root, "models.yml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeDuplicateAppID(t *testing.T) {
	root := t.TempDir()
	appsDir := filepath.Join(root, "apps")
	require.NoError(t, os.Mkdir(appsDir, 0o755))

	app := "app_id: web\ndisplay_name: Web\n"
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "a.yml"), []byte(app), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "b.yml"), []byte(app), 0o644))

	_, err := Initialize(context.Background(), appsDir, filepath.Join(root, "models.yml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate app_id")
}

func TestInitializeValidationFailure(t *testing.T) {
	root := t.TempDir()
	appsDir := filepath.Join(root, "apps")
	require.NoError(t, os.Mkdir(appsDir, 0o755))

	// Missing display_name
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "web.yml"), []byte("description: broken\n"), 0o644))

	_, err := Initialize(context.Background(), appsDir, filepath.Join(root, "models.yml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestInitializeExpandsEnvInsideAppYAML(t *testing.T) {
	t.Setenv("WEB_PROVIDER", "Brave Search")

	root := t.TempDir()
	appsDir := filepath.Join(root, "apps")
	require.NoError(t, os.Mkdir(appsDir, 0o755))

	webYAML := `
display_name: Web
skills:
  search:
    description: Run web searches
    provider: ${WEB_PROVIDER}
`
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "web.yml"), []byte(webYAML), 0o644))

	cfg, err := Initialize(context.Background(), appsDir, filepath.Join(root, "models.yml"))
	require.NoError(t, err)

	skill, err := cfg.GetSkill("web", "search")
	require.NoError(t, err)
	assert.Equal(t, "Brave Search", skill.Provider)
}
