package embeds

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/toon"
)

func TestResolveInContentHit(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	id := testIdentity()
	ctx := context.Background()

	embed, err := svc.CreateSkillPlaceholder(ctx, id, "web", "search", map[string]any{"query": "go"})
	require.NoError(t, err)

	content := fmt.Sprintf("Here is what I found:\n```json\n{\"type\": \"app_skill_use\", \"embed_id\": %q}\n```\nDone.", embed.ID)
	resolved := svc.ResolveInContent(ctx, id.VaultKeyID, content)

	assert.NotContains(t, resolved, embed.ID, "reference replaced")
	assert.Contains(t, resolved, "```toon\n")
	assert.Contains(t, resolved, "query: go")
	assert.Contains(t, resolved, "Here is what I found:")
	assert.Contains(t, resolved, "Done.")
}

func TestResolveInContentMissWithURL(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	id := testIdentity()

	content := "```json\n{\"type\": \"website\", \"embed_id\": \"expired\", \"url\": \"https://go.dev\"}\n```"
	resolved := svc.ResolveInContent(context.Background(), id.VaultKeyID, content)
	assert.Equal(t, "[WEBSITE EMBED - URL: https://go.dev]", resolved)
}

func TestResolveInContentMissWithoutURL(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	id := testIdentity()

	content := "```json\n{\"type\": \"website\", \"embed_id\": \"expired\"}\n```"
	resolved := svc.ResolveInContent(context.Background(), id.VaultKeyID, content)
	assert.Equal(t, content, resolved, "no fallback available, reference left intact")
}

func TestResolveInContentIgnoresPlainJSONFences(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	id := testIdentity()

	content := "```json\n{\"name\": \"config\", \"value\": 1}\n```"
	resolved := svc.ResolveInContent(context.Background(), id.VaultKeyID, content)
	assert.Equal(t, content, resolved)
}

func TestStripFailedReferences(t *testing.T) {
	content := "Intro.\n\n```json\n{\"type\": \"app_skill_use\", \"embed_id\": \"e-bad\"}\n```\n\nOutro."
	stripped := StripFailedReferences(content, map[string]bool{"e-bad": true})
	assert.NotContains(t, stripped, "e-bad")
	assert.Contains(t, stripped, "Intro.")
	assert.Contains(t, stripped, "Outro.")
	assert.NotContains(t, stripped, "\n\n\n")
}

func TestStripFailedReferencesKeepsSurvivors(t *testing.T) {
	content := "```json\n{\"type\": \"website\", \"embed_ids\": [\"e-ok\", \"e-bad\"]}\n```"
	stripped := StripFailedReferences(content, map[string]bool{"e-bad": true})
	assert.Contains(t, stripped, "e-ok")
	assert.NotContains(t, stripped, "e-bad")

	allFailed := StripFailedReferences(content, map[string]bool{"e-ok": true, "e-bad": true})
	assert.Empty(t, allFailed)
}

func TestStripFailedReferencesNoFailures(t *testing.T) {
	content := "```json\n{\"type\": \"website\", \"embed_id\": \"e-ok\"}\n```"
	assert.Equal(t, content, StripFailedReferences(content, nil))
}

func TestFilterForInference(t *testing.T) {
	content := toon.Encode(map[string]any{
		"app_id": "web",
		"results": []any{
			map[string]any{"title": "Go", "url": "https://go.dev", "extra_snippets": "noise", "page_age": "2d"},
		},
	})

	filtered := FilterForInference(content, []string{"extra_snippets", "url", "page_age"})
	assert.NotContains(t, filtered, "noise")
	assert.Contains(t, filtered, "https://go.dev", "url always survives")
	assert.Contains(t, filtered, "page_age", "page_age always survives")
}

func TestFilterForInferenceTopLevel(t *testing.T) {
	content := toon.Encode(map[string]any{
		"status":   "created",
		"internal": "hidden",
	})

	filtered := FilterForInference(content, []string{"internal"})
	assert.NotContains(t, filtered, "hidden")
	assert.Contains(t, filtered, "status: created")
}

func TestFilterForInferenceNoIgnores(t *testing.T) {
	content := "anything"
	assert.Equal(t, content, FilterForInference(content, nil))
}
