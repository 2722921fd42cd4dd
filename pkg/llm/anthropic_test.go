package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/models"
)

func TestBuildAnthropicParams(t *testing.T) {
	req := Request{
		Model:  "claude-sonnet-4-5",
		System: "be brief",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
		},
		Temperature: 0.7,
		Tools: []ToolDefinition{
			{Name: "search", Description: "Web search", Parameters: map[string]any{"type": "object"}},
		},
	}

	params, err := buildAnthropicParams(req)
	require.NoError(t, err)

	assert.EqualValues(t, anthropicDefaultMaxTokens, params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)

	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "search", params.Tools[0].OfTool.Name)
}

func TestBuildAnthropicParamsToolChoiceNoneDropsTools(t *testing.T) {
	req := Request{
		Model:      "claude-sonnet-4-5",
		Messages:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tools:      []ToolDefinition{{Name: "search", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: ToolChoiceNone,
	}

	params, err := buildAnthropicParams(req)
	require.NoError(t, err)
	assert.Empty(t, params.Tools)
}

func TestConvertAnthropicMessagesMergesToolResults(t *testing.T) {
	msgs, err := convertAnthropicMessages([]models.Message{
		{Role: models.RoleUser, Content: "find things"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tu-1", Name: "search", Arguments: `{"requests":[{"query":"a"}]}`},
			{ID: "tu-2", Name: "news_search", Arguments: `{"requests":[{"query":"b"}]}`},
		}},
		{Role: models.RoleTool, ToolCallID: "tu-1", Content: `{"status":"finished"}`},
		{Role: models.RoleTool, ToolCallID: "tu-2", Content: `{"status":"finished"}`},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.EqualValues(t, "user", msgs[0].Role)

	assert.EqualValues(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	require.NotNil(t, msgs[1].Content[0].OfToolUse)
	assert.Equal(t, "search", msgs[1].Content[0].OfToolUse.Name)

	// Consecutive tool results collapse into a single user turn.
	assert.EqualValues(t, "user", msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	require.NotNil(t, msgs[2].Content[0].OfToolResult)
	assert.Equal(t, "tu-1", msgs[2].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "tu-2", msgs[2].Content[1].OfToolResult.ToolUseID)
}

func TestConvertAnthropicMessagesRejectsSystemRole(t *testing.T) {
	_, err := convertAnthropicMessages([]models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
	})
	require.Error(t, err)
}

func TestAnthropicToolBufferArguments(t *testing.T) {
	tb := &anthropicToolBuffer{}
	assert.Equal(t, "{}", tb.arguments())

	tb.fragments = []string{`{"requests"`, `:[{"query":"go"}]}`}
	assert.Equal(t, `{"requests":[{"query":"go"}]}`, tb.arguments())
}
