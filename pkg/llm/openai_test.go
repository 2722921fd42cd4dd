package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/models"
)

func TestBuildOpenAIParams(t *testing.T) {
	req := Request{
		Model:  "gpt-4.1",
		System: "be brief",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
		},
		Temperature: 0.7,
		MaxTokens:   1024,
		Tools: []ToolDefinition{
			{Name: "search", Description: "Web search", Parameters: map[string]any{"type": "object"}},
		},
	}

	params, err := buildOpenAIParams(req)
	require.NoError(t, err)

	require.Len(t, params.Messages, 2)
	assert.NotNil(t, params.Messages[0].OfSystem)
	assert.NotNil(t, params.Messages[1].OfUser)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "search", params.Tools[0].Function.Name)

	require.True(t, params.Temperature.Valid())
	assert.Equal(t, 0.7, params.Temperature.Value)
	require.True(t, params.MaxCompletionTokens.Valid())
	assert.EqualValues(t, 1024, params.MaxCompletionTokens.Value)
}

func TestBuildOpenAIParamsToolChoiceNoneDropsTools(t *testing.T) {
	req := Request{
		Model:      "gpt-4.1",
		Messages:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tools:      []ToolDefinition{{Name: "search", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: ToolChoiceNone,
	}

	params, err := buildOpenAIParams(req)
	require.NoError(t, err)
	assert.Empty(t, params.Tools)
}

func TestConvertOpenAIMessageAssistantToolCalls(t *testing.T) {
	msg, err := convertOpenAIMessage(models.Message{
		Role:    models.RoleAssistant,
		Content: "searching now",
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "search", Arguments: `{"requests":[{"query":"go"}]}`},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.OfAssistant)
	require.Len(t, msg.OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call-1", msg.OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "search", msg.OfAssistant.ToolCalls[0].Function.Name)
}

func TestConvertOpenAIMessageToolResult(t *testing.T) {
	msg, err := convertOpenAIMessage(models.Message{
		Role:       models.RoleTool,
		ToolCallID: "call-1",
		Content:    `{"status":"finished"}`,
	})
	require.NoError(t, err)
	require.NotNil(t, msg.OfTool)
	assert.Equal(t, "call-1", msg.OfTool.ToolCallID)
}

func TestConvertOpenAIMessageUnknownRole(t *testing.T) {
	_, err := convertOpenAIMessage(models.Message{Role: "wizard"})
	require.Error(t, err)
}
