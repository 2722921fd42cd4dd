package models

// Role identifies the author of a conversation message.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Provider tags which LLM SDK produced a value. Tool calls must carry their
// provider so arguments serialize back correctly on the next turn.
type Provider string

// LLM providers.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Message is one entry in the per-turn conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// IgnoreFieldsForInference lists result fields stripped from this tool
	// response before the current iteration's LLM call. The unfiltered
	// content is what chat history keeps.
	IgnoreFieldsForInference []string `json:"ignore_fields_for_inference,omitempty"`
}

// ToolCall is one function call parsed from an LLM response.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	// ThoughtSignature is an opaque provider token that must round-trip
	// with the assistant message on the next turn.
	ThoughtSignature string   `json:"thought_signature,omitempty"`
	Provider         Provider `json:"provider,omitempty"`
}

// Usage is the provider-tagged token accounting for one LLM turn.
type Usage struct {
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`

	// Anthropic-only cache accounting; zero for other providers.
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// TotalTokens returns the combined token count for logging.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}
