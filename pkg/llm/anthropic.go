package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/heymates/maestro/pkg/models"
)

// anthropicDefaultMaxTokens caps completions when the request does not set a
// limit. The Messages API rejects requests without max_tokens.
const anthropicDefaultMaxTokens = 8192

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	msg *sdk.MessageService
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*[]option.RequestOption)

// WithAnthropicBaseURL overrides the API base URL, primarily for tests.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// NewAnthropicClient builds an Anthropic-backed client.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	ac := sdk.NewClient(reqOpts...)
	return &AnthropicClient{msg: &ac.Messages}
}

// Provider implements Client.
func (c *AnthropicClient) Provider() models.Provider {
	return models.ProviderAnthropic
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		p := anthropicProcessor{model: req.Model}
		for stream.Next() {
			for _, c := range p.handle(stream.Current()) {
				if !send(ctx, out, c) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, ErrorChunk{Err: fmt.Errorf("anthropic: stream: %w", err)})
		}
	}()

	return out, nil
}

// anthropicProcessor folds Messages API stream events into chunks. Tool input
// arrives as JSON fragments per content block and is assembled on block stop.
type anthropicProcessor struct {
	model     string
	tools     map[int]*anthropicToolBuffer
	signature string
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *anthropicToolBuffer) arguments() string {
	joined := strings.Join(b.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func (p *anthropicProcessor) handle(event sdk.MessageStreamEventUnion) []Chunk {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.tools = make(map[int]*anthropicToolBuffer)
		p.signature = ""
		return nil

	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if p.tools == nil {
				p.tools = make(map[int]*anthropicToolBuffer)
			}
			p.tools[int(ev.Index)] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return []Chunk{TextChunk{Text: delta.Text}}
		case sdk.InputJSONDelta:
			if tb := p.tools[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return []Chunk{ThinkingChunk{Text: delta.Thinking}}
		case sdk.SignatureDelta:
			if delta.Signature == "" {
				return nil
			}
			p.signature = delta.Signature
			return []Chunk{SignatureChunk{Signature: delta.Signature}}
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		tb := p.tools[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(p.tools, int(ev.Index))
		return []Chunk{ToolCallChunk{Call: models.ToolCall{
			ID:               tb.id,
			Name:             tb.name,
			Arguments:        tb.arguments(),
			ThoughtSignature: p.signature,
			Provider:         models.ProviderAnthropic,
		}}}

	case sdk.MessageDeltaEvent:
		return []Chunk{UsageChunk{Usage: models.Usage{
			Provider:                 models.ProviderAnthropic,
			Model:                    p.model,
			InputTokens:              int(ev.Usage.InputTokens),
			OutputTokens:             int(ev.Usage.OutputTokens),
			CacheReadInputTokens:     int(ev.Usage.CacheReadInputTokens),
			CacheCreationInputTokens: int(ev.Usage.CacheCreationInputTokens),
		}}}
	}
	return nil
}

func buildAnthropicParams(req Request) (sdk.MessageNewParams, error) {
	msgs, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	// ToolChoiceNone forces a text-only turn by not binding tools at all.
	if req.ToolChoice != ToolChoiceNone {
		for _, td := range req.Tools {
			u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: td.Parameters}, td.Name)
			if u.OfTool != nil && td.Description != "" {
				u.OfTool.Description = sdk.String(td.Description)
			}
			params.Tools = append(params.Tools, u)
		}
	}

	return params, nil
}

// convertAnthropicMessages maps the conversation onto alternating Messages API
// turns. Consecutive tool results collapse into a single user turn; thinking
// blocks are not re-encoded.
func convertAnthropicMessages(messages []models.Message) ([]sdk.MessageParam, error) {
	var (
		out         []sdk.MessageParam
		toolResults []sdk.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(toolResults) > 0 {
			out = append(out, sdk.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			return nil, fmt.Errorf("anthropic: system messages belong in the system prompt")

		case models.RoleUser:
			flushResults()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))

		case models.RoleAssistant:
			flushResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))

		case models.RoleTool:
			toolResults = append(toolResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))

		default:
			return nil, fmt.Errorf("anthropic: unknown message role %q", m.Role)
		}
	}
	flushResults()

	return out, nil
}
