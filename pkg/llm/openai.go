package llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/heymates/maestro/pkg/models"
)

// OpenAIClient implements Client using the OpenAI Chat Completions API.
type OpenAIClient struct {
	client oai.Client
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*[]option.RequestOption)

// WithOpenAIBaseURL overrides the API base URL, primarily for tests.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// NewOpenAIClient builds an OpenAI-backed client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &OpenAIClient{client: oai.NewClient(reqOpts...)}
}

// Provider implements Client.
func (c *OpenAIClient) Provider() models.Provider {
	return models.ProviderOpenAI
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		acc := oai.ChatCompletionAccumulator{}
		emitted := make(map[string]bool)

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if tool, ok := acc.JustFinishedToolCall(); ok {
				emitted[tool.ID] = true
				if !send(ctx, out, ToolCallChunk{Call: models.ToolCall{
					ID:        tool.ID,
					Name:      tool.Name,
					Arguments: tool.Arguments,
					Provider:  models.ProviderOpenAI,
				}}) {
					return
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !send(ctx, out, TextChunk{Text: text}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, out, ErrorChunk{Err: fmt.Errorf("openai: stream: %w", err)})
			return
		}

		// Gateways may deliver a complete tool call in one chunk, which the
		// accumulator never reports as just-finished.
		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				if emitted[tc.ID] || tc.Function.Name == "" {
					continue
				}
				if !send(ctx, out, ToolCallChunk{Call: models.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
					Provider:  models.ProviderOpenAI,
				}}) {
					return
				}
			}
		}

		if acc.Usage.TotalTokens > 0 {
			send(ctx, out, UsageChunk{Usage: models.Usage{
				Provider:     models.ProviderOpenAI,
				Model:        req.Model,
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
			}})
		}
	}()

	return out, nil
}

func buildOpenAIParams(req Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msg, err := convertOpenAIMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: oai.Bool(true),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	// ToolChoiceNone forces a text-only turn by not binding tools at all.
	if req.ToolChoice != ToolChoiceNone {
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        td.Name,
					Description: param.NewOpt(td.Description),
					Parameters:  shared.FunctionParameters(td.Parameters),
				},
			})
		}
	}

	return params, nil
}

func convertOpenAIMessage(m models.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case models.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case models.RoleUser:
		return oai.UserMessage(m.Content), nil

	case models.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case models.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// send delivers a chunk unless the context is cancelled. Returns false when
// the caller should stop producing.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
