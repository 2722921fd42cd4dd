// Package llm streams model turns from OpenAI and Anthropic as a single
// classified chunk sequence, with model fallback and history truncation.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/heymates/maestro/pkg/models"
)

// ToolChoice controls whether the model may call tools this turn.
type ToolChoice string

// Tool choice modes.
const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// ToolDefinition is one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one streaming model call.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
}

// Client streams one model turn as classified chunks. An immediate error
// covers request-building and stream-creation failures the SDK surfaces
// synchronously; anything later arrives as an ErrorChunk.
type Client interface {
	Provider() models.Provider
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ParseModelRef splits a model reference like "openai/gpt-4.1" into its
// provider id and bare model name. The suffix is also the path segment used
// by the internal pricing endpoints.
func ParseModelRef(ref string) (models.Provider, string, error) {
	provider, model, found := strings.Cut(ref, "/")
	if !found || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model reference %q, want provider/model", ref)
	}
	return models.Provider(provider), model, nil
}

// Registry routes model references to provider clients.
type Registry struct {
	clients map[models.Provider]Client
	logger  *slog.Logger
}

// NewRegistry builds a registry from the given provider clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{
		clients: make(map[models.Provider]Client, len(clients)),
		logger:  slog.With("component", "llm.registry"),
	}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Resolve returns the client for a model reference plus the bare model name
// to pass in the request.
func (r *Registry) Resolve(ref string) (Client, string, error) {
	provider, model, err := ParseModelRef(ref)
	if err != nil {
		return nil, "", err
	}
	client, ok := r.clients[provider]
	if !ok {
		return nil, "", fmt.Errorf("no client configured for provider %q", provider)
	}
	return client, model, nil
}
