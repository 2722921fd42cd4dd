package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/models"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		provider models.Provider
		model    string
		wantErr  bool
	}{
		{name: "openai", ref: "openai/gpt-4.1", provider: models.ProviderOpenAI, model: "gpt-4.1"},
		{name: "anthropic", ref: "anthropic/claude-sonnet-4-5", provider: models.ProviderAnthropic, model: "claude-sonnet-4-5"},
		{name: "splits on first slash only", ref: "openai/ft:gpt-4.1/org", provider: models.ProviderOpenAI, model: "ft:gpt-4.1/org"},
		{name: "missing separator", ref: "gpt-4.1", wantErr: true},
		{name: "empty provider", ref: "/gpt-4.1", wantErr: true},
		{name: "empty model", ref: "openai/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model, err := ParseModelRef(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	openai := &fakeClient{provider: models.ProviderOpenAI}
	reg := NewRegistry(openai)

	client, model, err := reg.Resolve("openai/gpt-4.1")
	require.NoError(t, err)
	assert.Same(t, openai, client.(*fakeClient))
	assert.Equal(t, "gpt-4.1", model)

	_, _, err = reg.Resolve("anthropic/claude-sonnet-4-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client configured")
}

// fakeClient lets fallback tests script stream behavior per provider.
type fakeClient struct {
	provider models.Provider
	stream   func(ctx context.Context, req Request) (<-chan Chunk, error)
}

func (f *fakeClient) Provider() models.Provider { return f.provider }

func (f *fakeClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return f.stream(ctx, req)
}

// chunkStream returns a closed channel pre-loaded with the given chunks.
func chunkStream(chunks ...Chunk) <-chan Chunk {
	out := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out
}

func collectChunks(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	return got
}
