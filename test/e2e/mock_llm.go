package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
)

// ScriptedLLMClient replays canned chunk streams turn by turn and records
// every request it served. A Stream call with no scripted turns left fails
// at creation, which is also how tests script a model that is down.
type ScriptedLLMClient struct {
	mu       sync.Mutex
	turns    [][]llm.Chunk
	requests []llm.Request
}

// NewScriptedLLMClient creates an empty scripted client. Script turns
// before submitting the task that consumes them.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{}
}

func (c *ScriptedLLMClient) Provider() models.Provider { return models.ProviderOpenAI }

func (c *ScriptedLLMClient) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.turns) == 0 {
		return nil, fmt.Errorf("no scripted turns left (request %d)", len(c.requests))
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	out := make(chan llm.Chunk, len(turn))
	for _, chunk := range turn {
		out <- chunk
	}
	close(out)
	return out, nil
}

// Script replaces the remaining turns.
func (c *ScriptedLLMClient) Script(turns ...[]llm.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = turns
}

// RequestCount returns how many Stream calls were made so far.
func (c *ScriptedLLMClient) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Request returns the i-th recorded request, failing the test when fewer
// calls were made.
func (c *ScriptedLLMClient) Request(t *testing.T, i int) llm.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.requests), i, "model request %d was never made", i)
	return c.requests[i]
}

// BlockingLLMClient emits its chunks, then holds the stream open until the
// request context is cancelled. Simulates a model turn interrupted by
// revocation.
type BlockingLLMClient struct {
	Chunks []llm.Chunk
}

func (c *BlockingLLMClient) Provider() models.Provider { return models.ProviderOpenAI }

func (c *BlockingLLMClient) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, chunk := range c.Chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}
