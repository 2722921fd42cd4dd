package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllModelsFailed reports that every model in the fallback chain was
// unusable. Matched with errors.Is by the session layer.
var ErrAllModelsFailed = errors.New("all models failed")

// StreamWithFallback tries each model reference in order and returns the
// first usable stream together with the reference that produced it.
//
// A model is skipped when stream creation fails synchronously or when the
// very first chunk is an ErrorChunk, meaning the provider rejected the call
// before producing content. An ErrorChunk after content has flowed is not a
// fallback case; it is forwarded so the caller can salvage the partial turn.
func (r *Registry) StreamWithFallback(ctx context.Context, refs []string, req Request) (<-chan Chunk, string, error) {
	var lastErr error
	for _, ref := range refs {
		client, model, err := r.Resolve(ref)
		if err != nil {
			r.logger.Warn("Skipping unresolvable model reference", "model", ref, "error", err)
			lastErr = err
			continue
		}

		attempt := req
		attempt.Model = model
		stream, err := client.Stream(ctx, attempt)
		if err != nil {
			r.logger.Warn("Stream creation failed, trying next model", "model", ref, "error", err)
			lastErr = err
			continue
		}

		first, ok := <-stream
		if !ok {
			// Closed without a single chunk. Not a provider failure; the
			// caller decides what an empty response means.
			empty := make(chan Chunk)
			close(empty)
			return empty, ref, nil
		}
		if ec, failed := first.(ErrorChunk); failed {
			r.logger.Warn("Stream failed before any content, trying next model", "model", ref, "error", ec.Err)
			lastErr = ec.Err
			for range stream {
			}
			continue
		}

		out := make(chan Chunk, 1)
		out <- first
		go func() {
			defer close(out)
			for c := range stream {
				if !send(ctx, out, c) {
					return
				}
			}
		}()
		return out, ref, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no model references provided")
	}
	return nil, "", fmt.Errorf("%w: %w", ErrAllModelsFailed, lastErr)
}
