package urlcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
)

const correctionSystem = `You fix broken links in an assistant response. Rewrite the response so it no longer cites the broken URLs: replace each with a working alternative when you are confident one exists, otherwise drop the link and keep the surrounding text coherent. Preserve everything else exactly, including markdown structure and any fenced reference blocks. Output only the corrected response.`

// Corrector rewrites a finished response whose links failed validation.
type Corrector struct {
	registry *llm.Registry
	logger   *slog.Logger
}

// NewCorrector creates a corrector running against the given provider
// registry.
func NewCorrector(registry *llm.Registry, logger *slog.Logger) *Corrector {
	return &Corrector{
		registry: registry,
		logger:   logger.With("component", "url_corrector"),
	}
}

// Correct runs one tool-free call on the model that served the original
// response and returns the corrected text. The caller keeps the original on
// error.
func (c *Corrector) Correct(ctx context.Context, modelRef, response, userMessage string, broken []string) (string, error) {
	stream, _, err := c.registry.StreamWithFallback(ctx, []string{modelRef}, llm.Request{
		System: correctionSystem,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: correctionPrompt(response, userMessage, broken)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("start correction call: %w", err)
	}

	var sb strings.Builder
	for chunk := range stream {
		switch ch := chunk.(type) {
		case llm.TextChunk:
			sb.WriteString(ch.Text)
		case llm.ErrorChunk:
			return "", fmt.Errorf("correction stream failed: %w", ch.Err)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("correction call produced no text")
	}
	c.logger.Info("response corrected for broken links", "broken_urls", len(broken))
	return text, nil
}

func correctionPrompt(response, userMessage string, broken []string) string {
	var sb strings.Builder
	sb.WriteString("The user asked:\n")
	sb.WriteString(userMessage)
	sb.WriteString("\n\nThe assistant answered:\n")
	sb.WriteString(response)
	sb.WriteString("\n\nThese URLs in the answer are broken:\n")
	for _, url := range broken {
		sb.WriteString("- ")
		sb.WriteString(url)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRewrite the answer without the broken links.")
	return sb.String()
}
