package session

import (
	"context"

	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/models"
)

// embedCodeSink binds the extractor's code-embed lifecycle to the embed
// service under one session's identity.
type embedCodeSink struct {
	embeds *embeds.Service
	id     embeds.Identity
}

func (s *embedCodeSink) OpenCodeEmbed(ctx context.Context, language, filename string) (string, error) {
	embed, err := s.embeds.CreateCodePlaceholder(ctx, s.id, language, filename)
	if err != nil {
		return "", err
	}
	return embed.ID, nil
}

func (s *embedCodeSink) UpdateCodeEmbed(ctx context.Context, embedID, code string) error {
	return s.embeds.UpdateCodeContent(ctx, s.id, embedID, code, models.EmbedStatusProcessing, true)
}

func (s *embedCodeSink) FinalizeCodeEmbed(ctx context.Context, embedID, code string) error {
	return s.embeds.UpdateCodeContent(ctx, s.id, embedID, code, models.EmbedStatusFinished, true)
}

func (s *embedCodeSink) CreateFinishedCodeEmbed(ctx context.Context, language, filename, code string) (string, error) {
	embed, err := s.embeds.CreateFinishedCodeEmbed(ctx, s.id, language, filename, code)
	if err != nil {
		return "", err
	}
	return embed.ID, nil
}
