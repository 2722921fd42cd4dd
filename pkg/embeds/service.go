// Package embeds owns the embed lifecycle: placeholders created the moment
// a tool call is parsed, in-place updates when results or errors arrive,
// composite parent/child expansion, and the reference resolution applied to
// message content. Embed content is TOON-encoded, encrypted under the
// user's vault key at rest, and pushed to the client in plaintext exactly
// once per terminal state.
package embeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/crypto"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/toon"
)

// ErrEmbedNotFound is returned when an update targets an embed id that is
// no longer in cache.
var ErrEmbedNotFound = errors.New("embed not found in cache")

// signedURLTTL bounds presigned links handed to the client for image files.
const signedURLTTL = time.Hour

// compositeSkills maps the skills whose results expand into child embeds to
// the child type their rows produce.
var compositeSkills = map[string]models.EmbedType{
	"search":        models.EmbedTypeWebsite,
	"places_search": models.EmbedTypePlace,
	"events_search": models.EmbedTypeEvent,
}

// FileSigner produces presigned GET URLs for stored files. Image skills
// return s3 file keys the client cannot fetch without one.
type FileSigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Identity threads the session identity every embed operation needs: raw
// ids for the client payload, hashes for the cache record, and the vault
// key the content is encrypted under.
type Identity struct {
	ChatID     string
	MessageID  string
	TaskID     string
	UserID     string
	UserIDHash string
	VaultKeyID string
}

// Service implements the embed lifecycle over the cache and the event
// publisher.
type Service struct {
	cache     *cache.Service
	crypto    crypto.Service
	publisher *events.Publisher
	signer    FileSigner
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithFileSigner enables presigned URL generation for rows carrying s3
// file keys.
func WithFileSigner(signer FileSigner) Option {
	return func(s *Service) { s.signer = signer }
}

// NewService creates the embed service.
func NewService(cacheSvc *cache.Service, cryptoSvc crypto.Service, publisher *events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cache:     cacheSvc,
		crypto:    cryptoSvc,
		publisher: publisher,
		logger:    logger.With("component", "embeds"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSkillPlaceholder creates the processing embed for one skill call
// and allocates its skill task id, the handle later cancel signals target.
// Metadata fields (query, url, provider, languages) pass through to the
// content so the client renders a meaningful card while the skill runs.
func (s *Service) CreateSkillPlaceholder(ctx context.Context, id Identity, appID, skillID string, metadata map[string]any) (*models.Embed, error) {
	content := map[string]any{
		"app_id":   appID,
		"skill_id": skillID,
		"status":   string(models.EmbedStatusProcessing),
	}
	mergeMissing(content, metadata)

	embed := s.newEmbed(id, models.EmbedTypeAppSkillUse)
	embed.SkillTaskID = s.newID()
	plain, err := s.fill(id, embed, content)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, id, embed); err != nil {
		return nil, err
	}
	s.send(ctx, id, embed, plain)
	return embed, nil
}

// CreateCodePlaceholder creates the processing embed backing a streamed
// code block.
func (s *Service) CreateCodePlaceholder(ctx context.Context, id Identity, language, filename string) (*models.Embed, error) {
	embed := s.newEmbed(id, models.EmbedTypeCode)
	plain, err := s.fill(id, embed, codeContent(language, filename, "", models.EmbedStatusProcessing))
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, id, embed); err != nil {
		return nil, err
	}
	s.send(ctx, id, embed, plain)
	return embed, nil
}

// CreateFinishedCodeEmbed creates a code embed already in its terminal
// state, used when an entire fenced block arrived within one fragment and
// a placeholder would be immediately overwritten.
func (s *Service) CreateFinishedCodeEmbed(ctx context.Context, id Identity, language, filename, code string) (*models.Embed, error) {
	embed := s.newEmbed(id, models.EmbedTypeCode)
	embed.Status = models.EmbedStatusFinished
	plain, err := s.fill(id, embed, codeContent(language, filename, code, models.EmbedStatusFinished))
	if err != nil {
		return nil, err
	}
	s.send(ctx, id, embed, plain)
	if err := s.store(ctx, id, embed); err != nil {
		return nil, err
	}
	return embed, nil
}

// CreateFocusActivation creates the countdown embed the client renders
// while a focus-mode activation awaits confirmation.
func (s *Service) CreateFocusActivation(ctx context.Context, id Identity, focusID, focusName string, countdown time.Duration) (*models.Embed, error) {
	content := map[string]any{
		"focus_id":          focusID,
		"focus_name":        focusName,
		"countdown_seconds": int(countdown.Seconds()),
		"status":            string(models.EmbedStatusProcessing),
	}
	embed := s.newEmbed(id, models.EmbedTypeFocusModeActivation)
	plain, err := s.fill(id, embed, content)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, id, embed); err != nil {
		return nil, err
	}
	s.send(ctx, id, embed, plain)
	return embed, nil
}

// UpdateCodeContent rewrites a code embed with accumulated code. When
// checkCacheStatus is set, a terminal status is not re-sent if the cached
// record already reached one; callers that rewrote the cache to finished
// within the same operation pass false to bypass the check.
func (s *Service) UpdateCodeContent(ctx context.Context, id Identity, embedID, code string, status models.EmbedStatus, checkCacheStatus bool) error {
	embed, ok, err := s.cache.GetEmbed(ctx, embedID)
	if err != nil {
		return fmt.Errorf("load code embed %s: %w", embedID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEmbedNotFound, embedID)
	}

	var language, filename string
	if old, err := s.decryptContent(id, embed); err == nil {
		language, _ = old["language"].(string)
		filename, _ = old["filename"].(string)
	} else {
		s.logger.Warn("Code embed content unreadable, language and filename lost",
			"embed_id", embedID, "error", err)
	}

	skipSend := checkCacheStatus && embed.Status.IsTerminal() && status.IsTerminal()

	embed.Status = status
	plain, err := s.fill(id, embed, codeContent(language, filename, code, status))
	if err != nil {
		return err
	}
	if !skipSend {
		s.send(ctx, id, embed, plain)
	}
	return s.store(ctx, id, embed)
}

// ResultsUpdate carries a completed skill call back into its placeholder.
type ResultsUpdate struct {
	AppID   string
	SkillID string

	// Results preserves the dispatcher shape: grouped elements for
	// composite skills, one element per request otherwise.
	Results []map[string]any

	// Metadata restores the request fields the placeholder carried.
	Metadata map[string]any
}

// UpdateOutcome reports what UpdateWithResults emitted so the caller can
// decide whether an embed_update event is still owed.
type UpdateOutcome struct {
	EmbedID       string
	Status        models.EmbedStatus
	ChildEmbedIDs []string

	// SentEmbedData is set when the terminal send_embed_data already went
	// out inside this call; emitting embed_update on top of it would
	// double-process on the client.
	SentEmbedData bool
}

// UpdateWithResults rewrites a placeholder with skill results. Composite
// skills expand into one child embed per result row before the parent is
// rewritten with the child ids; the parent event is sent before its cache
// write so the dedup check cannot swallow it.
func (s *Service) UpdateWithResults(ctx context.Context, id Identity, embedID string, upd ResultsUpdate) (*UpdateOutcome, error) {
	embed, ok, err := s.cache.GetEmbed(ctx, embedID)
	if err != nil {
		return nil, fmt.Errorf("load embed %s: %w", embedID, err)
	}
	if !ok {
		s.logger.Warn("Placeholder missing from cache, recreating", "embed_id", embedID)
		embed = s.newEmbed(id, models.EmbedTypeAppSkillUse)
		embed.ID = embedID
	}

	if childType, composite := compositeSkills[upd.SkillID]; composite {
		return s.updateComposite(ctx, id, embed, childType, upd)
	}
	return s.updateSimple(ctx, id, embed, upd)
}

func (s *Service) updateComposite(ctx context.Context, id Identity, parent *models.Embed, childType models.EmbedType, upd ResultsUpdate) (*UpdateOutcome, error) {
	rows := groupedRows(upd.Results)

	// Children first: they reference the already-allocated parent id and
	// must exist before the parent lists them.
	childIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		child := s.newEmbed(id, childType)
		child.ParentEmbedID = parent.ID
		child.Status = models.EmbedStatusFinished
		plain, err := s.fill(id, child, Flatten(row))
		if err != nil {
			return nil, err
		}
		if err := s.store(ctx, id, child); err != nil {
			return nil, err
		}
		s.send(ctx, id, child, plain)
		childIDs = append(childIDs, child.ID)
	}

	content := map[string]any{
		"app_id":       upd.AppID,
		"skill_id":     upd.SkillID,
		"status":       string(models.EmbedStatusFinished),
		"result_count": len(rows),
	}
	mergeMissing(content, upd.Metadata)

	skipSend := parent.Status.IsTerminal()
	parent.Status = models.EmbedStatusFinished
	parent.EmbedIDs = childIDs
	plain, err := s.fill(id, parent, content)
	if err != nil {
		return nil, err
	}
	if !skipSend {
		s.send(ctx, id, parent, plain)
	}
	if err := s.store(ctx, id, parent); err != nil {
		return nil, err
	}

	return &UpdateOutcome{
		EmbedID:       parent.ID,
		Status:        parent.Status,
		ChildEmbedIDs: childIDs,
		SentEmbedData: !skipSend,
	}, nil
}

func (s *Service) updateSimple(ctx context.Context, id Identity, embed *models.Embed, upd ResultsUpdate) (*UpdateOutcome, error) {
	rows := FlattenRows(groupedRows(upd.Results))
	s.signFileKeys(ctx, embed.ID, rows)

	asAny := make([]any, len(rows))
	for i, row := range rows {
		asAny[i] = row
	}
	content := map[string]any{
		"app_id":       upd.AppID,
		"skill_id":     upd.SkillID,
		"status":       string(models.EmbedStatusFinished),
		"result_count": len(rows),
		"results":      asAny,
	}
	mergeMissing(content, upd.Metadata)

	skipSend := embed.Status.IsTerminal()
	embed.Status = models.EmbedStatusFinished
	plain, err := s.fill(id, embed, content)
	if err != nil {
		return nil, err
	}
	if !skipSend {
		s.send(ctx, id, embed, plain)
	}
	if err := s.store(ctx, id, embed); err != nil {
		return nil, err
	}

	return &UpdateOutcome{
		EmbedID:       embed.ID,
		Status:        embed.Status,
		SentEmbedData: !skipSend,
	}, nil
}

// UpdateStatus rewrites an embed's status in place, preserving the rest of
// its content. Extra fields merge into the content.
func (s *Service) UpdateStatus(ctx context.Context, id Identity, embedID string, status models.EmbedStatus, extra map[string]any) error {
	embed, ok, err := s.cache.GetEmbed(ctx, embedID)
	if err != nil {
		return fmt.Errorf("load embed %s: %w", embedID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEmbedNotFound, embedID)
	}

	content, err := s.decryptContent(id, embed)
	if err != nil {
		s.logger.Warn("Embed content unreadable during status update",
			"embed_id", embedID, "error", err)
		content = map[string]any{}
	}
	content["status"] = string(status)
	for k, v := range extra {
		content[k] = v
	}

	skipSend := embed.Status.IsTerminal() && status.IsTerminal()
	embed.Status = status
	plain, err := s.fill(id, embed, content)
	if err != nil {
		return err
	}
	if !skipSend {
		s.send(ctx, id, embed, plain)
	}
	return s.store(ctx, id, embed)
}

// UpdateStatusToError marks a failed skill call. The original metadata
// stays in the content so the client still shows what was attempted.
func (s *Service) UpdateStatusToError(ctx context.Context, id Identity, embedID, message string) error {
	return s.UpdateStatus(ctx, id, embedID, models.EmbedStatusError, map[string]any{"error": message})
}

// PublishUpdate emits an embed_update event for embeds whose terminal
// send_embed_data was not produced in the same call.
func (s *Service) PublishUpdate(ctx context.Context, id Identity, outcome *UpdateOutcome) {
	err := s.publisher.PublishEmbedUpdate(ctx, events.EmbedUpdatePayload{
		EmbedID:       outcome.EmbedID,
		ChatID:        id.ChatID,
		MessageID:     id.MessageID,
		UserIDUUID:    id.UserID,
		UserIDHash:    id.UserIDHash,
		Status:        outcome.Status,
		ChildEmbedIDs: outcome.ChildEmbedIDs,
	})
	if err != nil {
		s.logger.Warn("Publish embed_update failed", "embed_id", outcome.EmbedID, "error", err)
	}
}

// newEmbed allocates an embed bound to the session identity hashes.
func (s *Service) newEmbed(id Identity, typ models.EmbedType) *models.Embed {
	now := s.now().UTC()
	return &models.Embed{
		ID:            s.newID(),
		Type:          typ,
		Status:        models.EmbedStatusProcessing,
		ChatIDHash:    models.HashID(id.ChatID),
		MessageIDHash: models.HashID(id.MessageID),
		TaskIDHash:    models.HashID(id.TaskID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// fill TOON-encodes and encrypts the content onto the embed record and
// returns the plaintext for the matching send.
func (s *Service) fill(id Identity, embed *models.Embed, content map[string]any) (string, error) {
	plain := toon.Encode(content)
	encrypted, err := s.crypto.EncryptWithUserKey(plain, id.VaultKeyID)
	if err != nil {
		return "", fmt.Errorf("encrypt embed %s: %w", embed.ID, err)
	}
	embed.Content = encrypted
	embed.TextLengthChars = len(plain)
	embed.UpdatedAt = s.now().UTC()
	return plain, nil
}

func (s *Service) decryptContent(id Identity, embed *models.Embed) (map[string]any, error) {
	plain, err := s.crypto.DecryptWithUserKey(embed.Content, id.VaultKeyID)
	if err != nil {
		return nil, err
	}
	return toon.Decode(plain)
}

func (s *Service) store(ctx context.Context, id Identity, embed *models.Embed) error {
	if err := s.cache.StoreEmbed(ctx, id.ChatID, embed); err != nil {
		return fmt.Errorf("store embed %s: %w", embed.ID, err)
	}
	return nil
}

// send pushes the plaintext to the owning user's channel. Publish failures
// are logged, not propagated: the cache record is the ledger and the client
// reconciles from it.
func (s *Service) send(ctx context.Context, id Identity, embed *models.Embed, plain string) {
	data := events.EmbedData{
		EmbedID:         embed.ID,
		Type:            embed.Type,
		Content:         plain,
		Status:          embed.Status,
		ChatID:          id.ChatID,
		MessageID:       id.MessageID,
		UserID:          id.UserID,
		TextLengthChars: embed.TextLengthChars,
		CreatedAt:       embed.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       embed.UpdatedAt.UTC().Format(time.RFC3339),
		TaskID:          id.TaskID,
		EmbedIDs:        embed.EmbedIDs,
		ParentEmbedID:   embed.ParentEmbedID,
	}
	if err := s.publisher.PublishSendEmbedData(ctx, id.UserIDHash, data); err != nil {
		s.logger.Warn("Publish send_embed_data failed", "embed_id", embed.ID, "error", err)
	}
}

// signFileKeys swaps s3 file keys for presigned URLs and records the keys
// for the 1h re-signing window.
func (s *Service) signFileKeys(ctx context.Context, embedID string, rows []map[string]any) {
	if s.signer == nil {
		return
	}
	var keys []string
	for _, row := range rows {
		key, ok := row["s3_file_key"].(string)
		if !ok || key == "" {
			continue
		}
		url, err := s.signer.PresignGet(ctx, key, signedURLTTL)
		if err != nil {
			s.logger.Warn("Presign file key failed", "embed_id", embedID, "key", key, "error", err)
			continue
		}
		row["url"] = url
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		if err := s.cache.StoreS3FileKeys(ctx, embedID, keys); err != nil {
			s.logger.Warn("Store s3 file keys failed", "embed_id", embedID, "error", err)
		}
	}
}

func codeContent(language, filename, code string, status models.EmbedStatus) map[string]any {
	return map[string]any{
		"type":       "code",
		"language":   language,
		"filename":   filename,
		"code":       code,
		"status":     string(status),
		"line_count": countCodeLines(code),
	}
}

func countCodeLines(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}

// groupedRows unwraps composite grouping: elements carrying nested results
// contribute their rows, plain elements pass through.
func groupedRows(results []map[string]any) []map[string]any {
	rows := make([]map[string]any, 0, len(results))
	for _, element := range results {
		nested, ok := element["results"].([]any)
		if !ok {
			rows = append(rows, element)
			continue
		}
		for _, item := range nested {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	}
	return rows
}

func mergeMissing(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if _, taken := dst[k]; !taken {
			dst[k] = v
		}
	}
}
