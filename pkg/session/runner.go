// Package session owns one assistant turn end to end. The runner gates
// preprocessing rejections, assembles the prompt and toolset, drives the
// tool-calling loop through the streaming pipeline, and settles the turn:
// URL correction, the final marker chunk, chat metadata, persistence
// hand-off, and LLM token billing.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/heymates/maestro/pkg/billing"
	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/crypto"
	"github.com/heymates/maestro/pkg/directus"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/session/loop"
	"github.com/heymates/maestro/pkg/session/prompt"
	"github.com/heymates/maestro/pkg/skills"
	"github.com/heymates/maestro/pkg/stream"
	"github.com/heymates/maestro/pkg/urlcheck"
)

// ServerErrorMessage is the standardized user-safe reply for internal
// failures. Its exact text doubles as the marker that suppresses LLM token
// billing for the turn.
const ServerErrorMessage = "The AI service encountered an error while processing your request. Please try again in a moment."

// legacyErrorPrefix marks error strings older model wrappers stitched into
// response text. Kept for the same billing suppression.
const legacyErrorPrefix = "[ERROR "

// cannedRejectionReply answers harmful- or misuse-flagged requests when
// preprocessing supplied no translated reply of its own.
const cannedRejectionReply = "I can't help with that request. If you believe it was flagged in error, try rephrasing it."

// revocationPollInterval is how often the runner checks the revoke flag
// while the loop streams.
const revocationPollInterval = 500 * time.Millisecond

// ErrRevoked cancels the session context when the user revokes the task.
var ErrRevoked = errors.New("session revoked by user")

// ErrSoftTimeLimit cancels the session context when the turn outlives its
// soft time limit.
var ErrSoftTimeLimit = errors.New("session soft time limit exceeded")

// Scheduler enqueues the deferred work a session hands off: the loop's
// focus tasks plus the persistence writes that settle a finished turn.
type Scheduler interface {
	loop.Scheduler
	EnqueuePersistMessage(ctx context.Context, task models.PersistMessageTask) error
	EnqueuePersistChatMeta(ctx context.Context, task models.PersistChatMetaTask) error
}

// Runner executes session tasks pulled off the queue.
type Runner struct {
	settings  *config.Settings
	apps      *config.AppRegistry
	loop      *loop.Loop
	registry  *llm.Registry
	embeds    *embeds.Service
	billing   *billing.Driver
	cache     *cache.Service
	crypto    crypto.Service
	publisher *events.Publisher
	directus  *directus.Client
	scheduler Scheduler
	prompts   *prompt.Builder
	corrector *urlcheck.Corrector
	logger    *slog.Logger
}

// Deps carries the collaborators a Runner needs.
type Deps struct {
	Settings  *config.Settings
	Config    *config.Config
	Loop      *loop.Loop
	Registry  *llm.Registry
	Embeds    *embeds.Service
	Billing   *billing.Driver
	Cache     *cache.Service
	Crypto    crypto.Service
	Publisher *events.Publisher
	Directus  *directus.Client
	Scheduler Scheduler
	Logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(d Deps) *Runner {
	logger := d.Logger.With("component", "session")
	return &Runner{
		settings:  d.Settings,
		apps:      d.Config.Apps,
		loop:      d.Loop,
		registry:  d.Registry,
		embeds:    d.Embeds,
		billing:   d.Billing,
		cache:     d.Cache,
		crypto:    d.Crypto,
		publisher: d.Publisher,
		directus:  d.Directus,
		scheduler: d.Scheduler,
		prompts:   prompt.NewBuilder(d.Config),
		corrector: urlcheck.NewCorrector(d.Registry, logger),
		logger:    logger,
	}
}

// Outcome summarizes one settled session for the worker's logs and tests.
type Outcome struct {
	Content     string
	Revoked     bool
	SoftLimited bool

	// AwaitingFocusConfirmation marks a turn suspended on a pending focus
	// activation. No final marker was published; the deferred confirm task
	// fires the continuation session that finishes the answer.
	AwaitingFocusConfirmation bool
}

// Run produces one assistant response. It returns an error only when the
// surrounding context was cancelled from outside (worker shutdown) before
// the turn settled; every session-level failure settles gracefully into the
// standardized error reply instead.
func (r *Runner) Run(ctx context.Context, task *models.SessionTask) (*Outcome, error) {
	logger := r.logger.With("task_id", task.TaskID, "chat_id", task.ChatID)
	w := newChunkWriter(r.publisher, task)

	if !task.Preprocessing.CanProceed {
		return r.reject(ctx, logger, w, task)
	}

	// Revocation and the soft time limit cancel the same context; the
	// cause tells the settle phase which flag to raise.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if limit := r.settings.SessionSoftTimeLimit; limit > 0 {
		var cancelLimit context.CancelFunc
		ctx, cancelLimit = context.WithTimeoutCause(ctx, limit, ErrSoftTimeLimit)
		defer cancelLimit()
	}
	r.watchRevocation(ctx, task.TaskID, cancel)

	settings := r.loadAppSettings(ctx, logger, task)

	identity := embeds.Identity{
		ChatID:     task.ChatID,
		MessageID:  task.MessageID,
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		UserIDHash: task.UserIDHash,
		VaultKeyID: task.VaultKeyID,
	}
	validator := urlcheck.NewValidator(ctx, logger)
	pipeline := stream.NewPipeline(
		&embedCodeSink{embeds: r.embeds, id: identity},
		logger, w.emit, validator.Observe,
	)

	result, runErr := r.loop.Run(ctx, loop.Params{
		Task:         task,
		Identity:     identity,
		SystemPrompt: r.prompts.BuildSystemPrompt(task, settings),
		Toolset: skills.Build(r.apps, skills.BuildParams{
			Mate:              task.Mate,
			PreselectedSkills: task.Preprocessing.PreselectedSkills,
			ActiveFocusID:     task.Preprocessing.ActiveFocusID,
		}),
		History: r.buildHistory(ctx, task),
		Sink:    pipeline,
	})

	cause := context.Cause(ctx)
	revoked := errors.Is(cause, ErrRevoked)
	softLimited := errors.Is(cause, ErrSoftTimeLimit)

	// Worker shutdown is not a session outcome; the queue's orphan
	// recovery re-runs the task.
	if runErr != nil && ctx.Err() != nil && !revoked && !softLimited {
		return nil, runErr
	}

	// The turn settles even when its context is gone: flushes, events, and
	// persistence ride a detached context.
	settleCtx := context.WithoutCancel(ctx)
	if err := pipeline.Close(settleCtx); err != nil {
		logger.Warn("Stream pipeline close failed", "error", err)
	}
	for _, rec := range result.ToolResults {
		logger.Debug("Skill call transcript",
			"app_id", rec.AppID, "skill_id", rec.SkillID, "content", rec.Content)
	}

	if result.AwaitingFocusConfirmation {
		logger.Info("Session suspended awaiting focus confirmation")
		r.billUsage(settleCtx, task, result.Usages, w.text())
		return &Outcome{AwaitingFocusConfirmation: true}, nil
	}
	if runErr != nil && !revoked && !softLimited {
		logger.Error("Tool loop failed, settling with the standardized error", "error", runErr)
	}

	content := w.text()
	if !revoked && !softLimited && runErr == nil {
		content = r.correctURLs(settleCtx, logger, w, task, validator, result.ModelRef, content)
	}
	if content == "" && !revoked && !softLimited {
		content = ServerErrorMessage
		if err := w.rewrite(settleCtx, content); err != nil {
			logger.Warn("Synthetic error chunk dropped", "error", err)
		}
	}
	if len(result.FailedEmbedIDs) > 0 {
		content = embeds.StripFailedReferences(content, result.FailedEmbedIDs)
	}

	if err := w.final(settleCtx, content, task.Preprocessing.PrimaryModelName, revoked, softLimited); err != nil {
		logger.Warn("Final marker chunk dropped", "error", err)
	}

	r.settle(settleCtx, logger, task, content)
	r.billUsage(settleCtx, task, result.Usages, content)
	r.dismissAppSettingsDialog(settleCtx, logger, task)

	logger.Info("Session settled",
		"content_chars", len(content), "revoked", revoked, "soft_limited", softLimited)
	return &Outcome{Content: content, Revoked: revoked, SoftLimited: softLimited}, nil
}

// reject short-circuits a preprocessing rejection through the fake-stream
// path: the canned reply rides the same chunk channel as a real response.
func (r *Runner) reject(ctx context.Context, logger *slog.Logger, w *chunkWriter, task *models.SessionTask) (*Outcome, error) {
	reason := task.Preprocessing.RejectionReason
	text := task.Preprocessing.ErrorMessage

	switch reason {
	case models.RejectionHarmful, models.RejectionMisuse:
		// Preprocessing translates the canned reply into the user's
		// language; the constant is the untranslated fallback.
		if text == "" {
			text = cannedRejectionReply
		}
	case models.RejectionInsufficientCredits:
		if text == "" {
			text = ServerErrorMessage
		}
	default:
		text = ServerErrorMessage
	}
	logger.Info("Session rejected before the loop", "reason", string(reason))

	if err := w.emit(ctx, text); err != nil {
		logger.Warn("Rejection chunk dropped", "error", err)
	}
	if err := w.final(ctx, text, task.Preprocessing.PrimaryModelName, false, false); err != nil {
		logger.Warn("Final marker chunk dropped", "error", err)
	}
	r.settle(ctx, logger, task, text)

	if reason == models.RejectionHarmful || reason == models.RejectionMisuse {
		account := billing.Account{UserID: task.UserID, UserIDHash: task.UserIDHash}
		r.billing.ChargeMinimum(ctx, account, "content_policy_rejection")
	}
	return &Outcome{Content: text}, nil
}

// watchRevocation polls the revoke flag until the session context ends.
func (r *Runner) watchRevocation(ctx context.Context, taskID string, cancel context.CancelCauseFunc) {
	go func() {
		ticker := time.NewTicker(revocationPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				revoked, err := r.cache.TaskRevoked(ctx, taskID)
				if err != nil {
					continue
				}
				if revoked {
					cancel(ErrRevoked)
					return
				}
			}
		}
	}()
}

// loadAppSettings fetches and decrypts the app-settings/memories rows the
// preprocessing stage asked for. Any failure degrades to a prompt without
// them.
func (r *Runner) loadAppSettings(ctx context.Context, logger *slog.Logger, task *models.SessionTask) []prompt.Setting {
	keys := task.Preprocessing.AppSettingsKeys
	if len(keys) == 0 {
		return nil
	}
	rows, err := r.directus.GetAppSettings(ctx, task.UserID, keys)
	if err != nil {
		logger.Warn("App settings unavailable, continuing without them", "error", err)
		return nil
	}
	out := make([]prompt.Setting, 0, len(rows))
	for _, row := range rows {
		value, err := r.crypto.DecryptWithUserKey(row.Value, task.VaultKeyID)
		if err != nil {
			logger.Warn("App setting undecryptable, skipped", "key", row.Key, "error", err)
			continue
		}
		out = append(out, prompt.Setting{
			Key:       row.Key,
			AppID:     row.AppID,
			Value:     value,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out
}

// buildHistory resolves embed references in the stored conversation and
// appends the current user message.
func (r *Runner) buildHistory(ctx context.Context, task *models.SessionTask) []models.Message {
	history := make([]models.Message, 0, len(task.History)+1)
	for _, msg := range task.History {
		msg.Content = r.embeds.ResolveInContent(ctx, task.VaultKeyID, msg.Content)
		history = append(history, msg)
	}
	return append(history, models.Message{
		Role:    models.RoleUser,
		Content: r.embeds.ResolveInContent(ctx, task.VaultKeyID, task.UserMessage),
	})
}

// correctURLs rewrites the response through the model when any of its links
// failed the probe. The corrected text is published as one more content
// chunk and replaces the aggregate for billing and persistence.
func (r *Runner) correctURLs(ctx context.Context, logger *slog.Logger, w *chunkWriter, task *models.SessionTask, validator *urlcheck.Validator, modelRef, content string) string {
	if content == "" {
		return content
	}
	broken := validator.Broken()
	if len(broken) == 0 {
		return content
	}
	if modelRef == "" {
		modelRef = task.Preprocessing.PrimaryModelID
	}
	corrected, err := r.corrector.Correct(ctx, modelRef, content, task.UserMessage, broken)
	if err != nil {
		logger.Warn("URL correction failed, response kept as generated",
			"broken_urls", len(broken), "error", err)
		return content
	}
	logger.Info("Broken links corrected", "broken_urls", len(broken))
	if err := w.rewrite(ctx, corrected); err != nil {
		logger.Warn("Correction chunk dropped", "error", err)
	}
	return corrected
}

// settle runs the terminal bookkeeping of a turn: the encrypted cache copy,
// the persistence tasks, and the ai_message_persisted event. The session is
// the sole writer of the chat's messages_v counter.
func (r *Runner) settle(ctx context.Context, logger *slog.Logger, task *models.SessionTask, content string) {
	now := time.Now().UTC()
	messagesV := r.nextMessagesV(ctx, logger, task.ChatID)

	if encrypted, err := r.crypto.EncryptWithUserKey(content, task.VaultKeyID); err != nil {
		logger.Warn("Assistant message encryption failed, cache copy skipped", "error", err)
	} else if err := r.cache.StoreMessage(ctx, task.MessageID, encrypted); err != nil {
		logger.Warn("Assistant message cache write failed", "error", err)
	}

	if err := r.scheduler.EnqueuePersistMessage(ctx, models.PersistMessageTask{
		ChatID:     task.ChatID,
		MessageID:  task.MessageID,
		UserIDHash: task.UserIDHash,
		Role:       models.RoleAssistant,
		Category:   task.Preprocessing.Category,
		Content:    content,
		ModelName:  task.Preprocessing.PrimaryModelName,
		CreatedAt:  now,
	}); err != nil {
		logger.Error("Message persistence enqueue failed", "error", err)
	}
	if err := r.scheduler.EnqueuePersistChatMeta(ctx, models.PersistChatMetaTask{
		ChatID:           task.ChatID,
		MessagesV:        messagesV,
		LastMateCategory: task.Mate.Category,
		LastEditedAt:     now,
	}); err != nil {
		logger.Error("Chat metadata enqueue failed", "error", err)
	}

	if err := r.publisher.PublishMessagePersisted(ctx, events.MessagePersistedPayload{
		Type:           events.EventTypeMessagePersisted,
		EventForClient: true,
		ChatID:         task.ChatID,
		UserIDUUID:     task.UserID,
		UserIDHash:     task.UserIDHash,
		Message: events.PersistedMessage{
			MessageID: task.MessageID,
			ChatID:    task.ChatID,
			Role:      string(models.RoleAssistant),
			Category:  task.Preprocessing.Category,
			Content:   content,
			CreatedAt: now.Format(time.RFC3339),
			Status:    "synced",
			ModelName: task.Preprocessing.PrimaryModelName,
		},
		Versions:                   events.Versions{MessagesV: messagesV},
		LastEditedOverallTimestamp: now.Format(time.RFC3339),
	}); err != nil {
		logger.Warn("Message persisted event dropped", "error", err)
	}
}

// nextMessagesV reads the chat's version counter and returns the increment
// this turn will write. A failed read degrades to counting from zero rather
// than blocking the turn.
func (r *Runner) nextMessagesV(ctx context.Context, logger *slog.Logger, chatID string) int {
	current := 0
	if chat, err := r.directus.GetChat(ctx, chatID); err != nil {
		logger.Warn("Chat version read failed, counter may drop an increment", "error", err)
	} else {
		current = chat.MessagesV
	}
	return current + 1
}

// billUsage charges the captured token usage of every model turn, unless
// the settled content is a server-error reply. Interrupted turns still bill.
func (r *Runner) billUsage(ctx context.Context, task *models.SessionTask, usages []models.Usage, content string) {
	if len(usages) == 0 || isServerError(content) {
		return
	}
	account := billing.Account{UserID: task.UserID, UserIDHash: task.UserIDHash}
	for _, usage := range usages {
		r.billing.ChargeLLMUsage(ctx, account, usage)
	}
}

func isServerError(content string) bool {
	return content == ServerErrorMessage || strings.HasPrefix(content, legacyErrorPrefix)
}

// dismissAppSettingsDialog tells the client to close the app-settings /
// memories dialog after a session that loaded those rows, and drops the
// pending record.
func (r *Runner) dismissAppSettingsDialog(ctx context.Context, logger *slog.Logger, task *models.SessionTask) {
	if len(task.Preprocessing.AppSettingsKeys) == 0 {
		return
	}
	if _, ok, err := r.cache.GetPendingAppSettings(ctx, task.ChatID); err != nil || !ok {
		return
	}
	if err := r.publisher.PublishDismissAppSettingsDialog(ctx, task.UserID, task.UserIDHash, task.ChatID); err != nil {
		logger.Warn("App settings dismiss event dropped", "error", err)
	}
	if err := r.cache.DeletePendingAppSettings(ctx, task.ChatID); err != nil {
		logger.Warn("Pending app settings record not deleted", "error", err)
	}
}
