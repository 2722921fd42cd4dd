package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/directus"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/session"
)

// Executor dispatches claimed tasks to their handlers. Session runs are
// delegated to the session runner; everything else is a short persistence
// or control action against the document store and cache.
type Executor struct {
	runner *session.Runner
	store  *directus.Client
	cache  *cache.Service
	embeds *embeds.Service
	queue  *Queue
	logger *slog.Logger
}

// NewExecutor creates the task executor.
func NewExecutor(runner *session.Runner, store *directus.Client, cacheSvc *cache.Service, embedsSvc *embeds.Service, q *Queue, logger *slog.Logger) *Executor {
	return &Executor{
		runner: runner,
		store:  store,
		cache:  cacheSvc,
		embeds: embedsSvc,
		queue:  q,
		logger: logger.With("component", "executor"),
	}
}

// Execute routes one task by kind.
func (e *Executor) Execute(ctx context.Context, task *Task) error {
	switch task.Kind {
	case KindSessionRun:
		return e.runSession(ctx, task)
	case KindFocusConfirm:
		return e.confirmFocus(ctx, task)
	case KindPersistMessage:
		return e.persistMessage(ctx, task)
	case KindPersistChatMeta:
		return e.persistChatMeta(ctx, task)
	case KindClearActiveFocus:
		return e.clearActiveFocus(ctx, task)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (e *Executor) runSession(ctx context.Context, task *Task) error {
	var st models.SessionTask
	if err := json.Unmarshal(task.Payload, &st); err != nil {
		return fmt.Errorf("decode session task: %w", err)
	}
	outcome, err := e.runner.Run(ctx, &st)
	if err != nil {
		return fmt.Errorf("run session %s: %w", st.TaskID, err)
	}
	if outcome.AwaitingFocusConfirmation {
		e.logger.Info("Session suspended awaiting focus confirmation",
			"task_id", st.TaskID, "chat_id", st.ChatID)
	}
	return nil
}

// confirmFocus finalizes a pending focus activation once the client
// countdown has elapsed without a cancel: the chat row gets its active
// focus id, the countdown embed settles, and a continuation session is
// enqueued to answer the original message under the new focus.
func (e *Executor) confirmFocus(ctx context.Context, task *Task) error {
	var t models.FocusConfirmTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return fmt.Errorf("decode focus confirm task: %w", err)
	}

	pending, ok, err := e.cache.GetPendingFocus(ctx, t.ChatID)
	if err != nil {
		return fmt.Errorf("load pending focus for chat %s: %w", t.ChatID, err)
	}
	if !ok {
		// Cancelled during the countdown or expired; nothing to confirm.
		e.logger.Info("Focus activation no longer pending", "chat_id", t.ChatID)
		return nil
	}

	if err := e.store.SetActiveFocus(ctx, pending.ChatID, pending.FocusID); err != nil {
		return fmt.Errorf("set active focus %s on chat %s: %w", pending.FocusID, pending.ChatID, err)
	}

	id := embeds.Identity{
		ChatID:     pending.ChatID,
		MessageID:  pending.Session.MessageID,
		TaskID:     pending.Session.TaskID,
		UserID:     pending.Session.UserID,
		UserIDHash: pending.Session.UserIDHash,
		VaultKeyID: pending.Session.VaultKeyID,
	}
	if err := e.embeds.UpdateStatus(ctx, id, pending.EmbedID, models.EmbedStatusFinished, nil); err != nil {
		e.logger.Warn("Focus activation embed update failed",
			"chat_id", pending.ChatID, "embed_id", pending.EmbedID, "error", err)
	}

	continuation := pending.Session
	continuation.TaskID = uuid.NewString()
	continuation.Preprocessing.ActiveFocusID = pending.FocusID
	if err := e.queue.EnqueueSession(ctx, &continuation); err != nil {
		return fmt.Errorf("enqueue continuation session for chat %s: %w", pending.ChatID, err)
	}

	if err := e.cache.DeletePendingFocus(ctx, pending.ChatID); err != nil {
		e.logger.Warn("Pending focus cleanup failed", "chat_id", pending.ChatID, "error", err)
	}

	e.logger.Info("Focus mode confirmed",
		"chat_id", pending.ChatID,
		"focus_id", pending.FocusID,
		"continuation_task_id", continuation.TaskID)
	return nil
}

func (e *Executor) persistMessage(ctx context.Context, task *Task) error {
	var t models.PersistMessageTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return fmt.Errorf("decode persist message task: %w", err)
	}
	msg := directus.Message{
		ID:        t.MessageID,
		ChatID:    t.ChatID,
		Role:      string(t.Role),
		Content:   t.Content,
		Category:  t.Category,
		ModelName: t.ModelName,
		CreatedAt: t.CreatedAt,
	}
	if err := e.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", t.MessageID, err)
	}
	return nil
}

func (e *Executor) persistChatMeta(ctx context.Context, task *Task) error {
	var t models.PersistChatMetaTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return fmt.Errorf("decode persist chat meta task: %w", err)
	}
	patch := map[string]any{
		"messages_v":     t.MessagesV,
		"last_edited_at": t.LastEditedAt,
	}
	if t.LastMateCategory != "" {
		patch["last_mate_category"] = t.LastMateCategory
	}
	if t.ActiveFocusID != nil {
		patch["active_focus_id"] = *t.ActiveFocusID
	}
	if err := e.store.UpdateChat(ctx, t.ChatID, patch); err != nil {
		return fmt.Errorf("persist chat meta for %s: %w", t.ChatID, err)
	}
	return nil
}

func (e *Executor) clearActiveFocus(ctx context.Context, task *Task) error {
	var t models.ClearActiveFocusTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return fmt.Errorf("decode clear active focus task: %w", err)
	}
	if err := e.store.SetActiveFocus(ctx, t.ChatID, ""); err != nil {
		return fmt.Errorf("clear active focus on chat %s: %w", t.ChatID, err)
	}
	return nil
}
