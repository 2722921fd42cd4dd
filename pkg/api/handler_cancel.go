package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/models"
)

// revokeTaskHandler handles POST /internal/v1/tasks/:taskID/revoke.
// Revocation is two-step: the Redis flag stops the streaming loop at its
// next chunk boundary on whichever pod runs the task, and the local cancel
// registry delivers an immediate context cancel when that pod is this one.
func (s *Server) revokeTaskHandler(c *gin.Context) {
	taskID := c.Param("taskID")

	if err := s.cache.RevokeTask(c.Request.Context(), taskID); err != nil {
		s.logger.Error("Failed to set revoke flag", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to revoke task"})
		return
	}

	cancelledHere := false
	if s.pool != nil {
		cancelledHere = s.pool.CancelSession(taskID)
	}

	s.logger.Info("Task revoked", "task_id", taskID, "cancelled_here", cancelledHere)
	c.JSON(http.StatusOK, &RevokeResponse{TaskID: taskID, Status: "revoked", CancelledHere: cancelledHere})
}

// cancelSkillTaskHandler handles POST /internal/v1/skill-tasks/:skillTaskID/cancel.
// Sets the cancel flag the skill execution loop polls between I/O waits.
func (s *Server) cancelSkillTaskHandler(c *gin.Context) {
	skillTaskID := c.Param("skillTaskID")

	if err := s.cache.SignalSkillCancel(c.Request.Context(), skillTaskID); err != nil {
		s.logger.Error("Failed to signal skill cancel", "skill_task_id", skillTaskID, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to cancel skill task"})
		return
	}

	s.logger.Info("Skill task cancel signalled", "skill_task_id", skillTaskID)
	c.JSON(http.StatusOK, &CancelResponse{Status: "cancelled"})
}

// cancelPendingFocusHandler handles POST /internal/v1/chats/:chatID/focus/pending/cancel.
// The client countdown was dismissed: drop the pending record so the delayed
// focus_confirm task finds nothing, and mark the activation embed cancelled.
func (s *Server) cancelPendingFocusHandler(c *gin.Context) {
	chatID := c.Param("chatID")
	ctx := c.Request.Context()

	pending, ok, err := s.cache.GetPendingFocus(ctx, chatID)
	if err != nil {
		s.logger.Error("Failed to load pending focus", "chat_id", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to load pending focus activation"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, &ErrorResponse{Error: "no pending focus activation"})
		return
	}

	if err := s.cache.DeletePendingFocus(ctx, chatID); err != nil {
		s.logger.Error("Failed to delete pending focus", "chat_id", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to cancel pending focus activation"})
		return
	}

	// The embed update is cosmetic; the record deletion above already
	// guarantees the confirm task becomes a no-op.
	id := embeds.Identity{
		ChatID:     pending.Session.ChatID,
		MessageID:  pending.Session.MessageID,
		TaskID:     pending.Session.TaskID,
		UserID:     pending.Session.UserID,
		UserIDHash: pending.Session.UserIDHash,
		VaultKeyID: pending.Session.VaultKeyID,
	}
	if err := s.embeds.UpdateStatus(ctx, id, pending.EmbedID, models.EmbedStatusCancelled, nil); err != nil {
		s.logger.Warn("Focus activation embed update failed", "embed_id", pending.EmbedID, "error", err)
	}

	s.logger.Info("Pending focus activation cancelled", "chat_id", chatID, "focus_id", pending.FocusID)
	c.JSON(http.StatusOK, &CancelResponse{Status: "cancelled"})
}
