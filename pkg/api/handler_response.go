package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/heymates/maestro/pkg/models"
)

// maxUserMessageLen bounds intake bodies; the main backend enforces the same
// limit on its side, so anything larger is a bug, not a user.
const maxUserMessageLen = 100_000

// submitResponseHandler handles POST /internal/v1/responses.
// The main backend posts one body per user turn: session identity, the
// preprocessing verdict, and the chat history. The task is queued in
// "pending" and a worker picks it up; the caller only needs the task id.
func (s *Server) submitResponseHandler(c *gin.Context) {
	var task models.SessionTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	if task.ChatID == "" || task.MessageID == "" || task.UserID == "" {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "chat_id, message_id and user_id are required"})
		return
	}
	if task.UserMessage == "" {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "user_message is required"})
		return
	}
	if len(task.UserMessage) > maxUserMessageLen {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "user_message exceeds maximum length of 100,000 characters"})
		return
	}

	if err := s.queue.EnqueueSession(c.Request.Context(), &task); err != nil {
		s.logger.Error("Failed to enqueue session task", "chat_id", task.ChatID, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to enqueue task"})
		return
	}

	s.logger.Info("Session task queued",
		"task_id", task.TaskID,
		"chat_id", task.ChatID,
		"message_id", task.MessageID,
	)
	c.JSON(http.StatusAccepted, &ResponseAccepted{TaskID: task.TaskID, Status: "queued"})
}
