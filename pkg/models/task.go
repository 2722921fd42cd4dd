package models

import "time"

// SessionTask is the queue payload that starts one assistant response.
// MessageID doubles as the id of the assistant message being produced.
type SessionTask struct {
	TaskID        string `json:"task_id"`
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id"`
	UserMessageID string `json:"user_message_id"`
	UserID        string `json:"user_id"`
	UserIDHash    string `json:"user_id_hash"`
	VaultKeyID    string `json:"vault_key_id"`
	UserTimezone  string `json:"user_timezone,omitempty"`

	// ExternalAPI marks calls arriving through the public API surface;
	// these suppress skill-status and typing-indicator events.
	ExternalAPI bool   `json:"external_api,omitempty"`
	APIKeyName  string `json:"api_key_name,omitempty"`

	Mate          Mate                `json:"mate"`
	Preprocessing PreprocessingResult `json:"preprocessing"`

	UserMessage string    `json:"user_message"`
	History     []Message `json:"history,omitempty"`
}

// PendingFocusActivation is the cache record written when the LLM activates
// focus mode. It carries everything the deferred confirm task needs to fire
// a continuation session. Expires after 30 seconds.
type PendingFocusActivation struct {
	ChatID      string      `json:"chat_id"`
	FocusID     string      `json:"focus_id"`
	FocusPrompt string      `json:"focus_prompt"`
	EmbedID     string      `json:"embed_id"`
	Session     SessionTask `json:"session"`
	CreatedAt   time.Time   `json:"created_at"`
}

// FocusConfirmTask is the deferred task that confirms a pending focus
// activation after the client countdown elapses.
type FocusConfirmTask struct {
	ChatID string `json:"chat_id"`
}

// PersistMessageTask writes one assistant message to the document store.
type PersistMessageTask struct {
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	UserIDHash string    `json:"user_id_hash"`
	Role       Role      `json:"role"`
	Category   string    `json:"category,omitempty"`
	Content    string    `json:"content"`
	ModelName  string    `json:"model_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PersistChatMetaTask updates the chat row after a completed response.
type PersistChatMetaTask struct {
	ChatID           string    `json:"chat_id"`
	MessagesV        int       `json:"messages_v"`
	LastMateCategory string    `json:"last_mate_category,omitempty"`
	LastEditedAt     time.Time `json:"last_edited_at"`
	ActiveFocusID    *string   `json:"active_focus_id,omitempty"`
}

// ClearActiveFocusTask clears the active focus id on a chat row after the
// LLM deactivates focus mode.
type ClearActiveFocusTask struct {
	ChatID string `json:"chat_id"`
}
