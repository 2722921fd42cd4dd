package events

import "github.com/heymates/maestro/pkg/models"

// MessageChunkPayload is the payload for ai_message_chunk events on
// chat_stream::<chat_id>. Sequence is strictly increasing within a session;
// exactly one chunk per session carries IsFinalChunk.
type MessageChunkPayload struct {
	Type                    string `json:"type"` // always EventTypeMessageChunk
	TaskID                  string `json:"task_id"`
	ChatID                  string `json:"chat_id"`
	UserIDUUID              string `json:"user_id_uuid"`
	UserIDHash              string `json:"user_id_hash"`
	MessageID               string `json:"message_id"`
	UserMessageID           string `json:"user_message_id"`
	FullContentSoFar        string `json:"full_content_so_far"`
	Sequence                int    `json:"sequence"`
	IsFinalChunk            bool   `json:"is_final_chunk"`
	ModelName               string `json:"model_name,omitempty"`
	InterruptedBySoftLimit  bool   `json:"interrupted_by_soft_limit,omitempty"`
	InterruptedByRevocation bool   `json:"interrupted_by_revocation,omitempty"`
}

// ThinkingChunkPayload is the payload for ai_thinking_chunk events on
// thinking_stream::<chat_id>. Purely transient UI feed.
type ThinkingChunkPayload struct {
	Type      string `json:"type"` // always EventTypeThinkingChunk
	TaskID    string `json:"task_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Fragment  string `json:"fragment"`
}

// SkillStatusPayload is the payload for skill_execution_status events on
// ai_typing_indicator_events::<user_id_hash>.
type SkillStatusPayload struct {
	Type           string         `json:"type"` // always EventTypeSkillStatus
	EventForClient bool           `json:"event_for_client"`
	TaskID         string         `json:"task_id"`
	ChatID         string         `json:"chat_id"`
	MessageID      string         `json:"message_id"`
	UserIDUUID     string         `json:"user_id_uuid"`
	UserIDHash     string         `json:"user_id_hash"`
	AppID          string         `json:"app_id"`
	SkillID        string         `json:"skill_id"`
	Status         string         `json:"status"` // processing, finished, error, cancelled
	PreviewData    map[string]any `json:"preview_data"`
	Error          string         `json:"error,omitempty"`
}

// SendEmbedDataPayload is the envelope for send_embed_data events on
// websocket:user:<user_id_hash>. Content is plaintext TOON; the client
// re-encrypts under its chat master key before persisting.
type SendEmbedDataPayload struct {
	Event          string    `json:"event"` // always EventTypeSendEmbedData
	Type           string    `json:"type"`  // always EventTypeSendEmbedData
	EventForClient bool      `json:"event_for_client"`
	Payload        EmbedData `json:"payload"`
}

// EmbedData is the inner payload of a send_embed_data event. The createdAt /
// updatedAt casing is part of the client contract.
type EmbedData struct {
	EmbedID         string             `json:"embed_id"`
	Type            models.EmbedType   `json:"type"`
	Content         string             `json:"content"`
	Status          models.EmbedStatus `json:"status"`
	ChatID          string             `json:"chat_id"`
	MessageID       string             `json:"message_id"`
	UserID          string             `json:"user_id"`
	IsPrivate       bool               `json:"is_private"`
	IsShared        bool               `json:"is_shared"`
	TextLengthChars int                `json:"text_length_chars"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
	TextPreview     string             `json:"text_preview,omitempty"`
	TaskID          string             `json:"task_id,omitempty"`
	EmbedIDs        []string           `json:"embed_ids,omitempty"`
	ParentEmbedID   string             `json:"parent_embed_id,omitempty"`
	VersionNumber   int                `json:"version_number,omitempty"`
	FilePath        string             `json:"file_path,omitempty"`
	ContentHash     string             `json:"content_hash,omitempty"`
}

// EmbedUpdatePayload is the payload for embed_update events on
// websocket:user:<user_id_hash>. Never emitted for an embed whose
// send_embed_data with the same status was produced in the same update call.
type EmbedUpdatePayload struct {
	Type           string             `json:"type"` // always EventTypeEmbedUpdate
	EventForClient bool               `json:"event_for_client"`
	EmbedID        string             `json:"embed_id"`
	ChatID         string             `json:"chat_id"`
	MessageID      string             `json:"message_id"`
	UserIDUUID     string             `json:"user_id_uuid"`
	UserIDHash     string             `json:"user_id_hash"`
	Status         models.EmbedStatus `json:"status"`
	ChildEmbedIDs  []string           `json:"child_embed_ids"`
}

// MessagePersistedPayload is the payload for ai_message_persisted events on
// ai_message_persisted::<user_id_hash>.
type MessagePersistedPayload struct {
	Type                       string           `json:"type"` // always EventTypeMessagePersisted
	EventForClient             bool             `json:"event_for_client"`
	ChatID                     string           `json:"chat_id"`
	UserIDUUID                 string           `json:"user_id_uuid"`
	UserIDHash                 string           `json:"user_id_hash"`
	Message                    PersistedMessage `json:"message"`
	Versions                   Versions         `json:"versions"`
	LastEditedOverallTimestamp string           `json:"last_edited_overall_timestamp"`
}

// PersistedMessage describes the assistant message inside a persistence event.
type PersistedMessage struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"` // always "assistant"
	Category  string `json:"category"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"` // always "synced"
	ModelName string `json:"model_name,omitempty"`
}

// Versions carries the chat version counters the client reconciles against.
type Versions struct {
	MessagesV int `json:"messages_v"`
}

// DismissDialogPayload is the payload for dismiss_app_settings_memories_dialog
// events, published on both the user websocket and user cache channels.
type DismissDialogPayload struct {
	Type           string `json:"type"` // always EventTypeDismissAppSettings
	EventForClient bool   `json:"event_for_client"`
	ChatID         string `json:"chat_id"`
	UserIDHash     string `json:"user_id_hash"`
}
