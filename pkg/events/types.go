// Package events publishes the orchestrator's client-facing events over
// Redis pub/sub. Each public method accepts a specific typed payload struct,
// marshals it to JSON, and routes it to the channel derived from the chat or
// user identity. See payloads.go for the structs.
//
// Channel conventions:
//
//	chat_stream::<chat_id>                   content chunks + final marker
//	thinking_stream::<chat_id>               reasoning fragments (transient)
//	ai_typing_indicator_events::<uid_hash>   skill execution status
//	ai_message_persisted::<uid_hash>         assistant message persistence
//	websocket:user:<uid_hash>                embed data, embed updates, dialogs
//	user_cache_events:<user_id>              user-scoped cache invalidations
package events

// Event types carried in the "type" field of every payload.
const (
	EventTypeMessageChunk       = "ai_message_chunk"
	EventTypeThinkingChunk      = "ai_thinking_chunk"
	EventTypeSkillStatus        = "skill_execution_status"
	EventTypeSendEmbedData      = "send_embed_data"
	EventTypeEmbedUpdate        = "embed_update"
	EventTypeMessagePersisted   = "ai_message_persisted"
	EventTypeDismissAppSettings = "dismiss_app_settings_memories_dialog"
)

// Skill execution status values (SkillStatusPayload.Status).
const (
	SkillStatusProcessing = "processing"
	SkillStatusFinished   = "finished"
	SkillStatusError      = "error"
	SkillStatusCancelled  = "cancelled"
)

// ChatStreamChannel carries content chunks and the final marker for a chat.
func ChatStreamChannel(chatID string) string {
	return "chat_stream::" + chatID
}

// ThinkingStreamChannel carries reasoning fragments for a chat. Fragments are
// never persisted; a client that misses them loses nothing durable.
func ThinkingStreamChannel(chatID string) string {
	return "thinking_stream::" + chatID
}

// TypingIndicatorChannel carries skill execution status for a user.
func TypingIndicatorChannel(userIDHash string) string {
	return "ai_typing_indicator_events::" + userIDHash
}

// MessagePersistedChannel carries assistant persistence events for a user.
func MessagePersistedChannel(userIDHash string) string {
	return "ai_message_persisted::" + userIDHash
}

// UserWebsocketChannel carries embed and dialog events for a user.
func UserWebsocketChannel(userIDHash string) string {
	return "websocket:user:" + userIDHash
}

// UserCacheEventsChannel carries user-scoped cache invalidations.
func UserCacheEventsChannel(userID string) string {
	return "user_cache_events:" + userID
}
