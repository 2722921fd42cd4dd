// Package models contains the domain types shared across the orchestrator:
// chat messages, tool calls, embeds, preprocessing results, and queue task
// payloads.
package models

import "time"

// EmbedStatus is the lifecycle state of an embed.
type EmbedStatus string

// Embed lifecycle states.
const (
	EmbedStatusProcessing EmbedStatus = "processing"
	EmbedStatusFinished   EmbedStatus = "finished"
	EmbedStatusError      EmbedStatus = "error"
	EmbedStatusCancelled  EmbedStatus = "cancelled"
)

// EmbedType identifies what an embed renders as on the client.
type EmbedType string

// Embed types.
const (
	EmbedTypeAppSkillUse         EmbedType = "app_skill_use"
	EmbedTypeWebsite             EmbedType = "website"
	EmbedTypePlace               EmbedType = "place"
	EmbedTypeEvent               EmbedType = "event"
	EmbedTypeCode                EmbedType = "code"
	EmbedTypeImage               EmbedType = "image"
	EmbedTypeFocusModeActivation EmbedType = "focus_mode_activation"
)

// Embed is the cached record for one embed. Content is the vault-encrypted
// TOON blob; the plaintext only ever leaves the server inside a
// send_embed_data event targeted at the owning user's channel.
type Embed struct {
	ID              string      `json:"id"`
	Type            EmbedType   `json:"type"`
	Status          EmbedStatus `json:"status"`
	Content         string      `json:"content"`
	ParentEmbedID   string      `json:"parent_embed_id,omitempty"`
	EmbedIDs        []string    `json:"embed_ids,omitempty"`
	ChatIDHash      string      `json:"chat_id_hash"`
	MessageIDHash   string      `json:"message_id_hash"`
	TaskIDHash      string      `json:"task_id_hash,omitempty"`
	SkillTaskID     string      `json:"skill_task_id,omitempty"`
	TextLengthChars int         `json:"text_length_chars"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// IsTerminal reports whether the status is finished or error, the states
// for which send_embed_data must not be re-emitted.
func (s EmbedStatus) IsTerminal() bool {
	return s == EmbedStatusFinished || s == EmbedStatusError
}
