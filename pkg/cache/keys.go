package cache

import (
	"fmt"
	"time"
)

// TTLs per key family. Retention is enforced entirely by these; nothing
// sweeps the cache.
const (
	EmbedTTL              = 24 * time.Hour
	ChatEmbedIDsTTL       = 24 * time.Hour
	S3FileKeysTTL         = time.Hour
	MessageTTL            = 24 * time.Hour
	PendingFocusTTL       = 30 * time.Second
	PendingAppSettingsTTL = 7 * 24 * time.Hour
	DeviceApprovalTTL     = 5 * time.Minute
	DirectusAdminTokenTTL = 12 * time.Hour
	SkillCancelTTL        = 5 * time.Minute
	TaskRevokedTTL        = time.Hour
)

// DirectusAdminTokenKey caches the document-store admin token.
const DirectusAdminTokenKey = "directus_admin_token"

// EmbedKey holds one embed as JSON with encrypted content.
func EmbedKey(embedID string) string {
	return "embed:" + embedID
}

// ChatEmbedIDsKey is the per-chat set of embed ids created in that chat.
func ChatEmbedIDsKey(chatID string) string {
	return fmt.Sprintf("chat:%s:embed_ids", chatID)
}

// EmbedS3FileKeysKey holds the S3 object keys backing an image embed.
func EmbedS3FileKeysKey(embedID string) string {
	return fmt.Sprintf("embed:%s:s3_file_keys", embedID)
}

// MessageKey holds the encrypted assistant markdown for one message.
func MessageKey(messageID string) string {
	return "message:" + messageID
}

// PendingFocusKey holds a focus activation awaiting confirmation.
func PendingFocusKey(chatID string) string {
	return "pending_focus_activation:" + chatID
}

// PendingAppSettingsKey marks that a session surfaced app settings or
// memories and the client dialog has not been dismissed yet.
func PendingAppSettingsKey(chatID string) string {
	return "pending_app_settings_memories:" + chatID
}

// DeviceApprovalKey records an approved device for an external API key.
func DeviceApprovalKey(apiKeyID, deviceHash string) string {
	return fmt.Sprintf("api_key_device_approval:%s:%s", apiKeyID, deviceHash)
}

// SkillCancelKey signals the dispatcher to abort one in-flight skill call.
func SkillCancelKey(skillTaskID string) string {
	return fmt.Sprintf("skill-task:%s:cancel", skillTaskID)
}

// TaskRevokedKey signals a running session to stop between chunks.
func TaskRevokedKey(taskID string) string {
	return fmt.Sprintf("task:%s:revoked", taskID)
}
