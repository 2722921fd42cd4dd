// Package cache wraps Redis with the orchestrator's key schema. Every key
// carries a TTL; expiry is the only cleanup mechanism.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heymates/maestro/pkg/models"
)

// Service is the shared cache client. Methods return (zero, false, nil) on
// a clean miss and reserve errors for transport or decode failures.
type Service struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewService builds a cache service on the shared Redis client.
func NewService(rdb *redis.Client) *Service {
	return &Service{
		rdb:    rdb,
		logger: slog.With("component", "cache"),
	}
}

func (s *Service) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Service) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// A corrupt entry behaves like a miss so callers fall back to
		// recreating the record instead of failing the session.
		s.logger.Warn("Corrupt cache entry treated as miss", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// StoreEmbed writes the embed under its key and indexes it into the chat's
// embed-id set. Both expire together.
func (s *Service) StoreEmbed(ctx context.Context, chatID string, embed *models.Embed) error {
	data, err := json.Marshal(embed)
	if err != nil {
		return fmt.Errorf("marshal embed %s: %w", embed.ID, err)
	}
	if err := s.rdb.Set(ctx, EmbedKey(embed.ID), data, EmbedTTL).Err(); err != nil {
		return fmt.Errorf("set embed %s: %w", embed.ID, err)
	}
	setKey := ChatEmbedIDsKey(chatID)
	if err := s.rdb.SAdd(ctx, setKey, embed.ID).Err(); err != nil {
		return fmt.Errorf("index embed %s: %w", embed.ID, err)
	}
	if err := s.rdb.Expire(ctx, setKey, ChatEmbedIDsTTL).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", setKey, err)
	}
	return nil
}

// GetEmbed reads one embed. Missing or expired embeds are a clean miss.
func (s *Service) GetEmbed(ctx context.Context, embedID string) (*models.Embed, bool, error) {
	var embed models.Embed
	ok, err := s.getJSON(ctx, EmbedKey(embedID), &embed)
	if err != nil || !ok {
		return nil, false, err
	}
	return &embed, true, nil
}

// ChatEmbedIDs lists the embed ids recorded for a chat.
func (s *Service) ChatEmbedIDs(ctx context.Context, chatID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ChatEmbedIDsKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat embed ids %s: %w", chatID, err)
	}
	return ids, nil
}

// StoreMessage caches the encrypted assistant markdown for a message.
func (s *Service) StoreMessage(ctx context.Context, messageID, encrypted string) error {
	if err := s.rdb.Set(ctx, MessageKey(messageID), encrypted, MessageTTL).Err(); err != nil {
		return fmt.Errorf("set message %s: %w", messageID, err)
	}
	return nil
}

// GetMessage reads the encrypted assistant markdown for a message.
func (s *Service) GetMessage(ctx context.Context, messageID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, MessageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return val, true, nil
}

// SignalSkillCancel flags one in-flight skill call for cancellation.
func (s *Service) SignalSkillCancel(ctx context.Context, skillTaskID string) error {
	if err := s.rdb.Set(ctx, SkillCancelKey(skillTaskID), "1", SkillCancelTTL).Err(); err != nil {
		return fmt.Errorf("signal skill cancel %s: %w", skillTaskID, err)
	}
	return nil
}

// SkillCancelled reports whether the cancel flag is set for a skill task.
func (s *Service) SkillCancelled(ctx context.Context, skillTaskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, SkillCancelKey(skillTaskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check skill cancel %s: %w", skillTaskID, err)
	}
	return n > 0, nil
}

// RevokeTask flags a running session for revocation. The session observes
// the flag between chunks.
func (s *Service) RevokeTask(ctx context.Context, taskID string) error {
	if err := s.rdb.Set(ctx, TaskRevokedKey(taskID), "1", TaskRevokedTTL).Err(); err != nil {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}
	return nil
}

// TaskRevoked reports whether a session has been revoked.
func (s *Service) TaskRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, TaskRevokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked %s: %w", taskID, err)
	}
	return n > 0, nil
}

// StorePendingFocus records a focus activation awaiting confirmation. The
// short TTL doubles as the confirmation window.
func (s *Service) StorePendingFocus(ctx context.Context, pending *models.PendingFocusActivation) error {
	return s.setJSON(ctx, PendingFocusKey(pending.ChatID), pending, PendingFocusTTL)
}

// GetPendingFocus reads the pending focus record for a chat.
func (s *Service) GetPendingFocus(ctx context.Context, chatID string) (*models.PendingFocusActivation, bool, error) {
	var pending models.PendingFocusActivation
	ok, err := s.getJSON(ctx, PendingFocusKey(chatID), &pending)
	if err != nil || !ok {
		return nil, false, err
	}
	return &pending, true, nil
}

// DeletePendingFocus drops the pending focus record, cancelling the
// deferred confirmation.
func (s *Service) DeletePendingFocus(ctx context.Context, chatID string) error {
	if err := s.rdb.Del(ctx, PendingFocusKey(chatID)).Err(); err != nil {
		return fmt.Errorf("delete pending focus %s: %w", chatID, err)
	}
	return nil
}

// StorePendingAppSettings records which app-settings/memories keys a
// session surfaced, pending client dialog dismissal.
func (s *Service) StorePendingAppSettings(ctx context.Context, chatID string, keys []string) error {
	return s.setJSON(ctx, PendingAppSettingsKey(chatID), keys, PendingAppSettingsTTL)
}

// GetPendingAppSettings reads the surfaced app-settings keys for a chat.
func (s *Service) GetPendingAppSettings(ctx context.Context, chatID string) ([]string, bool, error) {
	var keys []string
	ok, err := s.getJSON(ctx, PendingAppSettingsKey(chatID), &keys)
	if err != nil || !ok {
		return nil, false, err
	}
	return keys, true, nil
}

// DeletePendingAppSettings drops the pending app-settings record.
func (s *Service) DeletePendingAppSettings(ctx context.Context, chatID string) error {
	if err := s.rdb.Del(ctx, PendingAppSettingsKey(chatID)).Err(); err != nil {
		return fmt.Errorf("delete pending app settings %s: %w", chatID, err)
	}
	return nil
}

// StoreS3FileKeys records the S3 object keys backing an image embed.
func (s *Service) StoreS3FileKeys(ctx context.Context, embedID string, keys []string) error {
	return s.setJSON(ctx, EmbedS3FileKeysKey(embedID), keys, S3FileKeysTTL)
}

// GetS3FileKeys reads the S3 object keys for an image embed.
func (s *Service) GetS3FileKeys(ctx context.Context, embedID string) ([]string, bool, error) {
	var keys []string
	ok, err := s.getJSON(ctx, EmbedS3FileKeysKey(embedID), &keys)
	if err != nil || !ok {
		return nil, false, err
	}
	return keys, true, nil
}

// ApproveDevice records a device approval for an external API key.
func (s *Service) ApproveDevice(ctx context.Context, apiKeyID, deviceHash string) error {
	return s.setJSON(ctx, DeviceApprovalKey(apiKeyID, deviceHash), map[string]bool{"approved": true}, DeviceApprovalTTL)
}

// DeviceApproved reports whether a device approval is on record.
func (s *Service) DeviceApproved(ctx context.Context, apiKeyID, deviceHash string) (bool, error) {
	n, err := s.rdb.Exists(ctx, DeviceApprovalKey(apiKeyID, deviceHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check device approval: %w", err)
	}
	return n > 0, nil
}

// StoreDirectusToken caches the document-store admin token.
func (s *Service) StoreDirectusToken(ctx context.Context, token string) error {
	if err := s.rdb.Set(ctx, DirectusAdminTokenKey, token, DirectusAdminTokenTTL).Err(); err != nil {
		return fmt.Errorf("set directus token: %w", err)
	}
	return nil
}

// GetDirectusToken reads the cached document-store admin token.
func (s *Service) GetDirectusToken(ctx context.Context) (string, bool, error) {
	val, err := s.rdb.Get(ctx, DirectusAdminTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get directus token: %w", err)
	}
	return val, true, nil
}

// Ping checks Redis reachability for health probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
