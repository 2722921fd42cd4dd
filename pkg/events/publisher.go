package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher broadcasts typed events over Redis pub/sub. All events are
// transient; subscribers that miss a publish reconcile from the document
// store and the embed cache.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher on the shared Redis client.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishMessageChunk broadcasts an ai_message_chunk event on the chat
// stream channel. Called for every content delta and for the final marker.
func (p *Publisher) PublishMessageChunk(ctx context.Context, payload MessageChunkPayload) error {
	payload.Type = EventTypeMessageChunk
	return p.publish(ctx, ChatStreamChannel(payload.ChatID), payload)
}

// PublishThinking broadcasts an ai_thinking_chunk event on the thinking
// stream channel. Reasoning fragments are forwarded as-is and never stored.
func (p *Publisher) PublishThinking(ctx context.Context, payload ThinkingChunkPayload) error {
	payload.Type = EventTypeThinkingChunk
	return p.publish(ctx, ThinkingStreamChannel(payload.ChatID), payload)
}

// PublishSkillStatus broadcasts a skill_execution_status event on the typing
// indicator channel. Callers suppress this for external-API sessions.
func (p *Publisher) PublishSkillStatus(ctx context.Context, payload SkillStatusPayload) error {
	payload.Type = EventTypeSkillStatus
	payload.EventForClient = true
	return p.publish(ctx, TypingIndicatorChannel(payload.UserIDHash), payload)
}

// PublishSendEmbedData broadcasts a send_embed_data event on the user
// websocket channel. The embed content is plaintext TOON.
func (p *Publisher) PublishSendEmbedData(ctx context.Context, userIDHash string, data EmbedData) error {
	envelope := SendEmbedDataPayload{
		Event:          EventTypeSendEmbedData,
		Type:           EventTypeSendEmbedData,
		EventForClient: true,
		Payload:        data,
	}
	return p.publish(ctx, UserWebsocketChannel(userIDHash), envelope)
}

// PublishEmbedUpdate broadcasts an embed_update event on the user websocket
// channel. Callers must skip this when a send_embed_data with the same
// status was already emitted in the same update call.
func (p *Publisher) PublishEmbedUpdate(ctx context.Context, payload EmbedUpdatePayload) error {
	payload.Type = EventTypeEmbedUpdate
	payload.EventForClient = true
	return p.publish(ctx, UserWebsocketChannel(payload.UserIDHash), payload)
}

// PublishMessagePersisted broadcasts an ai_message_persisted event on the
// persistence channel.
func (p *Publisher) PublishMessagePersisted(ctx context.Context, payload MessagePersistedPayload) error {
	payload.Type = EventTypeMessagePersisted
	payload.EventForClient = true
	return p.publish(ctx, MessagePersistedChannel(payload.UserIDHash), payload)
}

// PublishDismissAppSettingsDialog tells the client to close the app-settings
// or memories dialog. Delivered on both the websocket channel (UI) and the
// user cache channel (cross-device reconciliation); both publishes are
// attempted and the first error wins.
func (p *Publisher) PublishDismissAppSettingsDialog(ctx context.Context, userID, userIDHash, chatID string) error {
	payload := DismissDialogPayload{
		Type:           EventTypeDismissAppSettings,
		EventForClient: true,
		ChatID:         chatID,
		UserIDHash:     userIDHash,
	}
	var firstErr error
	if err := p.publish(ctx, UserWebsocketChannel(userIDHash), payload); err != nil {
		firstErr = err
	}
	if err := p.publish(ctx, UserCacheEventsChannel(userID), payload); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", payload, err)
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
