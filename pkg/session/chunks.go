package session

import (
	"context"
	"strings"

	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/models"
)

// chunkWriter publishes the growing response text to the chat stream with
// monotonically increasing sequence numbers. One session owns one writer;
// it is not safe for concurrent use.
type chunkWriter struct {
	publisher *events.Publisher
	task      *models.SessionTask

	aggregate strings.Builder
	sequence  int
}

func newChunkWriter(publisher *events.Publisher, task *models.SessionTask) *chunkWriter {
	return &chunkWriter{publisher: publisher, task: task}
}

// emit appends one text unit to the aggregate and publishes the full
// content so far. Matches stream.EmitFunc.
func (w *chunkWriter) emit(ctx context.Context, text string) error {
	w.aggregate.WriteString(text)
	return w.publish(ctx, w.payload(w.aggregate.String()))
}

// rewrite replaces the aggregate wholesale (URL correction, synthesized
// error reply) and publishes the replacement as one more content chunk.
func (w *chunkWriter) rewrite(ctx context.Context, content string) error {
	w.aggregate.Reset()
	w.aggregate.WriteString(content)
	return w.publish(ctx, w.payload(content))
}

// final publishes the terminal marker. It carries the settled content, the
// model display name, and the interruption flags, and its sequence is the
// maximum of the session.
func (w *chunkWriter) final(ctx context.Context, content, modelName string, revoked, softLimited bool) error {
	payload := w.payload(content)
	payload.IsFinalChunk = true
	payload.ModelName = modelName
	payload.InterruptedByRevocation = revoked
	payload.InterruptedBySoftLimit = softLimited
	return w.publish(ctx, payload)
}

// text returns the aggregate as published so far.
func (w *chunkWriter) text() string {
	return w.aggregate.String()
}

func (w *chunkWriter) payload(content string) events.MessageChunkPayload {
	return events.MessageChunkPayload{
		Type:             events.EventTypeMessageChunk,
		TaskID:           w.task.TaskID,
		ChatID:           w.task.ChatID,
		UserIDUUID:       w.task.UserID,
		UserIDHash:       w.task.UserIDHash,
		MessageID:        w.task.MessageID,
		UserMessageID:    w.task.UserMessageID,
		FullContentSoFar: content,
	}
}

func (w *chunkWriter) publish(ctx context.Context, payload events.MessageChunkPayload) error {
	w.sequence++
	payload.Sequence = w.sequence
	return w.publisher.PublishMessageChunk(ctx, payload)
}
