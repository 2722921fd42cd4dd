package llm

import "github.com/heymates/maestro/pkg/models"

// Chunk is one item in the classified stream produced by a driver. The
// concrete types form a closed set; consumers switch on them.
type Chunk interface {
	chunk()
}

// TextChunk is a fragment of user-visible response text.
type TextChunk struct {
	Text string
}

// ThinkingChunk is a fragment of reasoning content. It is published on a
// separate channel and never enters the aggregated response.
type ThinkingChunk struct {
	Text string
}

// SignatureChunk carries the opaque provider signature of the current
// thinking block. Pass through; never interpret.
type SignatureChunk struct {
	Signature string
}

// ToolCallChunk is a fully assembled tool call. Call.Provider tags which
// SDK produced it so arguments serialize back correctly next turn.
type ToolCallChunk struct {
	Call models.ToolCall
}

// UsageChunk is the terminal token accounting for the turn. Stored by the
// consumer, never forwarded to subscribers.
type UsageChunk struct {
	Usage models.Usage
}

// ErrorChunk reports a stream failure. The channel closes right after it.
// An ErrorChunk before any content means stream creation failed and the
// fallback layer advances to the next model.
type ErrorChunk struct {
	Err error
}

func (TextChunk) chunk()      {}
func (ThinkingChunk) chunk()  {}
func (SignatureChunk) chunk() {}
func (ToolCallChunk) chunk()  {}
func (UsageChunk) chunk()     {}
func (ErrorChunk) chunk()     {}
