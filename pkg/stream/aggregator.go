// Package stream turns the raw text deltas of one LLM turn into
// client-ready content: fragments are batched to paragraph granularity,
// fenced code blocks are lifted out into streaming code embeds, and embed
// references take their place in the text.
package stream

import "strings"

// ParagraphAggregator buffers raw text fragments and releases them at
// paragraph boundaries. A fence marker flushes the whole buffer at once so
// the extractor sees the fence together with its lead-in text; a blank line
// releases the completed paragraphs and keeps the partial tail.
type ParagraphAggregator struct {
	buf strings.Builder
}

// Add appends a fragment and returns the units ready for downstream
// processing, if any.
func (a *ParagraphAggregator) Add(fragment string) []string {
	a.buf.WriteString(fragment)
	s := a.buf.String()

	if strings.Contains(s, "```") {
		a.buf.Reset()
		return []string{s}
	}

	idx := strings.LastIndex(s, "\n\n")
	if idx < 0 {
		return nil
	}
	unit := s[:idx+2]
	rest := s[idx+2:]
	a.buf.Reset()
	a.buf.WriteString(rest)
	return []string{unit}
}

// Flush returns whatever is still buffered and resets the aggregator.
func (a *ParagraphAggregator) Flush() string {
	s := a.buf.String()
	a.buf.Reset()
	return s
}
