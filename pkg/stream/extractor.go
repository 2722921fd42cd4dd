package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const fence = "```"

// maxLanguageLen bounds fence info strings accepted as a language; longer
// strings are natural-language text that happens to follow a fence.
const maxLanguageLen = 20

var languagePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_+#-]*$`)

// filenamePattern recognizes a first content line that names the file,
// optionally behind a line-comment marker. The line is not consumed.
var filenamePattern = regexp.MustCompile(`^(?://|#|--|;)?\s*([\w./-]+\.[A-Za-z0-9]{1,8})\s*$`)

// State is the extractor position relative to a fenced block.
type State int

const (
	// StateOutside scans plain text for an opening fence.
	StateOutside State = iota
	// StateAwaitingLanguage follows a bare fence at a fragment end; the
	// next fragment's first line may carry the language.
	StateAwaitingLanguage
	// StateInside accumulates code until the closing fence.
	StateInside
	// StateInsideJSON buffers a json fence until it can be classified as
	// an embed reference (passes through verbatim) or a real code block.
	StateInsideJSON
)

// CodeSink receives the code-embed lifecycle calls the extractor makes.
type CodeSink interface {
	// OpenCodeEmbed creates a processing code embed and returns its id.
	OpenCodeEmbed(ctx context.Context, language, filename string) (string, error)
	// UpdateCodeEmbed pushes accumulated code while the block streams.
	UpdateCodeEmbed(ctx context.Context, embedID, code string) error
	// FinalizeCodeEmbed marks the block finished with its final code.
	FinalizeCodeEmbed(ctx context.Context, embedID, code string) error
	// CreateFinishedCodeEmbed covers blocks that open and close within a
	// single fragment.
	CreateFinishedCodeEmbed(ctx context.Context, language, filename, code string) (string, error)
}

// Extractor lifts fenced code blocks out of the text stream, replacing each
// with an embed reference and streaming the code into a code embed.
type Extractor struct {
	sink   CodeSink
	logger *slog.Logger

	state    State
	block    openBlock
	jsonOpen string
	jsonBody strings.Builder

	// carry holds a trailing partial fence (one or two backticks) so a
	// fence split across fragments is still recognized.
	carry string
}

type openBlock struct {
	embedID  string
	language string
	filename string
	content  strings.Builder
}

// NewExtractor creates an extractor for one LLM turn.
func NewExtractor(sink CodeSink, logger *slog.Logger) *Extractor {
	return &Extractor{
		sink:   sink,
		logger: logger.With("component", "code_extractor"),
	}
}

// State returns the current scan state.
func (e *Extractor) State() State {
	return e.state
}

// Process consumes one text unit and returns the transformed output, with
// fenced blocks replaced by embed references.
func (e *Extractor) Process(ctx context.Context, unit string) (string, error) {
	var out strings.Builder
	rest := e.carry + unit
	e.carry = ""
	for rest != "" {
		var err error
		switch e.state {
		case StateOutside:
			rest, err = e.scanOutside(ctx, &out, rest)
		case StateAwaitingLanguage:
			e.state = StateOutside
			rest, err = e.openFromCandidate(ctx, &out, rest)
		case StateInside:
			rest, err = e.scanInside(ctx, &out, rest)
		case StateInsideJSON:
			rest, err = e.scanJSON(ctx, &out, rest)
		}
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

// Finish closes the turn: an open block finalizes as finished, a pending
// bare fence comes back as literal text.
func (e *Extractor) Finish(ctx context.Context) (string, error) {
	switch e.state {
	case StateAwaitingLanguage:
		e.state = StateOutside
		return fence, nil

	case StateInside:
		e.block.content.WriteString(e.carry)
		e.carry = ""
		code := strings.TrimSuffix(e.block.content.String(), "\n")
		embedID := e.block.embedID
		e.block = openBlock{}
		e.state = StateOutside
		if err := e.sink.FinalizeCodeEmbed(ctx, embedID, code); err != nil {
			return "", fmt.Errorf("finalize code embed: %w", err)
		}
		return "", nil

	case StateInsideJSON:
		e.jsonBody.WriteString(e.carry)
		e.carry = ""
		body := e.jsonBody.String()
		open := e.jsonOpen
		e.jsonBody.Reset()
		e.state = StateOutside
		if strings.Contains(body, "embed_id") {
			return open + body, nil
		}
		embedID, err := e.sink.CreateFinishedCodeEmbed(ctx, "json", "", strings.TrimSuffix(body, "\n"))
		if err != nil {
			return "", fmt.Errorf("create code embed: %w", err)
		}
		return codeReference(embedID), nil

	default:
		return "", nil
	}
}

func (e *Extractor) scanOutside(ctx context.Context, out *strings.Builder, rest string) (string, error) {
	idx := strings.Index(rest, fence)
	if idx < 0 {
		out.WriteString(rest)
		return "", nil
	}
	out.WriteString(rest[:idx])
	after := rest[idx+len(fence):]

	nl := strings.Index(after, "\n")
	var fenceLine, content, openRaw string
	if nl < 0 {
		fenceLine, content = after, ""
		openRaw = fence + after
	} else {
		fenceLine, content = after[:nl], after[nl+1:]
		openRaw = fence + after[:nl+1]
	}
	fenceLine = strings.TrimRight(fenceLine, "\r")

	if fenceLine == "" {
		if content == "" {
			e.state = StateAwaitingLanguage
			return "", nil
		}
		return e.openFromCandidate(ctx, out, content)
	}

	language, filename, ok := parseFenceLine(fenceLine)
	if !ok {
		// Implausible info string: the block opens untagged and the
		// line stays in the code.
		text := fenceLine
		if nl >= 0 {
			text = fenceLine + "\n" + content
		}
		return e.beginBlock(ctx, out, "", "", text)
	}
	if language == "json" && filename == "" {
		e.state = StateInsideJSON
		e.jsonOpen = openRaw
		e.jsonBody.Reset()
		return content, nil
	}
	return e.beginBlock(ctx, out, language, filename, content)
}

// openFromCandidate applies the bare-fence heuristic: the first line after
// a lone fence is a language identifier iff it parses as one.
func (e *Extractor) openFromCandidate(ctx context.Context, out *strings.Builder, content string) (string, error) {
	line := content
	rest := ""
	hasNL := false
	if nl := strings.Index(content, "\n"); nl >= 0 {
		line, rest, hasNL = content[:nl], content[nl+1:], true
	}
	line = strings.TrimRight(line, "\r")

	language, filename, ok := parseFenceLine(line)
	if !ok {
		return e.beginBlock(ctx, out, "", "", content)
	}
	if language == "json" && filename == "" {
		e.state = StateInsideJSON
		if hasNL {
			e.jsonOpen = fence + line + "\n"
		} else {
			e.jsonOpen = fence + line
		}
		e.jsonBody.Reset()
		return rest, nil
	}
	return e.beginBlock(ctx, out, language, filename, rest)
}

// beginBlock opens a code embed for a block whose fence has been consumed.
// A closing fence already present in the content collapses the whole block
// into one create-finished step.
func (e *Extractor) beginBlock(ctx context.Context, out *strings.Builder, language, filename, content string) (string, error) {
	if closeIdx := strings.Index(content, fence); closeIdx >= 0 {
		code := strings.TrimSuffix(content[:closeIdx], "\n")
		if filename == "" {
			filename = filenameFromFirstLine(code)
		}
		embedID, err := e.sink.CreateFinishedCodeEmbed(ctx, language, filename, code)
		if err != nil {
			return "", fmt.Errorf("create code embed: %w", err)
		}
		out.WriteString(codeReference(embedID))
		e.state = StateOutside
		return content[closeIdx+len(fence):], nil
	}

	if filename == "" {
		filename = filenameFromFirstLine(content)
	}
	embedID, err := e.sink.OpenCodeEmbed(ctx, language, filename)
	if err != nil {
		return "", fmt.Errorf("open code embed: %w", err)
	}
	e.block = openBlock{embedID: embedID, language: language, filename: filename}
	e.state = StateInside
	out.WriteString(codeReference(embedID))
	return content, nil
}

func (e *Extractor) scanInside(ctx context.Context, out *strings.Builder, rest string) (string, error) {
	idx := strings.Index(rest, fence)
	if idx < 0 {
		keep := e.holdPartialFence(rest)
		e.block.content.WriteString(keep)
		// Opportunistic update once a full line accumulated. Failures
		// are tolerable; the finalize carries the full content.
		if strings.Contains(keep, "\n") {
			if err := e.sink.UpdateCodeEmbed(ctx, e.block.embedID, e.block.content.String()); err != nil {
				e.logger.Warn("Code embed update failed mid-stream",
					"embed_id", e.block.embedID, "error", err)
			}
		}
		return "", nil
	}

	e.block.content.WriteString(rest[:idx])
	code := strings.TrimSuffix(e.block.content.String(), "\n")
	embedID := e.block.embedID
	e.block = openBlock{}
	e.state = StateOutside
	if err := e.sink.FinalizeCodeEmbed(ctx, embedID, code); err != nil {
		return "", fmt.Errorf("finalize code embed: %w", err)
	}
	return rest[idx+len(fence):], nil
}

func (e *Extractor) scanJSON(ctx context.Context, out *strings.Builder, rest string) (string, error) {
	idx := strings.Index(rest, fence)
	if idx < 0 {
		e.jsonBody.WriteString(e.holdPartialFence(rest))
		return "", nil
	}

	e.jsonBody.WriteString(rest[:idx])
	body := e.jsonBody.String()
	e.jsonBody.Reset()
	e.state = StateOutside

	if strings.Contains(body, "embed_id") {
		out.WriteString(e.jsonOpen + body + fence)
	} else {
		embedID, err := e.sink.CreateFinishedCodeEmbed(ctx, "json", "", strings.TrimSuffix(body, "\n"))
		if err != nil {
			return "", fmt.Errorf("create code embed: %w", err)
		}
		out.WriteString(codeReference(embedID))
	}
	return rest[idx+len(fence):], nil
}

// holdPartialFence splits up to two trailing backticks off s into the
// carry. A full fence would already have matched, so longer runs cannot
// end the string here.
func (e *Extractor) holdPartialFence(s string) string {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '`' && n < 2; i-- {
		n++
	}
	if n == 0 {
		return s
	}
	e.carry = s[len(s)-n:]
	return s[:len(s)-n]
}

// parseFenceLine splits a fence info string into language and optional
// filename (```python:hello.py).
func parseFenceLine(line string) (language, filename string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}
	language, filename, _ = strings.Cut(line, ":")
	language = strings.TrimSpace(language)
	filename = strings.TrimSpace(filename)
	if len(language) > maxLanguageLen || !languagePattern.MatchString(language) {
		return "", "", false
	}
	return language, filename, true
}

func filenameFromFirstLine(content string) string {
	line := content
	if nl := strings.Index(content, "\n"); nl >= 0 {
		line = content[:nl]
	}
	m := filenamePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ""
	}
	return m[1]
}

func codeReference(embedID string) string {
	id, _ := json.Marshal(embedID)
	return fence + "json\n" + `{"type": "code", "embed_id": ` + string(id) + `}` + "\n" + fence
}
