package embeds

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/heymates/maestro/pkg/toon"
)

// fencedJSONPattern matches the embed-reference blocks the model writes
// into message content.
var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n?(\\{.*?\\})\\s*\\n?```")

var blankRuns = regexp.MustCompile(`\n{3,}`)

// embedReference is the parsed shape of a reference fence.
type embedReference struct {
	Type     string   `json:"type"`
	EmbedID  string   `json:"embed_id,omitempty"`
	EmbedIDs []string `json:"embed_ids,omitempty"`
	URL      string   `json:"url,omitempty"`
}

func (r embedReference) ids() []string {
	if r.EmbedID != "" {
		return []string{r.EmbedID}
	}
	return r.EmbedIDs
}

// ResolveInContent replaces embed-reference fences with the decrypted embed
// content before a message goes to the model. Expired embeds degrade to a
// bracketed URL note when the reference carries a url, and stay untouched
// otherwise.
func (s *Service) ResolveInContent(ctx context.Context, vaultKeyID, content string) string {
	if !strings.Contains(content, "```json") {
		return content
	}
	return fencedJSONPattern.ReplaceAllStringFunc(content, func(block string) string {
		ref, ok := parseReference(block)
		if !ok || len(ref.ids()) == 0 {
			return block
		}

		fences := make([]string, 0, len(ref.ids()))
		for _, embedID := range ref.ids() {
			embed, found, err := s.cache.GetEmbed(ctx, embedID)
			if err != nil || !found {
				if ref.URL != "" {
					return fmt.Sprintf("[%s EMBED - URL: %s]", strings.ToUpper(ref.Type), ref.URL)
				}
				return block
			}
			plain, err := s.crypto.DecryptWithUserKey(embed.Content, vaultKeyID)
			if err != nil {
				s.logger.Warn("Embed decryption failed during resolve, leaving reference",
					"embed_id", embedID, "error", err)
				return block
			}
			fences = append(fences, "```toon\n"+strings.TrimRight(plain, "\n")+"\n```")
		}
		return strings.Join(fences, "\n\n")
	})
}

// StripFailedReferences removes reference fences pointing at failed embeds
// from the final message content. References listing several ids keep the
// survivors.
func StripFailedReferences(content string, failed map[string]bool) string {
	if len(failed) == 0 || !strings.Contains(content, "```json") {
		return content
	}
	out := fencedJSONPattern.ReplaceAllStringFunc(content, func(block string) string {
		ref, ok := parseReference(block)
		if !ok {
			return block
		}

		if ref.EmbedID != "" {
			if failed[ref.EmbedID] {
				return ""
			}
			return block
		}
		if len(ref.EmbedIDs) == 0 {
			return block
		}

		survivors := make([]string, 0, len(ref.EmbedIDs))
		for _, id := range ref.EmbedIDs {
			if !failed[id] {
				survivors = append(survivors, id)
			}
		}
		switch {
		case len(survivors) == 0:
			return ""
		case len(survivors) == len(ref.EmbedIDs):
			return block
		default:
			ref.EmbedIDs = survivors
			data, err := json.Marshal(ref)
			if err != nil {
				return block
			}
			return "```json\n" + string(data) + "\n```"
		}
	})
	return strings.TrimSpace(blankRuns.ReplaceAllString(out, "\n\n"))
}

func parseReference(block string) (embedReference, bool) {
	match := fencedJSONPattern.FindStringSubmatch(block)
	if len(match) < 2 {
		return embedReference{}, false
	}
	var ref embedReference
	if err := json.Unmarshal([]byte(match[1]), &ref); err != nil {
		return embedReference{}, false
	}
	return ref, true
}

// inferenceEssentialFields always survive filtering: they anchor citations
// and temporal context in the model's answer.
var inferenceEssentialFields = map[string]bool{
	"url":          true,
	"page_age":     true,
	"profile_name": true,
}

// FilterForInference strips ignored result fields from a TOON tool response
// before it goes back to the model. The cached history keeps the full
// content; only the in-flight request sees the filtered view.
func FilterForInference(content string, ignore []string) string {
	if len(ignore) == 0 {
		return content
	}
	decoded, err := toon.Decode(content)
	if err != nil {
		return content
	}

	drop := make(map[string]bool, len(ignore))
	for _, field := range ignore {
		if !inferenceEssentialFields[field] {
			drop[field] = true
		}
	}
	if len(drop) == 0 {
		return content
	}

	if rows, ok := decoded["results"].([]any); ok {
		for _, row := range rows {
			if m, ok := row.(map[string]any); ok {
				filterFields(m, drop)
			}
		}
	} else {
		filterFields(decoded, drop)
	}
	return toon.Encode(decoded)
}

func filterFields(m map[string]any, drop map[string]bool) {
	for key := range m {
		if drop[key] {
			delete(m, key)
		}
	}
}
