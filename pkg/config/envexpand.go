package config

import (
	"os"
	"strings"
)

// ExpandEnv expands environment variable references in YAML content.
// Only the braced forms `${VAR}` and `${VAR:-default}` are expanded; a
// bare `$` passes through untouched.
//
// This prevents conflicts with literal $ characters commonly found in:
//   - Regex patterns: ^secret.*$, price\$[0-9]+
//   - Passwords: p@ss$word
//   - Shell snippets: $PATH
//
// Examples:
//   - ${OPENAI_API_KEY} → value of OPENAI_API_KEY
//   - ${APP_SERVICE_PORT:-8000} → 8000 unless APP_SERVICE_PORT is set
//
// A missing variable without a default expands to an empty string.
// Validation should catch required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	s := string(data)
	if !strings.Contains(s, "${") {
		return data
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			// Unterminated reference, pass the rest through as-is.
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		b.WriteString(resolveEnvRef(s[start+2 : start+end]))
		s = s[start+end+1:]
	}
	return []byte(b.String())
}

func resolveEnvRef(ref string) string {
	name, fallback, hasFallback := strings.Cut(ref, ":-")
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	if hasFallback {
		return fallback
	}
	return ""
}
