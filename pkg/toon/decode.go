package toon

import (
	"fmt"
	"strconv"
	"strings"
)

// Decode parses TOON text produced by Encode back into a generic tree.
// Numbers decode as float64, matching encoding/json's behavior for
// map[string]any trees.
func Decode(s string) (map[string]any, error) {
	p := &parser{lines: splitLines(s)}
	m, err := p.parseBlock(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.lines) {
		return nil, fmt.Errorf("toon: line %d: unexpected indentation", p.lines[p.pos].num)
	}
	return m, nil
}

type parsedLine struct {
	num    int
	indent int
	text   string
}

type parser struct {
	lines []parsedLine
	pos   int
}

func splitLines(s string) []parsedLine {
	var out []parsedLine
	for i, raw := range strings.Split(s, "\n") {
		raw = strings.TrimSuffix(raw, "\r")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		spaces := len(raw) - len(strings.TrimLeft(raw, " "))
		out = append(out, parsedLine{
			num:    i + 1,
			indent: spaces / 2,
			text:   raw[spaces:],
		})
	}
	return out
}

func (p *parser) peek() (parsedLine, bool) {
	if p.pos >= len(p.lines) {
		return parsedLine{}, false
	}
	return p.lines[p.pos], true
}

// parseBlock consumes consecutive entries at exactly the given level and
// returns them as an object. It stops at a shallower line or a dash item.
func (p *parser) parseBlock(level int) (map[string]any, error) {
	out := map[string]any{}
	for {
		ln, ok := p.peek()
		if !ok || ln.indent < level || strings.HasPrefix(ln.text, "-") {
			return out, nil
		}
		if ln.indent > level {
			return nil, fmt.Errorf("toon: line %d: unexpected indentation", ln.num)
		}
		p.pos++
		if err := p.parseEntryInto(out, ln.text, level, ln.num); err != nil {
			return nil, err
		}
	}
}

// parseEntryInto parses one "key..." line whose own level is entryLevel;
// any nested content sits at entryLevel+1.
func (p *parser) parseEntryInto(m map[string]any, text string, entryLevel, lineNum int) error {
	key, rest, err := parseKey(text)
	if err != nil {
		return fmt.Errorf("toon: line %d: %w", lineNum, err)
	}

	if strings.HasPrefix(rest, "[") {
		val, err := p.parseArray(rest, entryLevel, lineNum)
		if err != nil {
			return err
		}
		m[key] = val
		return nil
	}

	if !strings.HasPrefix(rest, ":") {
		return fmt.Errorf("toon: line %d: expected ':' after key %q", lineNum, key)
	}
	rest = strings.TrimPrefix(rest, ":")

	if strings.TrimSpace(rest) == "" {
		child, err := p.parseBlock(entryLevel + 1)
		if err != nil {
			return err
		}
		m[key] = child
		return nil
	}
	m[key] = parseScalar(strings.TrimPrefix(rest, " "))
	return nil
}

// parseArray parses the "[N]..." tail of an array header plus any body
// lines that follow it.
func (p *parser) parseArray(rest string, entryLevel, lineNum int) (any, error) {
	close := strings.IndexByte(rest, ']')
	if close < 0 {
		return nil, fmt.Errorf("toon: line %d: unterminated array length", lineNum)
	}
	n, err := strconv.Atoi(rest[1:close])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("toon: line %d: invalid array length %q", lineNum, rest[1:close])
	}
	rest = rest[close+1:]

	if strings.HasPrefix(rest, "{") {
		return p.parseTabular(rest, entryLevel, n, lineNum)
	}

	if !strings.HasPrefix(rest, ":") {
		return nil, fmt.Errorf("toon: line %d: expected ':' after array length", lineNum)
	}
	rest = strings.TrimPrefix(rest, ":")

	if inline := strings.TrimPrefix(rest, " "); strings.TrimSpace(rest) != "" {
		cells, err := splitCells(inline)
		if err != nil {
			return nil, fmt.Errorf("toon: line %d: %w", lineNum, err)
		}
		if len(cells) != n {
			return nil, fmt.Errorf("toon: line %d: array declares %d items, found %d", lineNum, n, len(cells))
		}
		items := make([]any, len(cells))
		for i, c := range cells {
			items[i] = parseScalar(c)
		}
		return items, nil
	}

	if n == 0 {
		return []any{}, nil
	}
	return p.parseDashItems(entryLevel+1, n, lineNum)
}

func (p *parser) parseTabular(rest string, entryLevel, n, lineNum int) (any, error) {
	close := strings.IndexByte(rest, '}')
	if close < 0 {
		return nil, fmt.Errorf("toon: line %d: unterminated column list", lineNum)
	}
	cols, err := splitCells(rest[1:close])
	if err != nil {
		return nil, fmt.Errorf("toon: line %d: %w", lineNum, err)
	}
	for i, c := range cols {
		if strings.HasPrefix(c, "\"") {
			unq, err := strconv.Unquote(c)
			if err != nil {
				return nil, fmt.Errorf("toon: line %d: bad column name %s", lineNum, c)
			}
			cols[i] = unq
		}
	}
	if !strings.HasPrefix(rest[close+1:], ":") {
		return nil, fmt.Errorf("toon: line %d: expected ':' after column list", lineNum)
	}

	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		ln, ok := p.peek()
		if !ok || ln.indent != entryLevel+1 {
			return nil, fmt.Errorf("toon: line %d: table declares %d rows, found %d", lineNum, n, i)
		}
		p.pos++
		cells, err := splitCells(ln.text)
		if err != nil {
			return nil, fmt.Errorf("toon: line %d: %w", ln.num, err)
		}
		if len(cells) != len(cols) {
			return nil, fmt.Errorf("toon: line %d: row has %d cells, want %d", ln.num, len(cells), len(cols))
		}
		row := make(map[string]any, len(cols))
		for j, c := range cols {
			row[c] = parseScalar(cells[j])
		}
		items = append(items, row)
	}
	return items, nil
}

// parseDashItems reads n "- ..." items at the given level. Content after
// the dash sits one level deeper, and an item's remaining fields continue
// at that deeper level on the following lines.
func (p *parser) parseDashItems(level, n, lineNum int) ([]any, error) {
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		ln, ok := p.peek()
		if !ok || ln.indent != level || !strings.HasPrefix(ln.text, "-") {
			return nil, fmt.Errorf("toon: line %d: list declares %d items, found %d", lineNum, n, i)
		}
		p.pos++

		if ln.text == "-" {
			items = append(items, map[string]any{})
			continue
		}
		content := strings.TrimPrefix(ln.text, "- ")

		if strings.HasPrefix(content, "[") {
			arr, err := p.parseArray(content, level+1, ln.num)
			if err != nil {
				return nil, err
			}
			items = append(items, arr)
			continue
		}

		if _, rest, err := parseKey(content); err == nil && (strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, "[")) {
			item := map[string]any{}
			if err := p.parseEntryInto(item, content, level+1, ln.num); err != nil {
				return nil, err
			}
			tail, err := p.parseBlock(level + 1)
			if err != nil {
				return nil, err
			}
			for k, v := range tail {
				item[k] = v
			}
			items = append(items, item)
			continue
		}
		items = append(items, parseScalar(content))
	}
	return items, nil
}

// parseKey splits a line into its key token and the remainder. Keys are
// either a Go-quoted string or a bare run ending at ':' or '['.
func parseKey(text string) (string, string, error) {
	if strings.HasPrefix(text, "\"") {
		quoted, err := strconv.QuotedPrefix(text)
		if err != nil {
			return "", "", fmt.Errorf("bad quoted key: %w", err)
		}
		key, err := strconv.Unquote(quoted)
		if err != nil {
			return "", "", fmt.Errorf("bad quoted key: %w", err)
		}
		return key, text[len(quoted):], nil
	}
	idx := strings.IndexAny(text, ":[")
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':' in %q", text)
	}
	return text[:idx], text[idx:], nil
}

// splitCells splits a comma-separated cell list, honoring quoted cells
// that may themselves contain commas.
func splitCells(s string) ([]string, error) {
	var cells []string
	for {
		s = strings.TrimPrefix(s, " ")
		if strings.HasPrefix(s, "\"") {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad quoted cell: %w", err)
			}
			cells = append(cells, quoted)
			s = s[len(quoted):]
			if s == "" {
				return cells, nil
			}
			if !strings.HasPrefix(s, ",") {
				return nil, fmt.Errorf("expected ',' after quoted cell, got %q", s)
			}
			s = s[1:]
			continue
		}
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			cells = append(cells, s)
			return cells, nil
		}
		cells = append(cells, s[:idx])
		s = s[idx+1:]
	}
}

// parseScalar interprets one cell or value token.
func parseScalar(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(s, "\"") {
		if unq, err := strconv.Unquote(s); err == nil {
			return unq
		}
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
