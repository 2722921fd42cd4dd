// Package toon implements the TOON text serialization used for embed
// content and tool results.
//
// TOON is line-oriented. Objects render as "key: value" lines, nested
// objects as an indented block, and arrays carry an explicit length:
//
//	query: weather berlin
//	results[2]{title,url}:
//	  Berlin Forecast,https://example.com/b
//	  Weather Now,https://example.com/w
//
// Uniform object arrays (every element an object with the same scalar
// fields) use the tabular header form above, which is the whole point of
// the format: large homogeneous result sets cost roughly a third fewer
// tokens than nested JSON. Non-uniform object arrays fall back to a
// dash-item list; primitive arrays render inline, comma-separated.
//
// Output is deterministic: map keys render in sorted order. Decode
// reverses Encode, so the pair round-trips any tree built from scalars,
// maps, and slices.
package toon

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

const indentStep = "  "

// Encode renders m as TOON text. The result always ends with a newline
// unless m is empty.
func Encode(m map[string]any) string {
	var sb strings.Builder
	encodeObject(&sb, m, 0)
	return sb.String()
}

func encodeObject(sb *strings.Builder, m map[string]any, indent int) {
	for _, k := range sortedKeys(m) {
		encodeEntry(sb, indentOf(indent), k, m[k], indent)
	}
}

// encodeEntry writes one key/value pair. lead is the text preceding the
// key on its line (indentation, or indentation plus a dash for the first
// entry of a list item); indent is the logical level of the entry, which
// children are nested under.
func encodeEntry(sb *strings.Builder, lead, key string, v any, indent int) {
	switch val := v.(type) {
	case map[string]any:
		sb.WriteString(lead + encodeKey(key) + ":\n")
		encodeObject(sb, val, indent+1)
	case []any:
		encodeArray(sb, lead+encodeKey(key), val, indent)
	default:
		sb.WriteString(lead + encodeKey(key) + ": " + scalarString(v) + "\n")
	}
}

// encodeArray writes an array whose "[N]..." header starts right after
// head; nested content sits at indent+1. An empty head encodes a keyless
// array, which only occurs as a dash-list item.
func encodeArray(sb *strings.Builder, head string, arr []any, indent int) {
	n := strconv.Itoa(len(arr))

	if len(arr) == 0 {
		sb.WriteString(head + "[0]:\n")
		return
	}

	if cols, ok := tabularColumns(arr); ok {
		sb.WriteString(head + "[" + n + "]{" + strings.Join(quoteAll(cols), ",") + "}:\n")
		rowLead := indentOf(indent + 1)
		for _, el := range arr {
			row := el.(map[string]any)
			cells := make([]string, len(cols))
			for i, c := range cols {
				cells[i] = scalarString(row[c])
			}
			sb.WriteString(rowLead + strings.Join(cells, ",") + "\n")
		}
		return
	}

	if allScalars(arr) {
		cells := make([]string, len(arr))
		for i, el := range arr {
			cells[i] = scalarString(el)
		}
		sb.WriteString(head + "[" + n + "]: " + strings.Join(cells, ",") + "\n")
		return
	}

	// Mixed or non-uniform: dash-item list. Each item's first entry
	// shares the dash line; the rest align one level deeper.
	sb.WriteString(head + "[" + n + "]:\n")
	dashLead := indentOf(indent+1) + "- "
	for _, el := range arr {
		switch item := el.(type) {
		case map[string]any:
			keys := sortedKeys(item)
			if len(keys) == 0 {
				sb.WriteString(indentOf(indent+1) + "-\n")
				continue
			}
			for i, k := range keys {
				if i == 0 {
					encodeEntry(sb, dashLead, k, item[k], indent+2)
				} else {
					encodeEntry(sb, indentOf(indent+2), k, item[k], indent+2)
				}
			}
		case []any:
			encodeArray(sb, dashLead, item, indent+1)
		default:
			sb.WriteString(dashLead + scalarString(item) + "\n")
		}
	}
}

// tabularColumns reports whether every element of arr is an object with
// the same scalar-valued key set, returning the sorted column names.
func tabularColumns(arr []any) ([]string, bool) {
	first, ok := arr[0].(map[string]any)
	if !ok || len(first) == 0 {
		return nil, false
	}
	cols := sortedKeys(first)
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok || len(m) != len(cols) {
			return nil, false
		}
		for _, c := range cols {
			v, present := m[c]
			if !present || !isScalar(v) {
				return nil, false
			}
		}
	}
	return cols, true
}

func allScalars(arr []any) bool {
	for _, el := range arr {
		if !isScalar(el) {
			return false
		}
	}
	return true
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}

// scalarString renders a scalar value. Strings are quoted only when the
// bare form would be ambiguous to the decoder.
func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		if needsQuote(val) {
			return strconv.Quote(val)
		}
		return val
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return strconv.Quote(toStringFallback(v))
	}
}

func toStringFallback(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// needsQuote reports whether s must be quoted to survive a round trip:
// empty strings, strings that parse as another scalar type, and strings
// containing structural characters.
func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	if s == "true" || s == "false" || s == "null" {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	if s != strings.TrimSpace(s) {
		return true
	}
	if strings.HasPrefix(s, "- ") || s == "-" {
		return true
	}
	return strings.ContainsAny(s, ",:\"\n{}[]")
}

func encodeKey(k string) string {
	if k == "" || strings.HasPrefix(k, "-") || strings.ContainsAny(k, ",:\"\n{}[] ") {
		return strconv.Quote(k)
	}
	return k
}

func quoteAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = encodeKey(k)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indentOf(level int) string {
	return strings.Repeat(indentStep, level)
}
