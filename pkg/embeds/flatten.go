package embeds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Flatten reshapes one result row into a flat scalar map so it fits the
// tabular TOON form. Nested objects contribute parent_child keys, lists of
// primitives collapse into pipe-joined strings, and lists of objects are
// flattened element-wise with their values pipe-joined per sub-key.
func Flatten(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	flattenInto(out, "", row)
	return out
}

// FlattenRows flattens every row of a result list.
func FlattenRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, Flatten(row))
	}
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for key, value := range m {
		full := key
		if prefix != "" {
			full = prefix + "_" + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenInto(out, full, v)
		case []any:
			flattenList(out, full, v)
		default:
			out[full] = value
		}
	}
}

func flattenList(out map[string]any, key string, list []any) {
	if len(list) == 0 {
		out[key] = ""
		return
	}
	if !allObjects(list) {
		out[key] = pipeJoin(list)
		return
	}

	// Object lists: flatten each element, then pipe-join values per
	// sub-key so every element stays addressable by position.
	flat := make([]map[string]any, 0, len(list))
	keys := make([]string, 0)
	seen := make(map[string]bool)
	for _, el := range list {
		f := Flatten(el.(map[string]any))
		flat = append(flat, f)
		for k := range f {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	for _, sub := range keys {
		parts := make([]string, len(flat))
		for i, f := range flat {
			if v, ok := f[sub]; ok {
				parts[i] = primitiveString(v)
			}
		}
		out[key+"_"+sub] = strings.Join(parts, "|")
	}
}

func allObjects(list []any) bool {
	for _, el := range list {
		if _, ok := el.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func pipeJoin(list []any) string {
	parts := make([]string, len(list))
	for i, el := range list {
		parts[i] = primitiveString(el)
	}
	return strings.Join(parts, "|")
}

func primitiveString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
