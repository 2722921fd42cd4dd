package toon

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{
			name: "scalars in sorted key order",
			input: map[string]any{
				"zeta":  true,
				"alpha": "hello world",
				"count": float64(3),
			},
			want: lines(
				"alpha: hello world",
				"count: 3",
				"zeta: true",
			),
		},
		{
			name: "uniform object array renders tabular",
			input: map[string]any{
				"query": "weather berlin",
				"results": []any{
					map[string]any{"title": "Berlin Forecast", "url": "https://example.com/b"},
					map[string]any{"title": "Weather Now", "url": "https://example.com/w"},
				},
			},
			want: lines(
				"query: weather berlin",
				"results[2]{title,url}:",
				`  Berlin Forecast,"https://example.com/b"`,
				`  Weather Now,"https://example.com/w"`,
			),
		},
		{
			name: "nested object with inline scalar array",
			input: map[string]any{
				"name": "maps_search",
				"params": map[string]any{
					"count": float64(3),
					"tags":  []any{"a", "b"},
				},
				"units": []any{},
			},
			want: lines(
				"name: maps_search",
				"params:",
				"  count: 3",
				"  tags[2]: a,b",
				"units[0]:",
			),
		},
		{
			name: "mixed array falls back to dash list",
			input: map[string]any{
				"items": []any{
					float64(1),
					map[string]any{"a": float64(2), "b": map[string]any{"c": true}},
					[]any{float64(3), float64(4)},
				},
			},
			want: lines(
				"items[3]:",
				"  - 1",
				"  - a: 2",
				"    b:",
				"      c: true",
				"  - [2]: 3,4",
			),
		},
		{
			name: "ambiguous strings are quoted",
			input: map[string]any{
				"comma":  "a,b",
				"dash":   "-",
				"empty":  "",
				"my key": "x",
				"nil":    nil,
				"null":   "null",
				"num":    "42",
				"real":   float64(3.5),
				"truthy": true,
			},
			want: lines(
				`comma: "a,b"`,
				`dash: "-"`,
				`empty: ""`,
				`"my key": x`,
				"nil: null",
				`null: "null"`,
				`num: "42"`,
				"real: 3.5",
				"truthy: true",
			),
		},
		{
			name: "non-uniform object rows avoid tabular form",
			input: map[string]any{
				"rows": []any{
					map[string]any{"a": float64(1)},
					map[string]any{"b": float64(2)},
				},
			},
			want: lines(
				"rows[2]:",
				"  - a: 1",
				"  - b: 2",
			),
		},
		{
			name: "large integral floats keep integer form",
			input: map[string]any{
				"tokens": float64(120000),
			},
			want: lines("tokens: 120000"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.input))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name: "tabular rows",
			input: lines(
				"results[2]{score,title}:",
				"  0.9,First",
				`  0.4,"Second, revised"`,
			),
			want: map[string]any{
				"results": []any{
					map[string]any{"score": 0.9, "title": "First"},
					map[string]any{"score": 0.4, "title": "Second, revised"},
				},
			},
		},
		{
			name: "dash items with trailing fields",
			input: lines(
				"items[2]:",
				"  - id: 1",
				"    tags[2]: x,y",
				"  - id: 2",
			),
			want: map[string]any{
				"items": []any{
					map[string]any{"id": float64(1), "tags": []any{"x", "y"}},
					map[string]any{"id": float64(2)},
				},
			},
		},
		{
			name:  "empty object value",
			input: lines("meta:", "done: true"),
			want:  map[string]any{"meta": map[string]any{}, "done": true},
		},
		{
			name:  "blank lines are ignored",
			input: "a: 1\n\n\nb: 2\n",
			want:  map[string]any{"a": float64(1), "b": float64(2)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "inline array length mismatch",
			input:   "tags[3]: a,b\n",
			wantErr: "declares 3 items",
		},
		{
			name:    "missing table rows",
			input:   "rows[2]{a}:\n  1\n",
			wantErr: "declares 2 rows",
		},
		{
			name:    "row cell count mismatch",
			input:   "rows[1]{a,b}:\n  1\n",
			wantErr: "row has 1 cells",
		},
		{
			name:    "unexpected deep indentation",
			input:   "a: 1\n    b: 2\n",
			wantErr: "unexpected indentation",
		},
		{
			name:    "value without separator",
			input:   "just a string\n",
			wantErr: "missing ':'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	docs := []struct {
		name string
		json string
	}{
		{
			name: "search response",
			json: `{
				"query": "best pizza, downtown",
				"total": 17,
				"results": [
					{"title": "Tony's", "rating": 4.5, "open": true},
					{"title": "Slice: The Sequel", "rating": 3.9, "open": false}
				]
			}`,
		},
		{
			name: "nested and mixed",
			json: `{
				"steps": [
					"fetch",
					{"op": "merge", "inputs": [[1, 2], [3]]},
					null
				],
				"config": {"retries": 0, "labels": []}
			}`,
		},
		{
			name: "hostile strings",
			json: `{
				"a": "true",
				"b": "00123",
				"c": "- leading dash",
				"d": "line\nbreak",
				"e": "{\"embedded\": [1]}",
				"-f": "leading dash key"
			}`,
		},
		{
			name: "deep uniformity",
			json: `{
				"batches": [
					{"rows": [{"x": 1, "y": 2}, {"x": 3, "y": 4}], "n": 2},
					{"rows": [{"x": 5, "y": 6}], "n": 1}
				]
			}`,
		},
	}

	for _, tt := range docs {
		t.Run(tt.name, func(t *testing.T) {
			var original map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.json), &original))

			encoded := Encode(original)
			decoded, err := Decode(encoded)
			require.NoError(t, err, "encoded form:\n%s", encoded)
			assert.Equal(t, original, decoded, "encoded form:\n%s", encoded)
		})
	}
}
