package jsonrepair

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func TestRepairEmptyInput(t *testing.T) {
	if got := Repair(""); got != "[]" {
		t.Fatalf("empty input: expected [], got %q", got)
	}
	if got := Repair("   \n  "); got != "[]" {
		t.Fatalf("whitespace input: expected [], got %q", got)
	}
}

func TestRepairStripsCodeFences(t *testing.T) {
	in := "```json\n[{\"a\": 1}]\n```"
	got := Repair(in)
	if got != `[{"a": 1}]` {
		t.Fatalf("expected fences stripped, got %q", got)
	}
}

func TestRepairClosesTruncatedStructures(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"open object in array", `[{"a":1,"b":"x`, `[{"a":1,"b":"x"}]`},
		{"open array", `[1, 2, [3`, `[1, 2, [3]]`},
		{"already valid", `[{"a":1}]`, `[{"a":1}]`},
		{"brace inside string ignored", `[{"a":"{"`, `[{"a":"{"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Repair(tc.in)
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if !json.Valid([]byte(got)) {
				t.Fatalf("repaired output is not valid JSON: %q", got)
			}
		})
	}
}

func TestRepairFixesEscapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"hex escape", `["\x41"]`, `["\u0041"]`},
		{"bad unicode escape", `["\uZZZZ"]`, `["\\uZZZZ"]`},
		{"stray backslash", `["a\qb"]`, `["a\\qb"]`},
		{"legal escape preserved", `["line\nbreak"]`, `["line\nbreak"]`},
		{"double backslash preserved", `["a\\b"]`, `["a\\b"]`},
		{"trailing backslash", `["x"]` + `\`, `["x"]\\`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Repair(tc.in); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseOrFallback(t *testing.T) {
	logger := zap.NewNop()

	type row struct {
		A int    `json:"a"`
		B string `json:"b"`
	}

	got := ParseOrFallback[[]row](logger, `[{"a":1,"b":"x`, nil)
	if len(got) != 1 || got[0].A != 1 || got[0].B != "x" {
		t.Fatalf("truncated input: expected repaired row, got %+v", got)
	}

	fallback := []row{{A: 9}}
	got = ParseOrFallback(logger, `not json at all`, fallback)
	if len(got) != 1 || got[0].A != 9 {
		t.Fatalf("unparseable input: expected fallback, got %+v", got)
	}

	got = ParseOrFallback[[]row](logger, "", []row{{A: 3}})
	if len(got) != 0 {
		t.Fatalf("empty input repairs to []: expected empty decode, got %+v", got)
	}
}

func TestParseOrFallbackNilLogger(t *testing.T) {
	// Parse failure with a nil logger must not panic.
	got := ParseOrFallback[[]int](nil, `{{{`, []int{7})
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected fallback, got %+v", got)
	}
}
