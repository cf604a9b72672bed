// Package jsonrepair makes malformed model output consumable. Model responses
// arrive markdown-wrapped, mis-escaped, or truncated mid-structure; Repair
// produces best-effort valid JSON array syntax and ParseOrFallback never
// returns an error. Interior structural corruption is out of reach for this
// approach and degrades to the caller's fallback.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	hexEscapeRe     = regexp.MustCompile(`\\x([0-9A-Fa-f]{2})`)
	parseOffsetRe   = regexp.MustCompile(`offset (\d+)`)
	legalEscapeNext = "/bfnrtu\"\\"
)

// Repair returns text coerced into valid JSON array syntax on a best-effort
// basis. Empty input yields "[]". A response with no open structures comes
// back unchanged apart from escape fixing.
func Repair(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return "[]"
	}
	cleaned = stripCodeFences(cleaned)
	cleaned = fixEscapes(cleaned)
	return closeTruncated(cleaned)
}

// ParseOrFallback repairs text and unmarshals it into T. On parse failure it
// logs the error with surrounding context and returns fallback; it never
// returns an error to the caller.
func ParseOrFallback[T any](logger *zap.Logger, text string, fallback T) T {
	cleaned := Repair(text)
	var out T
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		if logger != nil {
			logger.Error("json parse failed after repair",
				zap.String("error", err.Error()),
				zap.String("context", errorContext(cleaned, err)))
		}
		return fallback
	}
	return out
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// fixEscapes normalizes escape sequences JSON.parse would choke on:
// \xNN hex escapes become \u00NN, malformed \u escapes and stray backslashes
// are escaped literally.
func fixEscapes(s string) string {
	s = hexEscapeRe.ReplaceAllString(s, `\u00$1`)

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			b.WriteString(`\\`)
			continue
		}
		next := s[i+1]
		if next == 'u' {
			if isHex4(s[i+2:]) {
				b.WriteByte(c)
				continue
			}
			b.WriteString(`\\`)
			continue
		}
		if strings.IndexByte(legalEscapeNext, next) >= 0 {
			// Legal escape: emit both bytes and skip the escaped char so a
			// \\ pair is not re-processed.
			b.WriteByte(c)
			b.WriteByte(next)
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func isHex4(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// closeTruncated scans once, tracking string state and a stack of open
// structures, then appends whatever closers a truncated response left out.
// Braces and brackets inside string literals are ignored.
func closeTruncated(s string) string {
	inString := false
	escaped := false
	var stack []byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// errorContext extracts ±20 characters around the offset encoding/json
// reported, for operator-readable parse failure logs.
func errorContext(s string, err error) string {
	m := parseOffsetRe.FindStringSubmatch(err.Error())
	if m == nil {
		if len(s) > 100 {
			return s[:100] + "..."
		}
		return s
	}
	pos, convErr := strconv.Atoi(m[1])
	if convErr != nil || pos > len(s) {
		return ""
	}
	start := pos - 20
	if start < 0 {
		start = 0
	}
	end := pos + 20
	if end > len(s) {
		end = len(s)
	}
	return "..." + s[start:end] + "..."
}
