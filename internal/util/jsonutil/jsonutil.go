package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON value can be located in a text blob.
var ErrNoJSON = errors.New("jsonutil: no JSON value found")

// MarshalNoEscape encodes v into JSON without escaping <, >, & into <, etc.
// Generated source code is full of those characters, so checkpoints stay readable.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Extract locates the JSON payload inside free-form model output.
// It tries, in order:
//  1. a ```json fenced block
//  2. any ``` fenced block
//  3. the first balanced {...} or [...] span
//
// The returned bytes are not validated; callers decode them.
func Extract(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSON
	}
	if body, ok := fenced(text, "```json"); ok {
		return []byte(body), nil
	}
	if body, ok := fenced(text, "```"); ok && looksLikeJSON(body) {
		return []byte(body), nil
	}
	if looksLikeJSON(text) && json.Valid([]byte(text)) {
		return []byte(text), nil
	}
	if span, ok := balancedSpan(text); ok {
		return []byte(span), nil
	}
	return nil, ErrNoJSON
}

// DecodeLenient extracts the JSON payload from text and unmarshals it into v.
func DecodeLenient(text string, v any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func fenced(text, open string) (string, bool) {
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	// Skip an info string such as ```javascript up to the newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && open == "```" {
		if info := strings.TrimSpace(rest[:nl]); info != "" && !strings.ContainsAny(info, "{[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// balancedSpan returns the first {...} or [...] span whose brackets balance,
// ignoring brackets inside string literals.
func balancedSpan(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	for start >= 0 {
		if end, ok := matchClose(text, start); ok {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexAny(text[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchClose(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
