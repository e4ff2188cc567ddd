// Package jsonx extracts JSON documents from LLM completions that may wrap
// them in prose or fenced code blocks. Extraction is lenient but the
// extracted document itself must parse strictly.
package jsonx

import (
	"encoding/json"
	"strings"
)

// ExtractObject returns the first JSON object found in s. It tries, in
// order: a direct parse of the trimmed input, a parse of the first fenced
// code block, and a balanced-brace scan over the raw text.
func ExtractObject(s string) (json.RawMessage, bool) {
	return extract(s, '{', '}')
}

// ExtractArray is ExtractObject for a top-level JSON array.
func ExtractArray(s string) (json.RawMessage, bool) {
	return extract(s, '[', ']')
}

func extract(s string, open, close byte) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(s)
	if raw, ok := tryParse(trimmed, open); ok {
		return raw, true
	}
	for _, block := range fencedBlocks(trimmed) {
		if raw, ok := tryParse(block, open); ok {
			return raw, true
		}
		if raw, ok := scanBalanced(block, open, close); ok {
			return raw, true
		}
	}
	return scanBalanced(trimmed, open, close)
}

func tryParse(s string, open byte) (json.RawMessage, bool) {
	if len(s) == 0 || s[0] != open {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// fencedBlocks returns the contents of ``` fenced blocks, language tag
// stripped.
func fencedBlocks(s string) []string {
	var blocks []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			return blocks
		}
		rest := s[start+3:]
		// Drop the info string (e.g. "json") up to the first newline.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			blocks = append(blocks, strings.TrimSpace(rest))
			return blocks
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		s = rest[end+3:]
	}
}

// scanBalanced finds the first balanced {...} or [...] span, tracking
// string literals and escapes so braces inside strings don't count.
func scanBalanced(s string, open, close byte) (json.RawMessage, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), true
				}
				// Keep looking past an invalid span.
				rest, ok := scanBalanced(s[i+1:], open, close)
				return rest, ok
			}
		}
	}
	return nil, false
}

// Unmarshal extracts the first JSON object from s and decodes it into v.
func Unmarshal(s string, v any) bool {
	raw, ok := ExtractObject(s)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
