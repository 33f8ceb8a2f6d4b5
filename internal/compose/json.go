package compose

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/newsletter-agent/internal/models"
)

// ErrNoJSON is returned when no JSON object can be recovered from model output.
var ErrNoJSON = errors.New("no JSON object found in model output")

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?\\s*```")

// ExtractJSONObject extracts and parses a JSON object from model output.
//
// Uses three strategies in order:
//  1. Direct unmarshal of the full text.
//  2. Extract from a markdown code fence.
//  3. Brace-depth scanning to find the first balanced {...} block.
func ExtractJSONObject(raw string) (models.JSON, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("model returned empty response")
	}

	// Strategy 1: the entire response is valid JSON.
	var direct models.JSON
	if err := json.Unmarshal([]byte(text), &direct); err == nil && direct != nil {
		return direct, nil
	}

	// Strategy 2: markdown code fence.
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") {
			var fenced models.JSON
			if err := json.Unmarshal([]byte(inner), &fenced); err == nil && fenced != nil {
				return fenced, nil
			}
		}
	}

	// Strategy 3: first balanced {...} block via brace-depth counting.
	// Avoids the greedy-regex problem where prose braces break the
	// extraction boundary.
	candidate := firstJSONObject(text)
	if candidate == "" {
		return nil, ErrNoJSON
	}
	var scanned models.JSON
	if err := json.Unmarshal([]byte(candidate), &scanned); err != nil {
		return nil, errors.New("invalid JSON in model output")
	}
	return scanned, nil
}

// firstJSONObject finds the first balanced {...} block, tracking depth
// while respecting JSON string literals so braces inside quoted strings
// are not counted.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escapeNext := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escapeNext {
			escapeNext = false
			continue
		}
		if c == '\\' {
			if inString {
				escapeNext = true
			}
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				// Balanced but not valid JSON; keep scanning from the
				// next opening brace.
				next := strings.IndexByte(text[i+1:], '{')
				if next == -1 {
					return ""
				}
				return firstJSONObject(text[i+1+next:])
			}
		}
	}
	return ""
}
