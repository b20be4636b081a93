// Package json provides JSON extraction utilities for parsing LLM responses.
//
// LLMs often return JSON embedded in text, fenced in markdown or followed
// by commentary. This package locates the JSON object in such answers.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON finds and returns the JSON object in a response string.
// Candidates are tried in order:
// 1. the whole response (after removing a surrounding markdown fence)
// 2. the body of every ``` fenced block
// 3. every balanced {...} span, scanning braces outside string literals
func extractJSON(response string) (string, error) {
	for _, candidate := range candidates(response) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	// Create a preview for the error message
	preview := []rune(strings.TrimSpace(response))
	if len(preview) > 100 {
		return "", fmt.Errorf("failed to extract valid JSON from response: %q", string(preview[:100])+"...")
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", string(preview))
}

func candidates(response string) []string {
	out := []string{stripMarkdownCodeBlocks(response)}
	out = append(out, fencedBlocks(response)...)
	out = append(out, objectSpans(response)...)
	return out
}

// stripMarkdownCodeBlocks removes markdown code block markers from a response.
// Handles patterns like ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeBlocks(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop the info string (json, JSON, javascript...)
	if nl := strings.IndexByte(trimmed, '\n'); nl != -1 && !strings.ContainsAny(trimmed[:nl], "{[") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// fencedBlocks returns the bodies of all ``` fenced blocks.
func fencedBlocks(response string) []string {
	var blocks []string
	parts := strings.Split(response, "```")
	// Odd-indexed parts are inside fences
	for i := 1; i < len(parts); i += 2 {
		blocks = append(blocks, stripMarkdownCodeBlocks("```"+parts[i]))
	}
	return blocks
}

// objectSpans returns every top-level balanced {...} span. Braces inside
// JSON string literals are ignored.
func objectSpans(response string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(response); i++ {
		c := response[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, response[start:i+1])
			}
		}
	}

	// Unbalanced tail: fall back to the widest first-{ to last-} span
	if first, last := strings.Index(response, "{"), strings.LastIndex(response, "}"); first != -1 && last > first {
		spans = append(spans, response[first:last+1])
	}
	return spans
}

// ExtractObject extracts a JSON object from a response as a generic map.
// A valid JSON value that is not an object is an error.
func ExtractObject(response string) (map[string]any, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil || result == nil {
		// The first valid candidate may be an array or scalar; look for an object span
		for _, span := range objectSpans(response) {
			if err := json.Unmarshal([]byte(span), &result); err == nil && result != nil {
				return result, nil
			}
		}
		return nil, fmt.Errorf("response JSON is not an object: %q", jsonStr)
	}
	return result, nil
}
