package ai

import (
	"errors"
	"strings"
)

var (
	ErrEmptyResponse = errors.New("empty model response")
	ErrMissingJSON   = errors.New("no JSON object in model response")
)

// ExtractJSONObject returns the first balanced JSON object in a model
// response. Surrounding prose and a leading code fence are tolerated.
func ExtractJSONObject(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyResponse
	}

	candidate := trimmed
	if strings.HasPrefix(trimmed, "```") {
		if end := strings.Index(trimmed[3:], "```"); end != -1 {
			content := trimmed[3 : 3+end]
			if idx := strings.Index(content, "\n"); idx != -1 {
				content = content[idx+1:]
			}
			candidate = strings.TrimSpace(content)
		}
	}

	if payload, ok := findJSONObject(candidate); ok {
		return payload, nil
	}
	if payload, ok := findJSONObject(trimmed); ok {
		return payload, nil
	}
	return "", ErrMissingJSON
}

func findJSONObject(input string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
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
			if depth == 0 && start >= 0 {
				return input[start : i+1], true
			}
		}
	}
	return "", false
}
