package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("no valid JSON object found in response")

// ExtractJSON returns the first balanced JSON object in response, skipping
// markdown fences and any prose around it.
func ExtractJSON(response string) (string, error) {
	trimmed := strings.TrimSpace(response)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	for start := strings.IndexByte(trimmed, '{'); start >= 0; {
		if candidate, ok := balancedObject(trimmed[start:]); ok && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		next := strings.IndexByte(trimmed[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// balancedObject returns the prefix of s up to the brace closing s[0].
func balancedObject(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// ParseJSONResponse extracts and unmarshals a JSON object from response.
func ParseJSONResponse[T any](response string) (T, error) {
	var out T
	raw, err := ExtractJSON(response)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, err
	}
	return out, nil
}
