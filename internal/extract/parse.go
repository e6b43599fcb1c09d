package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var fenceReplacer = strings.NewReplacer("```json", "", "```JSON", "", "```", "")

// ParseObject decodes the JSON object in a model answer. Code fences are
// dropped and any commentary around the outermost {...} is ignored. When a
// balanced {...} does not decode, only candidates after it are tried, never
// objects nested inside it.
func ParseObject(raw string) (map[string]any, error) {
	s := strings.TrimSpace(fenceReplacer.Replace(raw))

	for start := strings.IndexByte(s, '{'); start >= 0; {
		end := matchBrace(s, start)
		if end < 0 {
			break
		}
		if obj, err := decodeObject(s[start : end+1]); err == nil {
			return obj, nil
		}
		next := strings.IndexByte(s[end+1:], '{')
		if next < 0 {
			break
		}
		start = end + 1 + next
	}

	return nil, fmt.Errorf("%w: %q", ErrMalformedOutput, snippet(raw))
}

// matchBrace returns the index of the brace closing s[start], or -1. Braces
// inside JSON strings do not count.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("null object")
	}
	return obj, nil
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
