package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencePattern = regexp.MustCompile("```(?:json)?")

// ParseReply extracts the first balanced JSON object from a model reply.
// Markdown fences are stripped first; if strict parsing fails the candidate is
// run through jsonrepair, which handles trailing commas, comments and
// single-quoted strings. When no object can be recovered the raw text is
// returned under "raw_response" with a parse-failure marker.
func ParseReply(text string) map[string]any {
	cleaned := strings.TrimSpace(fencePattern.ReplaceAllString(text, ""))

	if candidate := extractObject(cleaned); candidate != "" {
		var reply map[string]any
		if err := json.Unmarshal([]byte(candidate), &reply); err == nil {
			return reply
		}
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
			if err := json.Unmarshal([]byte(repaired), &reply); err == nil {
				return reply
			}
		}
	}

	return map[string]any{
		"raw_response": text,
		"error":        "JSON parsing failed",
	}
}

// extractObject returns the first balanced {...} substring, tracking strings
// and escapes so braces inside values do not break the balance count.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	// Unbalanced; hand the tail to the repair pass.
	return text[start:]
}

// ValidateReply reports whether every required field is present in the reply.
func ValidateReply(reply map[string]any, required []string) bool {
	if reply == nil {
		return false
	}
	for _, field := range required {
		if _, ok := reply[field]; !ok {
			return false
		}
	}
	return true
}
