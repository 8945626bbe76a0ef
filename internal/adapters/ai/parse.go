package ai

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a JSON object out of model output. Models frequently
// wrap JSON in markdown fences or prose; this strips fences, then falls back
// to the outermost brace pair. Returns (nil, false) when nothing parseable
// is found.
func ExtractJSON(text string) (map[string]interface{}, bool) {
	candidate := strings.TrimSpace(text)

	// Strip markdown code fences
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		return parsed, true
	}

	// Fall back to the outermost brace pair
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	if err := json.Unmarshal([]byte(candidate[start:end+1]), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}
