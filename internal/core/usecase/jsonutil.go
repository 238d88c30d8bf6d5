package usecase

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"unicode/utf8"
)

var errNoJSONObject = errors.New("no json object in model output")

// extractJSONObject trims markdown fences and surrounding prose from model output.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func decodeJSONObject(raw string, out any) error {
	object := extractJSONObject(raw)
	if object == "" {
		return errNoJSONObject
	}
	return json.Unmarshal([]byte(object), out)
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
