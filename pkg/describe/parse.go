package describe

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/mask-annotator/pkg/types"
)

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseDescription parses a model answer into a description. Answers that
// cannot be parsed become a zero-confidence "unknown" description rather than
// an error, so one bad answer does not fail a batch.
func ParseDescription(raw string) *types.Description {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return fallback("Model returned non-JSON response")
	}

	var result types.Description
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallback("Failed to parse model response")
	}
	return &result
}

func fallback(reason string) *types.Description {
	return &types.Description{
		Label:       "unknown",
		Description: reason,
		Tags:        []string{"fallback"},
	}
}

// SanitizeModelJSON strips code fences, comment lines and trailing commas and
// keeps the outermost object.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
