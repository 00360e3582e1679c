// Package extract recovers a JSON object from free-form model output.
//
// Recovery is two-tier: Parse walks a strict ladder (fenced block, whole
// string, first object span) and fails with a typed error; FallbackResult
// salvages a best-effort response surface when Parse fails entirely, because
// the calling UI always needs some natural-language reply even when
// classification metadata is corrupted.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/loom-cloud/loomd/internal/domain"
)

var (
	// A single markdown code fence, optionally tagged ```json.
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	// First {...} span, greedy across newlines.
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
	// Permissive "response": "..." scan handling escaped quotes.
	responseRe = regexp.MustCompile(`(?s)"response"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// Parse extracts a JSON object from model output text.
//
// Strategy, first success wins: strip one fenced code block and parse its
// interior; parse the (fence-stripped) text directly; parse the first {...}
// span. Empty or all-whitespace input fails with domain.ErrEmptyResponse;
// total failure returns a *domain.UnparseableError carrying a bounded prefix
// of the offending text.
func Parse(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, domain.ErrEmptyResponse
	}

	body := trimmed
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		body = strings.TrimSpace(m[1])
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err == nil {
		return out, nil
	}

	if span := objectRe.FindString(body); span != "" {
		if err := json.Unmarshal([]byte(span), &out); err == nil {
			return out, nil
		}
	}

	return nil, domain.NewUnparseable(body)
}

// FallbackResult builds the minimal well-known result shape from raw model
// output that failed Parse. It scans for a "response" key/value pair
// (unescaping \n and \") and falls back to the raw text itself, so a caller
// can always render a reply surface. Topic confidence is zero and concepts
// are empty in this degraded shape.
func FallbackResult(raw string) map[string]any {
	text := raw
	if m := responseRe.FindStringSubmatch(raw); m != nil {
		text = strings.ReplaceAll(m[1], `\n`, "\n")
		text = strings.ReplaceAll(text, `\"`, `"`)
	}

	return map[string]any{
		"response": text,
		"topic": map[string]any{
			"name":              "",
			"matchedExistingId": nil,
			"confidence":        0.0,
		},
		"concepts": []any{},
	}
}
