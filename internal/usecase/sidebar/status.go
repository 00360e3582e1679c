package sidebar

import (
	"fmt"
	"strings"
)

// RenderStatus serializes a topic status for prompt context. Two shapes are
// accepted permanently: a legacy plain string, and the structured
// {overview: [...], specifics: [...]} object where each specific is either a
// bare string or {text, level}. Anything else renders as empty.
func RenderStatus(status any) string {
	switch v := status.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		return renderStructuredStatus(v)
	default:
		return ""
	}
}

func renderStructuredStatus(status map[string]any) string {
	var parts []string

	if overview, ok := status["overview"].([]any); ok {
		for _, point := range overview {
			parts = append(parts, "- "+fmt.Sprint(point))
		}
	}

	if specifics, ok := status["specifics"].([]any); ok {
		for _, item := range specifics {
			parts = append(parts, renderSpecific(item))
		}
	}

	return strings.Join(parts, "\n")
}

func renderSpecific(item any) string {
	entry, ok := item.(map[string]any)
	if !ok {
		return "- " + fmt.Sprint(item)
	}

	text, ok := entry["text"].(string)
	if !ok {
		text = fmt.Sprint(entry)
	}
	if level, ok := entry["level"].(string); ok && level != "" {
		return fmt.Sprintf("- %s (%s)", text, level)
	}
	return "- " + text
}
