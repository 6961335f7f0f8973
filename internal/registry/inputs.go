package registry

import (
	"strings"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// canonicalInputs are the alias keys every free-form request is bound to.
// Nodes generated from a bare description read one of these.
var canonicalInputs = []string{
	"input", "task", "description", "query", "topic", "prompt", "question", "request",
}

// IsCanonicalInput reports whether a field name is one of the aliases.
func IsCanonicalInput(name string) bool {
	for _, c := range canonicalInputs {
		if name == c {
			return true
		}
	}
	return false
}

// AdaptInput builds the input map for a node from a free-form description.
// Every canonical alias is bound to the description; declared non-canonical
// fields get synthesized values typed by field-name heuristics.
func AdaptInput(description string, iface *types.InterfaceManifest) map[string]any {
	input := make(map[string]any, len(canonicalInputs))
	for _, alias := range canonicalInputs {
		input[alias] = description
	}
	if iface == nil {
		return input
	}
	for _, field := range iface.Inputs {
		if IsCanonicalInput(field) {
			continue
		}
		input[field] = synthesizeFieldValue(field, description)
		logging.Get(logging.CategoryRunner).Debug("synthesized test value for field %q", field)
	}
	return input
}

// synthesizeFieldValue is the test-data generator: it types a value for a
// non-canonical input field by name heuristics.
func synthesizeFieldValue(field, description string) any {
	lower := strings.ToLower(field)
	switch {
	case strings.Contains(lower, "target") && strings.Contains(lower, "lang"):
		return "es"
	case strings.Contains(lower, "lang"):
		return "en"
	case strings.Contains(lower, "numbers") || strings.Contains(lower, "values") || strings.Contains(lower, "items"):
		return []any{1, 2, 3, 4, 5}
	case strings.Contains(lower, "count") || strings.Contains(lower, "num") ||
		strings.Contains(lower, "limit") || strings.Contains(lower, "size"):
		return 5
	case strings.Contains(lower, "url") || strings.Contains(lower, "link"):
		return "https://example.com"
	case strings.Contains(lower, "path") || strings.Contains(lower, "file"):
		return "example.txt"
	case strings.Contains(lower, "name"):
		return "example"
	case strings.Contains(lower, "enabled") || strings.HasPrefix(lower, "is_") ||
		strings.HasPrefix(lower, "has_"):
		return true
	default:
		// Free-text fields (text, content, sentence, message, ...) carry
		// the description itself.
		return description
	}
}
