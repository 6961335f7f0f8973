package types

import (
	"strings"
)

// =============================================================================
// LLM RESPONSE EXTRACTION UTILITIES
// =============================================================================
//
// LLM responses arrive wrapped in markdown fences, JSON envelopes, or prose.
// These helpers pull the usable payload out without regexp backtracking on
// multi-kilobyte responses. They are shared by the planner, the workflow
// decomposer, and the code synthesizer.

// fenceLanguages are the fence info-strings we strip when unwrapping code.
var fenceLanguages = []string{
	"python", "py", "json", "javascript", "js", "go", "bash", "sh", "text", "",
}

// StripCodeFences removes a single surrounding markdown fence pair from s,
// if present. The fence language tag is discarded. Inner fences are left
// untouched.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	body := trimmed[3:]
	// Drop the info string up to the first newline.
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		lang := strings.TrimSpace(body[:idx])
		if isKnownFenceLanguage(lang) {
			body = body[idx+1:]
		}
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimRight(body, "\n") + "\n"
}

func isKnownFenceLanguage(lang string) bool {
	lang = strings.ToLower(lang)
	for _, known := range fenceLanguages {
		if lang == known {
			return true
		}
	}
	// Unknown single-word tags are still fence info strings.
	return !strings.ContainsAny(lang, " \t")
}

// FencedBlocks returns the contents of every fenced block in s, in order.
func FencedBlocks(s string) []string {
	var blocks []string
	rest := s
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			rest = rest[idx+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			blocks = append(blocks, rest)
			return blocks
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
}

// ExtractJSONObject returns the first balanced top-level JSON object in s,
// or "" when none exists. Braces inside JSON strings are handled.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// characters inside strings never affect depth
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ExtractJSONArray returns the first balanced top-level JSON array in s,
// or "" when none exists.
func ExtractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// NormalizeWhitespace collapses all whitespace runs to nothing, for
// change-detection comparisons between code revisions.
func NormalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRequest canonicalizes a request description for exact-match
// lookup: lowercase, trimmed, inner whitespace collapsed to single spaces.
func NormalizeRequest(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
