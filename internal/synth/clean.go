package synth

import (
	"encoding/json"
	"regexp"
	"strings"

	"codeforge/internal/types"
)

// fillerPrefixes start preamble lines LLMs like to emit before code.
var fillerPrefixes = []string{
	"here is", "here's", "here you go", "sure", "certainly", "of course",
	"below is", "the following", "this code", "this script", "this function",
	"i've", "i have", "let me", "note:", "okay", "ok,",
}

// allowedPrefixes are the syntactic forms a cleaned program may open with.
var allowedPrefixes = []string{
	"import ", "from ", "def ", "class ", "@", "#", "if ", "for ", "while ",
	"try:", "try ", "with ", "async ", "print(", `"""`, "'''",
}

var assignmentLine = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*\s*=`)

type codeEnvelope struct {
	Code string `json:"code"`
}

// CleanResponse extracts runnable code from a raw LLM response: JSON
// envelopes, markdown fences, filler preambles, and trailing prose are
// all stripped; the result is guaranteed to open with an allowed
// syntactic prefix (or be empty when no code is present at all).
func CleanResponse(raw string) string {
	text := strings.TrimSpace(raw)

	// JSON envelope with a code field.
	if strings.HasPrefix(text, "{") {
		if payload := types.ExtractJSONObject(text); payload != "" {
			var env codeEnvelope
			if err := json.Unmarshal([]byte(payload), &env); err == nil && env.Code != "" {
				text = env.Code
			}
		}
	}

	// Prefer the first fenced block when present.
	if blocks := types.FencedBlocks(text); len(blocks) > 0 {
		text = blocks[0]
	} else {
		text = types.StripCodeFences(text)
	}

	text = dropFillerPreamble(text)
	text = truncateTrailingProse(text)
	text = scanToAllowedPrefix(text)
	return strings.TrimRight(text, "\n") + ensureFinalNewline(text)
}

func ensureFinalNewline(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return "\n"
}

// dropFillerPreamble removes leading lines that are LLM chatter.
func dropFillerPreamble(text string) string {
	lines := strings.Split(text, "\n")
	start := 0
	for start < len(lines) {
		trimmed := strings.ToLower(strings.TrimSpace(lines[start]))
		if trimmed == "" {
			start++
			continue
		}
		filler := false
		for _, p := range fillerPrefixes {
			if strings.HasPrefix(trimmed, p) {
				filler = true
				break
			}
		}
		if !filler {
			break
		}
		start++
	}
	return strings.Join(lines[start:], "\n")
}

// isCodeLine reports whether a line plausibly belongs to a program.
func isCodeLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return true
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	if assignmentLine.MatchString(line) {
		return true
	}
	// Continuations and closers.
	return strings.HasPrefix(trimmed, ")") || strings.HasPrefix(trimmed, "]") ||
		strings.HasPrefix(trimmed, "}") || strings.HasSuffix(trimmed, ":") ||
		strings.HasSuffix(trimmed, ",") || strings.HasSuffix(trimmed, "\\")
}

// truncateTrailingProse cuts everything after the last code-looking line.
func truncateTrailingProse(text string) string {
	lines := strings.Split(text, "\n")
	last := -1
	for i, line := range lines {
		if isCodeLine(line) {
			last = i
		}
	}
	if last < 0 {
		return text
	}
	return strings.Join(lines[:last+1], "\n")
}

// scanToAllowedPrefix drops leading lines until one starts with an
// allowed syntactic prefix or an assignment.
func scanToAllowedPrefix(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(trimmed, p) {
				return strings.Join(lines[i:], "\n")
			}
		}
		if assignmentLine.MatchString(line) {
			return strings.Join(lines[i:], "\n")
		}
	}
	return ""
}
