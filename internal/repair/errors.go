package repair

import (
	"strings"

	"codeforge/internal/types"
)

// ClassifyError buckets a test failure's combined output for fix-pattern
// lookup. Indentation is checked before syntax because IndentationError is
// a SyntaxError subclass and Python prints both names.
func ClassifyError(output string) types.ErrorType {
	switch {
	case strings.Contains(output, "IndentationError") || strings.Contains(output, "TabError"):
		return types.ErrIndentation
	case strings.Contains(output, "SyntaxError"):
		return types.ErrSyntax
	case strings.Contains(output, "NameError"):
		return types.ErrUndefined
	case strings.Contains(output, "ModuleNotFoundError") || strings.Contains(output, "ImportError"):
		return types.ErrImport
	case strings.Contains(output, "TypeError"):
		return types.ErrType
	default:
		return types.ErrRuntime
	}
}

// errorFragment pulls the most specific line out of a traceback: the last
// line naming an exception, else the last non-empty line.
func errorFragment(output string) string {
	lines := strings.Split(output, "\n")
	var lastNonEmpty string
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if lastNonEmpty == "" {
			lastNonEmpty = line
		}
		if strings.Contains(line, "Error") || strings.Contains(line, "Exception") {
			return truncate(line, 160)
		}
	}
	return truncate(lastNonEmpty, 160)
}
