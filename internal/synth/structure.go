package synth

import (
	"regexp"
	"strings"
)

// Structural invariants every generated node must satisfy before it runs.
// These repairs are deterministic; no LLM involved.

const (
	pathSetupLine = `sys.path.insert(0, os.environ.get("FORGE_SHIM", "."))`
	shimImport    = "from forge_tools import call_tool"
	mainGuard     = "if __name__ == \"__main__\":\n    main()"
)

var (
	loggingLine    = regexp.MustCompile(`(?m)^\s*(import logging|from logging import .*|logging\.\w+\(.*|logger\s*=\s*logging\..*|logger\.\w+\(.*)\s*$\n?`)
	mainGuardRe    = regexp.MustCompile(`(?m)^if __name__\s*==\s*["']__main__["']`)
	defMainRe      = regexp.MustCompile(`(?m)^def main\s*\(`)
	printOrWriteRe = regexp.MustCompile(`print\s*\(|sys\.stdout\.write\s*\(`)
)

// loggingRequestWords mark a request as explicitly wanting log output.
var loggingRequestWords = []string{
	"with logging", "debug version", "add logging", "log output", "verbose version",
}

// WantsLogging reports whether the user explicitly asked for logging.
func WantsLogging(request string) bool {
	lower := strings.ToLower(request)
	for _, w := range loggingRequestWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// StructureOptions control the repair pass.
type StructureOptions struct {
	KeepLogging bool // user asked for logging; skip the scrub
}

// EnsureStructure applies the deterministic structural repairs in order:
// shim path-setup and import, main guard, logging scrub, missing standard
// imports, and an output fallback.
func EnsureStructure(code string, opts StructureOptions) string {
	code = ensureShimBlock(code)
	code = ensureMainGuard(code)
	if !opts.KeepLogging {
		code = ScrubLogging(code)
	}
	code = ensureStdImports(code)
	code = ensureOutput(code)
	return code
}

// ensureShimBlock guarantees that code calling call_tool carries the
// path-setup + import block, with path-setup strictly before the import.
func ensureShimBlock(code string) string {
	if !strings.Contains(code, "call_tool") {
		return code
	}

	hasImport := strings.Contains(code, "forge_tools")
	hasPathSetup := strings.Contains(code, "sys.path.insert")

	switch {
	case hasImport && hasPathSetup:
		return ensurePathSetupFirst(code)
	case hasImport && !hasPathSetup:
		// Insert path-setup directly above the shim import.
		lines := strings.Split(code, "\n")
		for i, line := range lines {
			if strings.Contains(line, "forge_tools") {
				setup := []string{"import sys", "import os", pathSetupLine}
				out := append([]string{}, lines[:i]...)
				out = append(out, setup...)
				out = append(out, lines[i:]...)
				return strings.Join(out, "\n")
			}
		}
		return code
	default:
		// No shim block at all: synthesize the whole thing at the top.
		block := "import sys\nimport os\n" + pathSetupLine + "\n" + shimImport + "\n"
		return insertAfterHeader(code, block)
	}
}

// ensurePathSetupFirst reorders an existing block so path-setup precedes
// the shim import.
func ensurePathSetupFirst(code string) string {
	importIdx := strings.Index(code, "forge_tools")
	setupIdx := strings.Index(code, "sys.path.insert")
	if setupIdx < importIdx {
		return code
	}

	lines := strings.Split(code, "\n")
	var setupLine string
	var rest []string
	for _, line := range lines {
		if setupLine == "" && strings.Contains(line, "sys.path.insert") {
			setupLine = line
			continue
		}
		rest = append(rest, line)
	}
	if setupLine == "" {
		return code
	}
	var out []string
	for _, line := range rest {
		if strings.Contains(line, "forge_tools") {
			out = append(out, setupLine)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// insertAfterHeader places block after any shebang, encoding comment, or
// leading module docstring.
func insertAfterHeader(code, block string) string {
	lines := strings.Split(code, "\n")
	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "#") || trimmed == "" {
			i++
			continue
		}
		break
	}
	out := append([]string{}, lines[:i]...)
	out = append(out, strings.TrimRight(block, "\n"))
	out = append(out, lines[i:]...)
	return strings.Join(out, "\n")
}

// ensureMainGuard appends the conventional script-entry block when main
// is defined but never invoked.
func ensureMainGuard(code string) string {
	if !defMainRe.MatchString(code) || mainGuardRe.MatchString(code) {
		return code
	}
	return strings.TrimRight(code, "\n") + "\n\n\n" + mainGuard + "\n"
}

// EnsurePathSetup inserts the shim path-setup block when absent. Used by
// the repair engine when a model claims the fix without making it.
func EnsurePathSetup(code string) string {
	if strings.Contains(code, "sys.path.insert") {
		return code
	}
	block := "import sys\nimport os\n" + pathSetupLine + "\n"
	return insertAfterHeader(code, block)
}

// ScrubLogging removes logging imports and log calls.
func ScrubLogging(code string) string {
	return loggingLine.ReplaceAllString(code, "")
}

// ensureStdImports installs json/sys imports when their modules are
// referenced but never imported.
func ensureStdImports(code string) string {
	for _, mod := range []string{"json", "sys", "os"} {
		if !strings.Contains(code, mod+".") {
			continue
		}
		if hasImport(code, mod) {
			continue
		}
		code = insertAfterHeader(code, "import "+mod+"\n")
	}
	return code
}

func hasImport(code, mod string) bool {
	re := regexp.MustCompile(`(?m)^\s*(import ` + mod + `\b|from ` + mod + ` import\b|import .*,\s*` + mod + `\b)`)
	return re.MatchString(code)
}

// ensureOutput guarantees at least one output-emitting statement; absent
// one, a fallback JSON document with a result field is appended.
func ensureOutput(code string) string {
	if printOrWriteRe.MatchString(code) {
		return code
	}
	fallback := `print(json.dumps({"result": locals().get("result")}))`
	code = strings.TrimRight(code, "\n") + "\n\n" + fallback + "\n"
	return ensureStdImports(code)
}
