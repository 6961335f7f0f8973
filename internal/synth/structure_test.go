package synth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureShimBlockInsertsWholeBlock(t *testing.T) {
	code := "result = call_tool(\"search\", {\"q\": \"x\"})\nprint(result)\n"
	got := EnsureStructure(code, StructureOptions{})

	setupIdx := strings.Index(got, "sys.path.insert")
	importIdx := strings.Index(got, "from forge_tools import call_tool")
	assert.Positive(t, setupIdx)
	assert.Positive(t, importIdx)
	assert.Less(t, setupIdx, importIdx, "path setup must precede the import")
}

func TestEnsureShimBlockAddsMissingPathSetup(t *testing.T) {
	code := "from forge_tools import call_tool\nresult = call_tool(\"x\", {})\nprint(result)\n"
	got := EnsureStructure(code, StructureOptions{})
	setupIdx := strings.Index(got, "sys.path.insert")
	importIdx := strings.Index(got, "from forge_tools import call_tool")
	assert.GreaterOrEqual(t, setupIdx, 0)
	assert.Less(t, setupIdx, importIdx)
}

func TestEnsureShimBlockReordersPathSetup(t *testing.T) {
	code := strings.Join([]string{
		"import sys",
		"import os",
		"from forge_tools import call_tool",
		`sys.path.insert(0, os.environ.get("FORGE_SHIM", "."))`,
		"print(call_tool(\"x\", {}))",
	}, "\n")
	got := EnsureStructure(code, StructureOptions{})
	assert.Less(t, strings.Index(got, "sys.path.insert"), strings.Index(got, "forge_tools"))
}

func TestEnsureShimBlockLeavesToollessCodeAlone(t *testing.T) {
	code := "print(42)\n"
	got := EnsureStructure(code, StructureOptions{})
	assert.NotContains(t, got, "forge_tools")
}

func TestEnsureMainGuard(t *testing.T) {
	code := "def main():\n    print(1)\n"
	got := EnsureStructure(code, StructureOptions{})
	assert.Contains(t, got, "if __name__ == \"__main__\":")
	assert.Contains(t, got, "    main()")

	// Already guarded: no duplicate.
	again := EnsureStructure(got, StructureOptions{})
	assert.Equal(t, 1, strings.Count(again, "__main__"))
}

func TestScrubLoggingRemovedByDefault(t *testing.T) {
	code := strings.Join([]string{
		"import logging",
		"logging.basicConfig(level=logging.DEBUG)",
		"def main():",
		"    logging.info(\"starting\")",
		"    print(1)",
	}, "\n") + "\n"

	got := EnsureStructure(code, StructureOptions{})
	assert.NotContains(t, got, "logging")
	assert.Contains(t, got, "print(1)")

	kept := EnsureStructure(code, StructureOptions{KeepLogging: true})
	assert.Contains(t, kept, "logging.info")
}

func TestWantsLogging(t *testing.T) {
	assert.True(t, WantsLogging("make a debug version of the parser"))
	assert.True(t, WantsLogging("write it with logging"))
	assert.False(t, WantsLogging("add 5 and 3"))
}

func TestEnsureStdImports(t *testing.T) {
	code := "print(json.dumps({\"result\": sys.argv}))\n"
	got := EnsureStructure(code, StructureOptions{})
	assert.Contains(t, got, "import json")
	assert.Contains(t, got, "import sys")

	// Existing imports are not duplicated.
	again := EnsureStructure(got, StructureOptions{})
	assert.Equal(t, 1, strings.Count(again, "import json"))
}

func TestEnsureOutputFallback(t *testing.T) {
	code := "result = 2 + 2\n"
	got := EnsureStructure(code, StructureOptions{})
	assert.Contains(t, got, `print(json.dumps({"result": locals().get("result")}))`)
	assert.Contains(t, got, "import json")

	// Code that already prints is untouched.
	printing := "print(42)\n"
	assert.NotContains(t, EnsureStructure(printing, StructureOptions{}), "locals()")
}
