package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeAcceptsValidProgram(t *testing.T) {
	code := `import json
import sys


def main():
    data = json.load(sys.stdin)
    print(json.dumps({"result": data.get("input")}))


if __name__ == "__main__":
    main()
`
	got, err := Analyze(code)
	require.NoError(t, err)
	assert.Equal(t, code, got)
}

func TestAnalyzeRejectsSyntaxGarbage(t *testing.T) {
	code := "def broken(:\n    return ((\nx = ]]]\ny = }}}\n"
	_, err := Analyze(code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax")
}

func TestAnalyzeFlagsUndefinedNames(t *testing.T) {
	code := "result = frobnicate(5)\nprint(result)\n"
	_, err := Analyze(code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")
}

func TestAnalyzeAutoImportsStdlibModules(t *testing.T) {
	code := "print(json.dumps({\"a\": 1}))\n"
	got, err := Analyze(code)
	require.NoError(t, err)
	assert.Contains(t, got, "import json")
}

func TestAnalyzeKnowsDefinitionForms(t *testing.T) {
	code := `import json


def handler(payload, limit=10, *args, **kwargs):
    total = 0
    for item in payload:
        total += item
    with open("f.txt") as fh:
        fh.read()
    try:
        parsed = json.loads("{}")
    except ValueError as exc:
        parsed = {"error": str(exc)}
    return handler2(total, parsed)


def handler2(a, b):
    return a


print(handler([1], limit=2))
`
	_, err := Analyze(code)
	assert.NoError(t, err)
}

func TestAnalyzeHoistsLateImports(t *testing.T) {
	code := "x = 1\nimport json\nprint(json.dumps({\"x\": x}))\n"
	got, err := Analyze(code)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(got), "\n")
	assert.Equal(t, "import json", lines[0])
	assert.NotContains(t, strings.Join(lines[1:], "\n"), "import json")
}

func TestAnalyzeAllowsCallToolSymbol(t *testing.T) {
	code := `import sys
import os
sys.path.insert(0, os.environ.get("FORGE_SHIM", "."))
from forge_tools import call_tool

print(call_tool("search", "query"))
`
	got, err := Analyze(code)
	require.NoError(t, err)

	pathIdx := strings.Index(got, "sys.path.insert")
	shimIdx := strings.Index(got, "from forge_tools import")
	require.NotEqual(t, -1, pathIdx)
	require.NotEqual(t, -1, shimIdx)
	assert.Less(t, pathIdx, shimIdx, "shim import must stay below path setup")
}

func TestAnalyzeHoistKeepsShimImportBelowPathSetup(t *testing.T) {
	// The late json import forces the hoist; the shim block must survive
	// it in executable order.
	code := `import sys
import os
sys.path.insert(0, os.environ.get("FORGE_SHIM", "."))
from forge_tools import call_tool

x = 1
import json
print(json.dumps({"value": x, "tool": call_tool("generate", "hi")}))
`
	got, err := Analyze(code)
	require.NoError(t, err)

	sysIdx := strings.Index(got, "import sys")
	pathIdx := strings.Index(got, "sys.path.insert")
	shimIdx := strings.Index(got, "from forge_tools import")
	require.NotEqual(t, -1, sysIdx)
	require.NotEqual(t, -1, pathIdx)
	require.NotEqual(t, -1, shimIdx)
	assert.Less(t, sysIdx, pathIdx)
	assert.Less(t, pathIdx, shimIdx, "hoist must not lift the shim import above path setup")
	assert.Contains(t, got, "import json")
}

func TestImportOrderCheckAcceptsShimBlock(t *testing.T) {
	v := &importOrderValidator{}
	code := `import sys
import os
sys.path.insert(0, os.environ.get("FORGE_SHIM", "."))
from forge_tools import call_tool
import json
`
	assert.NoError(t, v.Check(code))
}

func TestImportOrderCheckIgnoresIndentedImports(t *testing.T) {
	v := &importOrderValidator{}
	code := "x = 1\n\n\ndef lazy():\n    import json\n    return json\n"
	assert.NoError(t, v.Check(code))
}
