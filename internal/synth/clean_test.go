package synth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanResponseFencedBlock(t *testing.T) {
	raw := "Here is the solution:\n```python\nimport json\nprint(json.dumps({\"result\": 8}))\n```\nHope that helps!"
	got := CleanResponse(raw)
	assert.Equal(t, "import json\nprint(json.dumps({\"result\": 8}))\n", got)
}

func TestCleanResponseJSONEnvelope(t *testing.T) {
	raw := `{"code": "import json\nprint(json.dumps({\"result\": 1}))", "language": "python"}`
	got := CleanResponse(raw)
	assert.True(t, strings.HasPrefix(got, "import json"), "got: %q", got)
	assert.Contains(t, got, "result")
}

func TestCleanResponseDropsFillerPreamble(t *testing.T) {
	raw := "Sure! Let me write that for you.\nHere's the code:\ndef main():\n    pass\n"
	got := CleanResponse(raw)
	assert.True(t, strings.HasPrefix(got, "def main():"), "got: %q", got)
}

func TestCleanResponseTruncatesTrailingProse(t *testing.T) {
	raw := "def add(a, b):\n    return a + b\n\nThis function adds two numbers. You can call it like so."
	got := CleanResponse(raw)
	assert.Equal(t, "def add(a, b):\n    return a + b\n", got)
}

func TestCleanResponseScansToAllowedPrefix(t *testing.T) {
	raw := "The program below reads stdin\nimport sys\ndata = sys.stdin.read()\n"
	got := CleanResponse(raw)
	assert.True(t, strings.HasPrefix(got, "import sys"), "got: %q", got)
	assert.Contains(t, got, "data = sys.stdin.read()")
}

func TestCleanResponseAssignmentStart(t *testing.T) {
	got := CleanResponse("x = 5\nprint(x)\n")
	assert.True(t, strings.HasPrefix(got, "x = 5"), "got: %q", got)
}

func TestCleanResponseNoCodeAtAll(t *testing.T) {
	assert.Empty(t, CleanResponse("I cannot help with that request."))
	assert.Empty(t, CleanResponse(""))
}

func TestCleanResponsePlainCodePassesThrough(t *testing.T) {
	code := "import json\nimport sys\n\ndef main():\n    print(json.dumps({\"result\": 1}))\n"
	assert.Equal(t, code, CleanResponse(code))
}
