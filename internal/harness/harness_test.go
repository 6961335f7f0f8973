package harness

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/llm"
	"codeforge/internal/types"
)

type scriptedLLM struct {
	responses []string
	err       error
	calls     int
}

func (s *scriptedLLM) Generate(_ context.Context, _ types.Role, _ types.Tier, _ string, _ llm.Options) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func writeNode(t *testing.T, main, tests string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte(main), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_main.py"), []byte(tests), 0o644))
	return dir
}

const passingMain = `import json, sys
data = json.load(sys.stdin)
print(json.dumps({"result": 8}))
`

const passingTests = `import json
import subprocess
import sys


def test_adds():
    proc = subprocess.run(
        [sys.executable, "main.py"],
        input=json.dumps({"input": "add 5 and 3"}),
        capture_output=True, text=True, timeout=20,
    )
    assert proc.returncode == 0, proc.stderr
    assert json.loads(proc.stdout.strip().splitlines()[-1])["result"] == 8


if __name__ == "__main__":
    test_adds()
    print("OK")
`

func TestRunPassingSuite(t *testing.T) {
	requirePython(t)
	h := New(Config{Timeout: 60 * time.Second}, nil, nil)
	dir := writeNode(t, passingMain, passingTests)

	outcome := h.Run(context.Background(), dir, "add 5 and 3")
	require.True(t, outcome.Passed(), "outcome: %+v", outcome)
}

func TestRunFailingSuite(t *testing.T) {
	requirePython(t)
	h := New(Config{Timeout: 60 * time.Second}, nil, nil)
	dir := writeNode(t, passingMain, `assert False, "expected failure"`)

	outcome := h.Run(context.Background(), dir, "anything")
	require.False(t, outcome.Passed())
	fail := outcome.(types.Fail)
	assert.Contains(t, fail.CombinedOutput(), "expected failure")
	assert.NotZero(t, fail.ExitCode)
}

func TestGenerateTestsContentTemplateSkipsLLM(t *testing.T) {
	h := New(Config{}, nil, nil) // nil client: any LLM call would panic

	tests, err := h.GenerateTests(context.Background(), "write a haiku", types.ClassSimpleContent, "")
	require.NoError(t, err)
	assert.Contains(t, tests, "subprocess.run")
	assert.Contains(t, tests, "write a haiku")
}

func TestContentTemplateExecutes(t *testing.T) {
	requirePython(t)
	h := New(Config{Timeout: 60 * time.Second}, nil, nil)

	tests, err := h.GenerateTests(context.Background(), `a "quoted" request`, types.ClassComplexContent, "")
	require.NoError(t, err)
	dir := writeNode(t, passingMain, tests)

	outcome := h.Run(context.Background(), dir, "whatever")
	assert.True(t, outcome.Passed(), "outcome: %+v", outcome)
}

func TestGenerateTestsLLMPath(t *testing.T) {
	client := &scriptedLLM{responses: []string{"```python\nimport json\nassert True\nprint(\"OK\")\n```"}}
	h := New(Config{}, client, nil)

	tests, err := h.GenerateTests(context.Background(), "add 5 and 3", types.ClassArithmetic, "")
	require.NoError(t, err)
	assert.Contains(t, tests, "assert True")
	assert.Equal(t, 1, client.calls)
}

func TestGenerateTestsLLMFailure(t *testing.T) {
	h := New(Config{}, &scriptedLLM{err: errors.New("down")}, nil)
	_, err := h.GenerateTests(context.Background(), "add", types.ClassArithmetic, "")
	assert.Error(t, err)
}

type fakeEvo struct {
	tests string
	err   error
}

func (f *fakeEvo) GenerateTests(context.Context, string, time.Duration) (string, error) {
	return f.tests, f.err
}

func TestBuildTestsPrefersEvolutionaryGenerator(t *testing.T) {
	client := &scriptedLLM{responses: []string{"llm tests"}}
	h := New(Config{}, client, &fakeEvo{tests: "evolved tests"})

	tests, err := h.BuildTests(context.Background(), t.TempDir(), "task", types.ClassArithmetic, "")
	require.NoError(t, err)
	assert.Equal(t, "evolved tests", tests)
	assert.Zero(t, client.calls)
}

func TestBuildTestsFallsBackWhenEvoEmpty(t *testing.T) {
	client := &scriptedLLM{responses: []string{"```python\nassert True\n```"}}
	h := New(Config{}, client, &fakeEvo{tests: ""})

	tests, err := h.BuildTests(context.Background(), t.TempDir(), "task", types.ClassArithmetic, "")
	require.NoError(t, err)
	assert.Contains(t, tests, "assert True")
	assert.Equal(t, 1, client.calls)
}

func TestBuildTestsFallsBackWhenEvoErrors(t *testing.T) {
	client := &scriptedLLM{responses: []string{"```python\nassert True\n```"}}
	h := New(Config{}, client, &fakeEvo{err: errors.New("budget exceeded")})

	_, err := h.BuildTests(context.Background(), t.TempDir(), "task", types.ClassArithmetic, "")
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestCoverageReportParsing(t *testing.T) {
	sample := `Name      Stmts   Miss  Cover
-----------------------------
main.py      12      3    75%
-----------------------------
TOTAL        12      3    75%
`
	m := coverageTotalRe.FindStringSubmatch(sample)
	require.NotNil(t, m)
	assert.Equal(t, "75", m[1])
}

func TestTimeoutSurfacesAsFailure(t *testing.T) {
	requirePython(t)
	h := New(Config{Timeout: 300 * time.Millisecond}, nil, nil)
	dir := writeNode(t, "pass\n", "import time\ntime.sleep(30)\n")

	outcome := h.Run(context.Background(), dir, "slow")
	require.False(t, outcome.Passed())
	assert.Contains(t, strings.ToLower(outcome.(types.Fail).CombinedOutput()), "timed out")
}
