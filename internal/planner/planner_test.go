package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/llm"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedLLM) Generate(_ context.Context, _ types.Role, _ types.Tier, prompt string, _ llm.Options) (string, error) {
	s.prompts = append(s.prompts, prompt)
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

func TestClassifyParsesLLMAnswer(t *testing.T) {
	cases := map[string]types.TaskClass{
		"ARITHMETIC":                       types.ClassArithmetic,
		"  algorithm \n":                   types.ClassAlgorithm,
		"The category is COMPLEX_CONTENT.": types.ClassComplexContent,
		"SIMPLE_CONTENT":                   types.ClassSimpleContent,
	}
	for answer, want := range cases {
		p := New(Config{}, &scriptedLLM{responses: []string{answer}}, nil)
		assert.Equal(t, want, p.Classify(context.Background(), "whatever"), "answer %q", answer)
	}
}

func TestClassifyFallsBackToHeuristics(t *testing.T) {
	p := New(Config{}, &scriptedLLM{err: errors.New("llm down")}, nil)

	assert.Equal(t, types.ClassArithmetic, p.Classify(context.Background(), "add 5 and 3"))
	assert.Equal(t, types.ClassAlgorithm, p.Classify(context.Background(), "sort a list of names"))
	assert.Equal(t, types.ClassSimpleContent, p.Classify(context.Background(), "write a haiku"))
}

func candidate(score float64, name string) store.Match {
	return store.Match{
		Artifact: &types.Artifact{ID: name, Kind: types.KindWorkflow, Name: name, Content: "code:" + name},
		Score:    score,
	}
}

func TestSentinelReuseRequiresSameAndThreshold(t *testing.T) {
	// SAME at high similarity: reuse.
	p := New(Config{}, &scriptedLLM{responses: []string{`{"verdict": "SAME", "confidence": 0.95}`}}, nil)
	d := p.Sentinel(context.Background(), "add numbers", []store.Match{candidate(0.95, "adder")})
	assert.Equal(t, types.VerdictSame, d.Verdict)
	assert.True(t, d.Reuse)
	assert.Equal(t, "adder", d.Best.Artifact.Name)

	// SAME below threshold degrades to template.
	p = New(Config{}, &scriptedLLM{responses: []string{`{"verdict": "SAME", "confidence": 0.95}`}}, nil)
	d = p.Sentinel(context.Background(), "add numbers", []store.Match{candidate(0.85, "adder")})
	assert.False(t, d.Reuse)
	require.NotNil(t, d.Template)
	assert.Equal(t, "code:adder", d.Template.Content)
}

func TestSentinelRelatedAlwaysTemplate(t *testing.T) {
	// RELATED routes to template even at similarity above the threshold.
	p := New(Config{}, &scriptedLLM{responses: []string{`{"verdict": "RELATED", "confidence": 0.8}`}}, nil)
	d := p.Sentinel(context.Background(), "add floats", []store.Match{candidate(0.97, "adder")})
	assert.Equal(t, types.VerdictRelated, d.Verdict)
	assert.False(t, d.Reuse)
	require.NotNil(t, d.Template)
}

func TestSentinelDifferentAndEmpty(t *testing.T) {
	p := New(Config{}, &scriptedLLM{responses: []string{`{"verdict": "DIFFERENT", "confidence": 0.9}`}}, nil)
	d := p.Sentinel(context.Background(), "novel", []store.Match{candidate(0.4, "x")})
	assert.Equal(t, types.VerdictDifferent, d.Verdict)
	assert.Nil(t, d.Template)

	d = p.Sentinel(context.Background(), "novel", nil)
	assert.Equal(t, types.VerdictDifferent, d.Verdict)
	assert.Nil(t, d.Best)
}

func TestSentinelSurvivesLLMFailure(t *testing.T) {
	p := New(Config{}, &scriptedLLM{err: errors.New("timeout")}, nil)
	d := p.Sentinel(context.Background(), "anything", []store.Match{candidate(0.99, "x")})
	assert.Equal(t, types.VerdictDifferent, d.Verdict)
	assert.False(t, d.Reuse)
}

func TestSentinelPicksHighestSimilarityCandidate(t *testing.T) {
	p := New(Config{}, &scriptedLLM{responses: []string{`{"verdict": "RELATED", "confidence": 0.7}`}}, nil)
	d := p.Sentinel(context.Background(), "x", []store.Match{
		candidate(0.5, "low"), candidate(0.9, "high"), candidate(0.7, "mid"),
	})
	assert.Equal(t, "high", d.Best.Artifact.Name)
}

const sampleSpec = `PROBLEM: Add two numbers from the request.
REQUIREMENTS:
- read JSON from stdin
- emit JSON to stdout
PLAN:
1. parse input
2. compute sum
INTERFACE: input: {"input": str} output: {"result": int}
TESTS:
- add 5 and 3 -> 8
- add 0 and 0 -> 0
- add -1 and 1 -> 0
TOOL: NONE`

func TestSynthesizeSpecParsesSections(t *testing.T) {
	p := New(Config{}, &scriptedLLM{responses: []string{sampleSpec}}, nil)
	spec, err := p.SynthesizeSpec(context.Background(), "add 5 and 3", types.ClassArithmetic, nil)
	require.NoError(t, err)

	assert.Contains(t, spec.Problem, "Add two numbers")
	assert.Len(t, spec.Requirements, 2)
	assert.Len(t, spec.Plan, 2)
	assert.Contains(t, spec.IOInterface, "result")
	assert.Len(t, spec.TestCases, 3)
	assert.Empty(t, spec.RecommendedTool)
	assert.Equal(t, sampleSpec, spec.Raw)
}

func TestSynthesizeSpecIncludesTemplate(t *testing.T) {
	s := &scriptedLLM{responses: []string{sampleSpec}}
	p := New(Config{}, s, nil)
	template := &types.Artifact{Content: "def add(a, b): return a + b"}
	_, err := p.SynthesizeSpec(context.Background(), "add floats", types.ClassArithmetic, template)
	require.NoError(t, err)
	assert.Contains(t, s.prompts[0], "def add(a, b)")
}

func TestTruncateToContext(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, TruncateToContext(string(long), 10), 20)
	assert.Equal(t, "short", TruncateToContext("short", 10))
}

func TestGeneratorTier(t *testing.T) {
	assert.Equal(t, types.TierFast, GeneratorTier(types.ClassArithmetic))
	assert.Equal(t, types.TierPowerful, GeneratorTier(types.ClassAlgorithm))
	assert.Equal(t, types.TierFast, GeneratorTier(types.ClassSimpleContent))
}
