package workflow

import (
	"context"
	"errors"
	"testing"

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

func TestShouldDecompose(t *testing.T) {
	cases := []struct {
		request string
		class   types.TaskClass
		want    bool
	}{
		{"summarize this and translate it to french", types.ClassComplexContent, true},
		{"fetch the data then plot it", types.ClassAlgorithm, true},
		{"convert the file to json and upload it", types.ClassAlgorithm, true},
		{"add 5 and 3", types.ClassArithmetic, false},
		{"translate hello to spanish", types.ClassSimpleContent, false},
		{"write a haiku", types.ClassSimpleContent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ShouldDecompose(tc.request, tc.class), "request %q", tc.request)
	}
}

const twoStepJSON = `{"steps": [
  {"step_id": "step_1", "type": "task", "description": "summarize the text", "output_name": "summary"},
  {"step_id": "step_2", "type": "task", "description": "translate the summary", "output_name": "translation", "depends_on": ["step_1"], "input_mapping": {"text": "summary"}}
]}`

func TestDecomposeParsesSteps(t *testing.T) {
	d := NewDecomposer(&scriptedLLM{responses: []string{twoStepJSON}})
	spec, err := d.Decompose(context.Background(), "summarize then translate", 0)
	require.NoError(t, err)
	require.Len(t, spec.Steps, 2)
	assert.Equal(t, "summary", spec.Steps[0].OutputName)
	assert.Equal(t, []string{"step_1"}, spec.Steps[1].DependsOn)
	assert.Equal(t, 0, spec.Depth)
}

func TestDecomposeHandlesProseWrappedJSON(t *testing.T) {
	d := NewDecomposer(&scriptedLLM{responses: []string{"Here is the plan:\n" + twoStepJSON + "\nHope that helps!"}})
	spec, err := d.Decompose(context.Background(), "summarize then translate", 0)
	require.NoError(t, err)
	assert.Len(t, spec.Steps, 2)
}

func TestDecomposeRepromptsOnceForCollapsedChain(t *testing.T) {
	single := `{"steps": [{"step_id": "step_1", "type": "task", "description": "do everything"}]}`
	s := &scriptedLLM{responses: []string{single, twoStepJSON}}
	d := NewDecomposer(s)

	spec, err := d.Decompose(context.Background(), "summarize the text and then translate it", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.calls, "one re-prompt expected")
	assert.Len(t, spec.Steps, 2)
}

func TestDecomposeProceedsAfterFailedReprompt(t *testing.T) {
	single := `{"steps": [{"step_id": "step_1", "type": "task", "description": "do everything"}]}`
	s := &scriptedLLM{responses: []string{single, single}}
	d := NewDecomposer(s)

	spec, err := d.Decompose(context.Background(), "summarize the text and then translate it", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.calls)
	assert.Len(t, spec.Steps, 1, "warn and proceed with the single step")
}

func TestDecomposeShortCircuitsParentEcho(t *testing.T) {
	request := "summarize and then translate the text"
	echo := `{"steps": [
	  {"step_id": "step_1", "type": "task", "description": "summarize and then translate the text"},
	  {"step_id": "step_2", "type": "task", "description": "something else"}
	]}`
	d := NewDecomposer(&scriptedLLM{responses: []string{echo, echo}})
	spec, err := d.Decompose(context.Background(), request, 0)
	require.NoError(t, err)
	require.Len(t, spec.Steps, 1)
	assert.Equal(t, request, spec.Steps[0].Description)
}

func TestDecomposeDepthCap(t *testing.T) {
	s := &scriptedLLM{}
	d := NewDecomposer(s)
	spec, err := d.Decompose(context.Background(), "anything and then more", MaxDepth)
	require.NoError(t, err)
	assert.Len(t, spec.Steps, 1)
	assert.Zero(t, s.calls, "no LLM call at the depth cap")
}

func TestDecomposeInvalidDAGFallsBackToSingleStep(t *testing.T) {
	bad := `{"steps": [
	  {"step_id": "step_1", "type": "task", "description": "a", "depends_on": ["step_2"]},
	  {"step_id": "step_2", "type": "task", "description": "b", "depends_on": ["step_1"]}
	]}`
	d := NewDecomposer(&scriptedLLM{responses: []string{bad}})
	spec, err := d.Decompose(context.Background(), "a then b", 0)
	require.NoError(t, err)
	assert.Len(t, spec.Steps, 1)
}

func TestDecomposeLLMFailure(t *testing.T) {
	d := NewDecomposer(&scriptedLLM{err: errors.New("down")})
	_, err := d.Decompose(context.Background(), "x and y", 0)
	assert.Error(t, err)
}
