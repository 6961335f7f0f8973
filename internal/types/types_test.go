package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidKind(t *testing.T) {
	for _, k := range []ArtifactKind{KindPlan, KindFunction, KindWorkflow, KindConversation, KindPattern, KindTool, KindFixPattern} {
		assert.True(t, ValidKind(k), "kind %s should be valid", k)
	}
	assert.False(t, ValidKind(ArtifactKind("blob")))
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityCritical), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityLow))
	assert.Less(t, int(PriorityLow), int(PriorityBackground))
}

func TestFixPatternSuccessRate(t *testing.T) {
	p := &FixPattern{}
	assert.Equal(t, 0.0, p.SuccessRate())

	p.Successes = 3
	p.Failures = 1
	assert.InDelta(t, 0.75, p.SuccessRate(), 1e-9)
}

func TestTestOutcomeSumType(t *testing.T) {
	var outcome TestOutcome = Pass{Coverage: 82.5}
	assert.True(t, outcome.Passed())

	outcome = Fail{Stdout: "out", Stderr: "err", ExitCode: 1}
	assert.False(t, outcome.Passed())
	f := outcome.(Fail)
	assert.Equal(t, "out\nerr", f.CombinedOutput())
}

func TestInterfaceManifestHasInput(t *testing.T) {
	m := &InterfaceManifest{Inputs: []string{"description", "count"}}
	assert.True(t, m.HasInput("count"))
	assert.False(t, m.HasInput("query"))
}
