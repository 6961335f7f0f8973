package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codeforge/internal/scheduler"
	"codeforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newSched(t *testing.T, workers int) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{Workers: workers, QueueSize: 100})
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(true, 2*time.Second) })
	return s
}

func TestExecuteRunsBatchesInOrder(t *testing.T) {
	sched := newSched(t, 2)

	var mu sync.Mutex
	var ran []string
	exec := NewExecutor(sched, func(_ context.Context, s types.WorkflowStep, inputs map[string]any) (any, error) {
		mu.Lock()
		ran = append(ran, s.StepID)
		mu.Unlock()
		return "out:" + s.StepID, nil
	})

	spec := &types.WorkflowSpec{Request: "r", Steps: []types.WorkflowStep{
		step("fetch", ""),
		step("summarize", "g", "fetch"),
		step("translate", "g", "fetch"),
		step("merge", "", "summarize", "translate"),
	}}

	outputs, err := exec.Execute(context.Background(), spec)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ran, 4)
	assert.Equal(t, "fetch", ran[0])
	assert.Equal(t, "merge", ran[3])
	assert.ElementsMatch(t, []string{"summarize", "translate"}, ran[1:3])

	assert.Equal(t, "out:fetch", outputs["fetch_output"])
	assert.Equal(t, "out:merge", outputs["merge"])
}

func TestExecuteResolvesInputMapping(t *testing.T) {
	sched := newSched(t, 1)

	var got map[string]any
	exec := NewExecutor(sched, func(_ context.Context, s types.WorkflowStep, inputs map[string]any) (any, error) {
		if s.StepID == "second" {
			got = inputs
		}
		return "value-from-" + s.StepID, nil
	})

	spec := &types.WorkflowSpec{Request: "r", Steps: []types.WorkflowStep{
		{StepID: "first", Type: "task", Description: "produce", OutputName: "payload"},
		{StepID: "second", Type: "task", Description: "consume", OutputName: "final",
			DependsOn:    []string{"first"},
			InputMapping: map[string]string{"text": "payload", "mode": "fast"}},
	}}

	_, err := exec.Execute(context.Background(), spec)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "value-from-first", got["text"], "mapped to prior step output")
	assert.Equal(t, "fast", got["mode"], "unresolvable source passes through as literal")
	assert.Equal(t, "consume", got["description"])
}

func TestExecuteResolvesStepFieldReferences(t *testing.T) {
	sched := newSched(t, 1)

	var got map[string]any
	exec := NewExecutor(sched, func(_ context.Context, s types.WorkflowStep, inputs map[string]any) (any, error) {
		switch s.StepID {
		case "first":
			return map[string]any{"summary": "short", "full": "long"}, nil
		default:
			got = inputs
			return "done", nil
		}
	})

	spec := &types.WorkflowSpec{Request: "r", Steps: []types.WorkflowStep{
		{StepID: "first", Type: "task", Description: "produce", OutputName: "payload"},
		{StepID: "second", Type: "task", Description: "consume", OutputName: "final",
			DependsOn: []string{"first"},
			InputMapping: map[string]string{
				"text":  "steps.first.summary",
				"whole": "steps.first",
			}},
	}}

	_, err := exec.Execute(context.Background(), spec)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "short", got["text"], "indexed into the step's output map")
	assert.Equal(t, map[string]any{"summary": "short", "full": "long"}, got["whole"])
}

func TestExecuteFailingStepAbortsRemainingBatches(t *testing.T) {
	sched := newSched(t, 1)

	var mu sync.Mutex
	var ran []string
	exec := NewExecutor(sched, func(_ context.Context, s types.WorkflowStep, _ map[string]any) (any, error) {
		mu.Lock()
		ran = append(ran, s.StepID)
		mu.Unlock()
		if s.StepID == "boom" {
			return nil, errors.New("step exploded")
		}
		return nil, nil
	})

	spec := &types.WorkflowSpec{Request: "r", Steps: []types.WorkflowStep{
		step("boom", ""),
		step("never", "", "boom"),
	}}

	_, err := exec.Execute(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "step exploded")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boom"}, ran)
}

func TestExecuteParallelGroupRunsConcurrently(t *testing.T) {
	sched := newSched(t, 2)

	gate := make(chan struct{})
	var arrivals sync.WaitGroup
	arrivals.Add(2)
	exec := NewExecutor(sched, func(_ context.Context, s types.WorkflowStep, _ map[string]any) (any, error) {
		arrivals.Done()
		<-gate
		return nil, nil
	})

	spec := &types.WorkflowSpec{Request: "r", Steps: []types.WorkflowStep{
		step("a", "g"), step("b", "g"),
	}}

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), spec)
		done <- err
	}()

	// Both group members must be in flight before either finishes.
	waited := make(chan struct{})
	go func() {
		arrivals.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("parallel group members did not run concurrently")
	}
	close(gate)
	require.NoError(t, <-done)
}
