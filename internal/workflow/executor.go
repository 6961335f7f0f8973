package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"codeforge/internal/logging"
	"codeforge/internal/scheduler"
	"codeforge/internal/types"
)

// StepFunc executes one workflow step with its resolved inputs and
// returns the step's output value.
type StepFunc func(ctx context.Context, step types.WorkflowStep, inputs map[string]any) (any, error)

// Executor runs workflow specs through the scheduler.
type Executor struct {
	sched *scheduler.Scheduler
	run   StepFunc
}

// NewExecutor creates an executor.
func NewExecutor(sched *scheduler.Scheduler, run StepFunc) *Executor {
	return &Executor{sched: sched, run: run}
}

// Execute runs the spec batch by batch. Members of a concurrent batch are
// submitted to the scheduler at HIGH priority and awaited together; a
// failing step aborts the remaining batches. Returns the outputs keyed by
// each step's output name.
func (e *Executor) Execute(ctx context.Context, spec *types.WorkflowSpec) (map[string]any, error) {
	timer := logging.StartTimer(logging.CategoryWorkflow, "Execute")
	defer timer.Stop()

	batches, err := ExecutionGroups(spec)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outputs := make(map[string]any)

	for i, batch := range batches {
		logging.Get(logging.CategoryWorkflow).Debug("batch %d/%d: %d step(s)", i+1, len(batches), len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for _, step := range batch {
			step := step
			g.Go(func() error {
				mu.Lock()
				inputs := resolveInputs(step, outputs)
				mu.Unlock()

				out, stepErr := e.submitAndWait(gctx, step, inputs)
				if stepErr != nil {
					return fmt.Errorf("step %s (%s): %w", step.StepID, step.Description, stepErr)
				}
				mu.Lock()
				outputs[step.OutputName] = out
				outputs[step.StepID] = out
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

type stepResult struct {
	out any
	err error
}

// submitAndWait schedules one step at HIGH priority and blocks for its
// completion.
func (e *Executor) submitAndWait(ctx context.Context, step types.WorkflowStep, inputs map[string]any) (any, error) {
	resCh := make(chan stepResult, 1)
	_, err := e.sched.Submit(func(runCtx context.Context) (any, error) {
		out, runErr := e.run(runCtx, step, inputs)
		resCh <- stepResult{out: out, err: runErr}
		return out, runErr
	}, types.PriorityHigh, "workflow:"+step.StepID, map[string]any{"step_id": step.StepID})
	if err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}

	select {
	case r := <-resCh:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveInputs maps a step's declared inputs to prior step outputs. A
// mapping value naming an earlier output (by output name, step id, or the
// steps.<id>.<field> form) substitutes that output; anything else passes
// through as a literal.
func resolveInputs(step types.WorkflowStep, outputs map[string]any) map[string]any {
	if len(step.InputMapping) == 0 {
		return map[string]any{"description": step.Description}
	}
	inputs := make(map[string]any, len(step.InputMapping)+1)
	inputs["description"] = step.Description
	for field, source := range step.InputMapping {
		if v, ok := outputs[source]; ok {
			inputs[field] = v
			continue
		}
		if id, outField, ok := ParseStepRef(source); ok {
			if out, found := outputs[id]; found {
				if doc, isMap := out.(map[string]any); isMap && outField != "" {
					if fv, has := doc[outField]; has {
						inputs[field] = fv
						continue
					}
				}
				inputs[field] = out
				continue
			}
		}
		inputs[field] = source
	}
	return inputs
}
