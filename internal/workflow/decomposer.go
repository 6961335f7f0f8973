// Package workflow decomposes multi-operation requests into step DAGs and
// executes them in dependency order through the scheduler.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// MaxDepth bounds recursive decomposition.
const MaxDepth = 3

// triggerWords mark a request as potentially multi-operation.
var triggerWords = regexp.MustCompile(`\b(and|then|translate|convert)\b`)

// multiOpWords indicate the request genuinely chains operations; used to
// decide whether a single-step decomposition deserves a re-prompt.
var multiOpWords = regexp.MustCompile(`\b(and then|then|after that)\b`)

// Decomposer turns requests into workflow specs.
type Decomposer struct {
	client llm.Client
}

// NewDecomposer creates a decomposer.
func NewDecomposer(client llm.Client) *Decomposer {
	return &Decomposer{client: client}
}

// ShouldDecompose reports whether the request warrants decomposition:
// it contains a trigger keyword and is neither simple arithmetic nor a
// single-phrase translation.
func ShouldDecompose(request string, class types.TaskClass) bool {
	lower := strings.ToLower(request)
	if !triggerWords.MatchString(lower) {
		return false
	}
	if class == types.ClassArithmetic {
		return false
	}
	if isSingleTranslation(lower) {
		return false
	}
	return true
}

// isSingleTranslation detects "translate X to french" style requests that
// mention translate but chain nothing.
func isSingleTranslation(lower string) bool {
	if !strings.Contains(lower, "translate") && !strings.Contains(lower, "convert") {
		return false
	}
	return !multiOpWords.MatchString(lower) && !strings.Contains(lower, " and ")
}

// SingleStep wraps the whole request as a one-step spec.
func SingleStep(request string, depth int) *types.WorkflowSpec {
	return &types.WorkflowSpec{
		Request: request,
		Depth:   depth,
		Steps: []types.WorkflowStep{{
			StepID:      "step_1",
			Type:        "task",
			Description: request,
			OutputName:  "result",
		}},
	}
}

// Decompose asks the LLM for a step DAG. Guarantees: depth never exceeds
// MaxDepth, a sub-step repeating the parent description short-circuits to
// a single step, and the result always validates.
func (d *Decomposer) Decompose(ctx context.Context, request string, depth int) (*types.WorkflowSpec, error) {
	timer := logging.StartTimer(logging.CategoryWorkflow, "Decompose")
	defer timer.Stop()

	if depth >= MaxDepth {
		logging.Get(logging.CategoryWorkflow).Warn("depth cap %d reached for %q, forcing single step", MaxDepth, request)
		return SingleStep(request, depth), nil
	}

	spec, err := d.decomposeOnce(ctx, request, depth)
	if err != nil {
		return nil, err
	}

	// A single step for a multi-operation request usually means the model
	// collapsed the chain; one re-prompt, then proceed with a warning.
	if len(spec.Steps) == 1 && multiOpWords.MatchString(strings.ToLower(request)) {
		retried, retryErr := d.decomposeOnce(ctx, request, depth)
		if retryErr == nil && len(retried.Steps) > 1 {
			spec = retried
		} else {
			logging.Get(logging.CategoryWorkflow).Warn(
				"multi-operation request %q decomposed to one step, proceeding", request)
		}
	}

	// Infinite-recursion guard: a sub-step that restates the parent would
	// decompose forever.
	parent := types.NormalizeWhitespace(request)
	for _, step := range spec.Steps {
		if types.NormalizeWhitespace(step.Description) == parent && len(spec.Steps) > 1 {
			logging.Get(logging.CategoryWorkflow).Warn("sub-step repeats parent description, forcing single step")
			return SingleStep(request, depth), nil
		}
	}
	if len(spec.Steps) == 1 && types.NormalizeWhitespace(spec.Steps[0].Description) == parent {
		// Identical single step is fine; it just will not recurse again.
		return SingleStep(request, MaxDepth), nil
	}

	if err := Validate(spec); err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("invalid decomposition for %q (%v), forcing single step", request, err)
		return SingleStep(request, depth), nil
	}
	return spec, nil
}

type decompositionResponse struct {
	Steps []types.WorkflowStep `json:"steps"`
}

func (d *Decomposer) decomposeOnce(ctx context.Context, request string, depth int) (*types.WorkflowSpec, error) {
	prompt := fmt.Sprintf(`Break this request into discrete executable steps.

Request: %s

Rules:
- each step does exactly one operation
- steps that can run simultaneously share a "parallel_group" value
- "depends_on" lists step_ids whose outputs a step consumes
- "input_mapping" maps a step's input field to a prior step's "output_name"

Respond with JSON only:
{"steps": [{"step_id": "step_1", "type": "task", "description": "...", "output_name": "...", "parallel_group": "", "depends_on": [], "input_mapping": {}}]}`, request)

	out, err := d.client.Generate(ctx, types.RoleOverseer, types.TierFast, prompt, llm.Options{Temperature: 0.2, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("decomposition failed: %w", err)
	}

	payload := types.ExtractJSONObject(out)
	if payload == "" {
		return nil, fmt.Errorf("decomposition returned no JSON object")
	}
	var resp decompositionResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("unparseable decomposition: %w", err)
	}
	if len(resp.Steps) == 0 {
		return nil, fmt.Errorf("decomposition returned no steps")
	}

	for i := range resp.Steps {
		if resp.Steps[i].StepID == "" {
			resp.Steps[i].StepID = fmt.Sprintf("step_%d", i+1)
		}
		if resp.Steps[i].OutputName == "" {
			resp.Steps[i].OutputName = resp.Steps[i].StepID + "_output"
		}
	}
	logging.Get(logging.CategoryWorkflow).Info("decomposed %q into %d steps (depth %d)", request, len(resp.Steps), depth)
	return &types.WorkflowSpec{Request: request, Steps: resp.Steps, Depth: depth}, nil
}
