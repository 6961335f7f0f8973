// Package pipeline orchestrates a request end to end: reuse checks,
// classification, decomposition, per-step synthesis/testing/repair, node
// registration, workflow execution, and promotion of the finished
// workflow for future reuse.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"codeforge/internal/harness"
	"codeforge/internal/logging"
	"codeforge/internal/planner"
	"codeforge/internal/registry"
	"codeforge/internal/repair"
	"codeforge/internal/scheduler"
	"codeforge/internal/store"
	"codeforge/internal/synth"
	"codeforge/internal/tools"
	"codeforge/internal/types"
	"codeforge/internal/workflow"
)

// Synthesizer produces node code for one step.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error)
}

// TestHarness builds and runs a node's test suite.
type TestHarness interface {
	TDD() bool
	GenerateTests(ctx context.Context, description string, class types.TaskClass, code string) (string, error)
	BuildTests(ctx context.Context, dir, description string, class types.TaskClass, code string) (string, error)
	Run(ctx context.Context, dir, description string) types.TestOutcome
}

// Repairer fixes a node whose tests fail.
type Repairer interface {
	Repair(ctx context.Context, dir, description, spec, code string, failure types.Fail) (*repair.Result, error)
}

// NodeCatalog registers and resolves nodes.
type NodeCatalog interface {
	Register(id string, iface types.InterfaceManifest, tags []string, score types.NodeScore, files registry.NodeFiles) (*types.Node, error)
	Get(id string) (*types.Node, error)
}

// NodeRunner executes registered nodes.
type NodeRunner interface {
	Run(ctx context.Context, id string, input map[string]any) (*registry.RunResult, error)
}

// Pipeline wires the generation stages together.
type Pipeline struct {
	artifacts  *store.ArtifactStore
	sched      *scheduler.Scheduler
	planner    *planner.Planner
	decomposer *workflow.Decomposer
	synth      Synthesizer
	harness    TestHarness
	repair     Repairer
	registry   NodeCatalog
	runner     NodeRunner
	tools      *tools.Registry // nil disables workflow-tool promotion
}

// New assembles the pipeline. tools may be nil.
func New(artifacts *store.ArtifactStore, sched *scheduler.Scheduler, pl *planner.Planner, dec *workflow.Decomposer, sy Synthesizer, h TestHarness, rep Repairer, cat NodeCatalog, run NodeRunner, tr *tools.Registry) *Pipeline {
	return &Pipeline{
		artifacts:  artifacts,
		sched:      sched,
		planner:    pl,
		decomposer: dec,
		synth:      sy,
		harness:    h,
		repair:     rep,
		registry:   cat,
		runner:     run,
		tools:      tr,
	}
}

// Source says which route produced a response.
type Source string

const (
	// SourceExact is the normalized-question fast path.
	SourceExact Source = "exact"

	// SourceReuse is a sentinel-approved stored workflow.
	SourceReuse Source = "reuse"

	// SourceGenerated means new nodes were synthesized.
	SourceGenerated Source = "generated"
)

// Response is the outcome of one request.
type Response struct {
	Result     any
	Source     Source
	WorkflowID string
	NodeIDs    []string
	Class      types.TaskClass
}

// Generate runs the full pipeline for a request. Background work is
// paused for the duration via the scheduler's workflow-activity set.
func (p *Pipeline) Generate(ctx context.Context, request string) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Generate")
	defer timer.Stop()
	log := logging.Get(logging.CategoryPipeline)

	norm := types.NormalizeRequest(request)
	runID := "run-" + uuid.NewString()[:8]
	p.sched.MarkWorkflowActive(runID)
	defer p.sched.MarkWorkflowInactive(runID)

	// Fast path: a completed workflow answering this exact question.
	exact, err := p.artifacts.FindExact(ctx, types.KindWorkflow, []string{"complete"}, func(a *types.Artifact) bool {
		return a.MetaString("question") == norm
	})
	if err == nil && exact != nil {
		out, execErr := p.executeStored(ctx, exact)
		if execErr == nil {
			_ = p.artifacts.IncrementUsage(ctx, exact.ID)
			logging.Pipeline("exact match %s answered %q", exact.ID, truncate(request, 60))
			return &Response{Result: out, Source: SourceExact, WorkflowID: exact.ID}, nil
		}
		log.Warn("stored workflow %s failed, regenerating: %v", exact.ID, execErr)
	}

	class := p.planner.Classify(ctx, request)

	candidates, err := p.planner.Candidates(ctx, request)
	if err != nil {
		log.Warn("candidate lookup failed: %v", err)
	}
	decision := p.planner.Sentinel(ctx, request, candidates)
	if decision.Reuse && decision.Best != nil {
		out, execErr := p.executeStored(ctx, decision.Best.Artifact)
		if execErr == nil {
			_ = p.artifacts.IncrementUsage(ctx, decision.Best.Artifact.ID)
			logging.Pipeline("reused workflow %s (similarity %.2f)", decision.Best.Artifact.ID, decision.Best.Score)
			return &Response{Result: out, Source: SourceReuse, WorkflowID: decision.Best.Artifact.ID, Class: class}, nil
		}
		log.Warn("reuse of %s failed, regenerating: %v", decision.Best.Artifact.ID, execErr)
	}

	spec, err := p.planner.SynthesizeSpec(ctx, request, class, decision.Template)
	if err != nil {
		log.Warn("spec synthesis failed, proceeding with bare request: %v", err)
		spec = &planner.Specification{Problem: request, Raw: request}
	}
	var template string
	if decision.Template != nil {
		template = decision.Template.Content
	}

	var wfSpec *types.WorkflowSpec
	if workflow.ShouldDecompose(request, class) {
		wfSpec, err = p.decomposer.Decompose(ctx, request, 0)
		if err != nil {
			log.Warn("decomposition failed, forcing single step: %v", err)
			wfSpec = workflow.SingleStep(request, 0)
		}
	} else {
		wfSpec = workflow.SingleStep(request, 0)
	}

	keepLogging := synth.WantsLogging(request)
	nodeIDs := make([]string, 0, len(wfSpec.Steps))
	for i := range wfSpec.Steps {
		id, buildErr := p.buildStep(ctx, &wfSpec.Steps[i], class, spec.Raw, template, keepLogging)
		if buildErr != nil {
			return nil, fmt.Errorf("step %s: %w", wfSpec.Steps[i].StepID, buildErr)
		}
		nodeIDs = append(nodeIDs, id)
	}

	out, err := p.executeSpec(ctx, wfSpec)
	if err != nil {
		return nil, fmt.Errorf("workflow execution failed: %w", err)
	}

	wfID := p.promote(ctx, request, norm, wfSpec, nodeIDs)
	return &Response{Result: out, Source: SourceGenerated, WorkflowID: wfID, NodeIDs: nodeIDs, Class: class}, nil
}

// =============================================================================
// STEP CONSTRUCTION
// =============================================================================

// buildStep synthesizes, tests, repairs, and registers one step's node,
// binding the node id into the step. Broken code is never registered or
// stored.
func (p *Pipeline) buildStep(ctx context.Context, step *types.WorkflowStep, class types.TaskClass, specText, template string, keepLogging bool) (string, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "buildStep")
	defer timer.Stop()
	log := logging.Get(logging.CategoryPipeline)

	dir, err := os.MkdirTemp("", "forge-build-*")
	if err != nil {
		return "", fmt.Errorf("failed to create build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var tests string
	if p.harness.TDD() {
		tests, err = p.harness.GenerateTests(ctx, step.Description, class, "")
		if err != nil {
			return "", err
		}
		if err := writeFile(dir, "test_main.py", tests); err != nil {
			return "", err
		}
	}

	res, err := p.synth.Synthesize(ctx, synth.Request{
		Description:   step.Description,
		Specification: specText,
		Class:         class,
		Template:      template,
		KeepLogging:   keepLogging,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	code, err := harness.Analyze(res.Code)
	if err != nil {
		// Unfixable statically; let the test run surface it for repair.
		log.Warn("static analysis: %v", err)
		code = res.Code
	}
	if err := writeFile(dir, "main.py", code); err != nil {
		return "", err
	}

	if !p.harness.TDD() {
		tests, err = p.harness.BuildTests(ctx, dir, step.Description, class, code)
		if err != nil {
			return "", err
		}
		if err := writeFile(dir, "test_main.py", tests); err != nil {
			return "", err
		}
	}

	outcome := p.harness.Run(ctx, dir, step.Description)
	if !outcome.Passed() {
		fixed, repErr := p.repair.Repair(ctx, dir, step.Description, specText, code, outcome.(types.Fail))
		if repErr != nil {
			return "", fmt.Errorf("tests failed and repair gave up: %w", repErr)
		}
		code = fixed.Code
		if fixed.Outcome != nil {
			outcome = fixed.Outcome
		}
		// The repair may have reshaped the program; rescan its interface.
		res.Interface = synth.ScanInterface(code, step.Description)
	}

	nodeID := newNodeID(step.StepID)
	score := types.NodeScore{Correctness: 1, Composite: 1}
	if pass, ok := outcome.(types.Pass); ok && pass.Coverage > 0 {
		score.Composite = pass.Coverage / 100
	}
	if _, err := p.registry.Register(nodeID, res.Interface, []string{string(class)}, score, registry.NodeFiles{
		Main:          code,
		Tests:         tests,
		Specification: specText,
		Feature:       featureText(step.Description, tests),
	}); err != nil {
		return "", fmt.Errorf("registration failed: %w", err)
	}

	a := &types.Artifact{
		ID:          "fn-" + nodeID,
		Kind:        types.KindFunction,
		Name:        truncate(step.Description, 60),
		Description: step.Description,
		Content:     code,
		Tags:        []string{string(class)},
		Metadata: map[string]any{
			"node_id":        nodeID,
			"operation_type": string(res.Interface.OperationType),
		},
	}
	if err := p.artifacts.Store(ctx, a, true); err != nil {
		log.Warn("failed to store function artifact for %s: %v", nodeID, err)
	}

	step.Tool = nodeID
	logging.Pipeline("built node %s for step %s", nodeID, step.StepID)
	return nodeID, nil
}

// featureText extracts scenario lines from a generated test suite into a
// Gherkin-style behaviour file. Returns "" when the suite has none.
func featureText(description, tests string) string {
	var scenarios []string
	for _, line := range strings.Split(tests, "\n") {
		trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), `#"'`))
		if strings.HasPrefix(trimmed, "Scenario:") {
			scenarios = append(scenarios, "  "+trimmed)
		}
	}
	if len(scenarios) == 0 {
		return ""
	}
	return "Feature: " + description + "\n\n" + strings.Join(scenarios, "\n") + "\n"
}

func newNodeID(stepID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, stepID)
	return cleaned + "-" + uuid.NewString()[:8]
}

// =============================================================================
// EXECUTION
// =============================================================================

// executeStored rehydrates a promoted workflow and runs it.
func (p *Pipeline) executeStored(ctx context.Context, a *types.Artifact) (any, error) {
	var spec types.WorkflowSpec
	if err := json.Unmarshal([]byte(a.Content), &spec); err != nil {
		return nil, fmt.Errorf("workflow %s has unreadable spec: %w", a.ID, err)
	}
	if err := workflow.Validate(&spec); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", a.ID, err)
	}
	return p.executeSpec(ctx, &spec)
}

// executeSpec runs the DAG and returns the final step's output.
func (p *Pipeline) executeSpec(ctx context.Context, spec *types.WorkflowSpec) (any, error) {
	exec := workflow.NewExecutor(p.sched, p.stepFunc)
	outputs, err := exec.Execute(ctx, spec)
	if err != nil {
		return nil, err
	}
	last := spec.Steps[len(spec.Steps)-1]
	key := last.OutputName
	if key == "" {
		key = last.StepID
	}
	if v, ok := outputs[key]; ok {
		return v, nil
	}
	return outputs, nil
}

// stepFunc runs one step's bound node, adapting the resolved inputs onto
// the node's declared interface.
func (p *Pipeline) stepFunc(ctx context.Context, step types.WorkflowStep, inputs map[string]any) (any, error) {
	if step.Tool == "" {
		return nil, fmt.Errorf("step %s has no bound node", step.StepID)
	}
	description, _ := inputs["description"].(string)
	if description == "" {
		description = step.Description
	}
	var iface *types.InterfaceManifest
	if node, err := p.registry.Get(step.Tool); err == nil {
		iface = &node.Interface
	}
	payload := registry.AdaptInput(description, iface)
	for k, v := range inputs {
		payload[k] = v
	}

	res, err := p.runner.Run(ctx, step.Tool, payload)
	if err != nil {
		return nil, fmt.Errorf("node %s failed: %w", step.Tool, err)
	}
	if res.Metrics.ExitCode != 0 {
		return nil, fmt.Errorf("node %s exited %d: %s", step.Tool, res.Metrics.ExitCode, truncate(res.Stderr, 400))
	}
	if doc, ok := res.Output.(map[string]any); ok {
		if v, ok := doc["result"]; ok && len(doc) == 1 {
			return v, nil
		}
		return doc, nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// =============================================================================
// PROMOTION
// =============================================================================

// promote stores the finished workflow for the exact and semantic reuse
// paths, and exposes it as a callable tool.
func (p *Pipeline) promote(ctx context.Context, request, norm string, spec *types.WorkflowSpec, nodeIDs []string) string {
	log := logging.Get(logging.CategoryPipeline)

	content, err := json.Marshal(spec)
	if err != nil {
		log.Warn("failed to encode workflow spec: %v", err)
		return ""
	}
	id := "wf-" + uuid.NewString()[:8]
	a := &types.Artifact{
		ID:          id,
		Kind:        types.KindWorkflow,
		Name:        truncate(request, 60),
		Description: request,
		Content:     string(content),
		Tags:        []string{"complete"},
		Metadata: map[string]any{
			"question": norm,
			"nodes":    nodeIDs,
		},
	}
	if err := p.artifacts.Store(ctx, a, true); err != nil {
		log.Warn("failed to promote workflow: %v", err)
		return ""
	}

	if p.tools != nil {
		tool := p.workflowTool(id, request)
		if err := p.tools.Register(tool); err != nil {
			log.Warn("failed to register workflow tool: %v", err)
		} else {
			p.storeToolArtifact(ctx, tool)
		}
	}

	logging.Pipeline("promoted workflow %s for %q", id, truncate(request, 60))
	return id
}

// workflowTool wraps a stored workflow artifact as a callable tool.
func (p *Pipeline) workflowTool(id, description string) *tools.Tool {
	return tools.NewWorkflowTool("workflow_"+id, description, id, func(ctx context.Context, workflowID, _ string) (string, error) {
		stored, getErr := p.artifacts.Get(ctx, workflowID)
		if getErr != nil {
			return "", getErr
		}
		out, execErr := p.executeStored(ctx, stored)
		if execErr != nil {
			return "", execErr
		}
		return fmt.Sprintf("%v", out), nil
	})
}

// storeToolArtifact mirrors a registered tool into the store so the
// planner and synthesizer can recommend it by similarity.
func (p *Pipeline) storeToolArtifact(ctx context.Context, t *tools.Tool) {
	a := &types.Artifact{
		ID:          "tool-" + t.Name,
		Kind:        types.KindTool,
		Name:        t.Name,
		Description: t.Description,
		Content:     t.Description,
		Tags:        []string{string(t.Category)},
		Metadata:    map[string]any{"tool_kind": string(t.Kind)},
	}
	if err := p.artifacts.Store(ctx, a, true); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("failed to store tool artifact %s: %v", t.Name, err)
	}
}

// SyncTools runs at boot: stored workflows become callable tools again,
// and every registered tool is mirrored into the artifact store. Without
// this, a fresh process (the tool-call subprocess in particular) could
// not dispatch to workflows promoted by earlier runs.
func (p *Pipeline) SyncTools(ctx context.Context) error {
	if p.tools == nil {
		return nil
	}
	stored, err := p.artifacts.FindByTags(ctx, []string{"complete"}, 500)
	if err != nil {
		return fmt.Errorf("failed to load stored workflows: %w", err)
	}
	for _, a := range stored {
		if a.Kind != types.KindWorkflow || p.tools.Has("workflow_"+a.ID) {
			continue
		}
		if err := p.tools.Register(p.workflowTool(a.ID, a.Description)); err != nil {
			return err
		}
	}
	for _, t := range p.tools.All() {
		if existing, getErr := p.artifacts.Get(ctx, "tool-"+t.Name); getErr == nil && existing != nil {
			continue
		}
		p.storeToolArtifact(ctx, t)
	}
	return nil
}

func writeFile(dir, name, content string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
