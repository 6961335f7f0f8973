// Package types provides shared type definitions used across codeforge packages.
// This package exists to break import cycles between the pipeline, store, and
// repair packages. Types here should be foundational data structures with no
// complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// ARTIFACT TYPES
// =============================================================================

// ArtifactKind is the closed set of artifact categories the store accepts.
type ArtifactKind string

const (
	KindPlan         ArtifactKind = "plan"
	KindFunction     ArtifactKind = "function"
	KindWorkflow     ArtifactKind = "workflow"
	KindConversation ArtifactKind = "conversation"
	KindPattern      ArtifactKind = "pattern"
	KindTool         ArtifactKind = "tool"
	KindFixPattern   ArtifactKind = "fix_pattern"
)

// ValidKind reports whether k is one of the known artifact kinds.
func ValidKind(k ArtifactKind) bool {
	switch k {
	case KindPlan, KindFunction, KindWorkflow, KindConversation, KindPattern, KindTool, KindFixPattern:
		return true
	}
	return false
}

// Artifact is the fundamental unit of the semantic store.
type Artifact struct {
	ID          string         `json:"id"`
	Kind        ArtifactKind   `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   []float32      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	Usage       int64          `json:"usage"`
}

// HasTag reports whether the artifact carries the given tag.
func (a *Artifact) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MetaString returns a string metadata value, or "" when absent or non-string.
func (a *Artifact) MetaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	if s, ok := a.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// =============================================================================
// NODE TYPES
// =============================================================================

// OperationType classifies a node's input/output shape.
type OperationType string

const (
	OpGenerator   OperationType = "generator"
	OpTransformer OperationType = "transformer"
	OpCombiner    OperationType = "combiner"
	OpSplitter    OperationType = "splitter"
	OpFilter      OperationType = "filter"
	OpValidator   OperationType = "validator"
)

// ValidOperationType reports whether op is one of the known operation classes.
func ValidOperationType(op OperationType) bool {
	switch op {
	case OpGenerator, OpTransformer, OpCombiner, OpSplitter, OpFilter, OpValidator:
		return true
	}
	return false
}

// InterfaceManifest is the machine-readable description of a node's I/O surface.
// Serialized as interface.json inside each node directory.
type InterfaceManifest struct {
	Inputs        []string      `json:"inputs"`
	Outputs       []string      `json:"outputs"`
	OperationType OperationType `json:"operation_type"`
	Description   string        `json:"description"`
}

// HasInput reports whether name appears in the manifest's input list.
func (m *InterfaceManifest) HasInput(name string) bool {
	for _, in := range m.Inputs {
		if in == name {
			return true
		}
	}
	return false
}

// NodeScore captures the quality vector of a registered node.
type NodeScore struct {
	Correctness float64 `json:"correctness"`
	Latency     float64 `json:"latency"`
	Memory      float64 `json:"memory"`
	Composite   float64 `json:"composite"`
}

// Node is a catalog entry for a registered, runnable code unit.
type Node struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	ContentHash string            `json:"content_hash"`
	Interface   InterfaceManifest `json:"interface"`
	Tags        []string          `json:"tags,omitempty"`
	Score       NodeScore         `json:"score"`
	CreatedAt   time.Time         `json:"created_at"`
}

// =============================================================================
// WORKFLOW TYPES
// =============================================================================

// WorkflowStep is a single step in a decomposed workflow DAG.
type WorkflowStep struct {
	StepID        string            `json:"step_id"`
	Type          string            `json:"type"`
	Description   string            `json:"description"`
	Tool          string            `json:"tool,omitempty"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputName    string            `json:"output_name,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
}

// WorkflowSpec is the DAG of steps produced by the decomposer. It lives
// inside a single pipeline execution unless promoted to a Workflow artifact.
type WorkflowSpec struct {
	Request string         `json:"request"`
	Steps   []WorkflowStep `json:"steps"`
	Depth   int            `json:"depth"`
}

// Step returns the step with the given id, or nil.
func (w *WorkflowSpec) Step(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].StepID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// =============================================================================
// SCHEDULING TYPES
// =============================================================================

// Priority orders scheduler tasks. Lower values run first.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 10
	PriorityNormal     Priority = 50
	PriorityLow        Priority = 90
	PriorityBackground Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// TaskStatus is the lifecycle state of a scheduler task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// =============================================================================
// CLASSIFICATION AND ROUTING TYPES
// =============================================================================

// TaskClass routes a request to a generator tier.
type TaskClass string

const (
	ClassArithmetic     TaskClass = "ARITHMETIC"
	ClassSimpleContent  TaskClass = "SIMPLE_CONTENT"
	ClassComplexContent TaskClass = "COMPLEX_CONTENT"
	ClassAlgorithm      TaskClass = "ALGORITHM"
)

// MatchVerdict is the duplicate sentinel's decision about a candidate artifact.
type MatchVerdict string

const (
	VerdictSame      MatchVerdict = "SAME"
	VerdictRelated   MatchVerdict = "RELATED"
	VerdictDifferent MatchVerdict = "DIFFERENT"
)

// Role identifies the purpose of an LLM call; the client resolves the model.
type Role string

const (
	RoleTriage     Role = "triage"
	RoleOverseer   Role = "overseer"
	RoleGenerator  Role = "generator"
	RoleEscalation Role = "escalation"
	RoleGod        Role = "god"
)

// Tier identifies the capability level requested from the LLM client.
type Tier string

const (
	TierVeryFast Tier = "veryfast"
	TierFast     Tier = "fast"
	TierPowerful Tier = "powerful"
	TierGod      Tier = "god"
)

// =============================================================================
// REPAIR TYPES
// =============================================================================

// RepairStage is one of the four escalation tiers of the repair engine.
type RepairStage string

const (
	StageNormal   RepairStage = "normal"
	StageLogging  RepairStage = "logging"
	StagePowerful RepairStage = "powerful_logging"
	StageGod      RepairStage = "god"
)

// ErrorType buckets failures for fix-pattern lookup.
type ErrorType string

const (
	ErrSyntax      ErrorType = "syntax"
	ErrUndefined   ErrorType = "undefined"
	ErrImport      ErrorType = "import"
	ErrIndentation ErrorType = "indentation"
	ErrType        ErrorType = "type"
	ErrRuntime     ErrorType = "runtime"
)

// FixPattern is a learned error -> repair mapping.
type FixPattern struct {
	ID              string    `json:"id"`
	ErrorType       ErrorType `json:"error_type"`
	MessageFragment string    `json:"message_fragment"`
	BrokenSnippet   string    `json:"broken_snippet"`
	FixedSnippet    string    `json:"fixed_snippet"`
	Description     string    `json:"description"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	LastAttempt     time.Time `json:"last_attempt"`
}

// SuccessRate returns successes / (successes + failures), or 0 with no history.
func (p *FixPattern) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// =============================================================================
// TEST OUTCOME SUM TYPE
// =============================================================================

// TestOutcome is the result of running a node's tests. Exactly one of
// Pass or Fail implements it; callers branch on the concrete type instead
// of treating test failure as an exception.
type TestOutcome interface {
	isTestOutcome()
	Passed() bool
}

// Pass indicates the tests succeeded.
type Pass struct {
	Coverage float64 // 0..100, -1 when not measured
}

func (Pass) isTestOutcome() {}

// Passed always returns true for Pass.
func (Pass) Passed() bool { return true }

// Fail carries the captured output of a failing test run.
type Fail struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (Fail) isTestOutcome() {}

// Passed always returns false for Fail.
func (Fail) Passed() bool { return false }

// CombinedOutput joins stdout and stderr for error-type extraction.
func (f Fail) CombinedOutput() string {
	if f.Stdout == "" {
		return f.Stderr
	}
	if f.Stderr == "" {
		return f.Stdout
	}
	return f.Stdout + "\n" + f.Stderr
}
