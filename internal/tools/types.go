// Package tools provides the tool registry exposed to generated nodes.
//
// Nodes call tools through the forge_tools shim: call_tool(name, prompt)
// resolves here, where a tool is either an LLM prompt wrapper, an
// executable subprocess, or a registered workflow.
package tools

import (
	"context"
)

// Kind says how a tool executes.
type Kind string

const (
	// KindLLM tools wrap a single model call.
	KindLLM Kind = "llm"

	// KindExecutable tools shell out to a subprocess.
	KindExecutable Kind = "executable"

	// KindWorkflow tools run a stored multi-step workflow.
	KindWorkflow Kind = "workflow"
)

// ToolCategory classifies tools for discovery and planner hints.
type ToolCategory string

const (
	// CategoryText covers generation, summarization, translation.
	CategoryText ToolCategory = "text"

	// CategoryData covers parsing, conversion, extraction.
	CategoryData ToolCategory = "data"

	// CategorySystem covers subprocess and environment tools.
	CategorySystem ToolCategory = "system"

	// CategoryGeneral is for tools usable by any node.
	CategoryGeneral ToolCategory = "general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution. The prompt is the
// node's free-text request; kwargs carry any structured extras.
type ExecuteFunc func(ctx context.Context, prompt string, kwargs map[string]any) (string, error)

// Tool is one entry in the registry.
type Tool struct {
	// Name is the unique identifier nodes pass to call_tool.
	Name string

	// Description explains what the tool does. Stored alongside the
	// tool artifact so the planner can recommend it.
	Description string

	// Category classifies the tool for discovery.
	Category ToolCategory

	// Kind says how the tool executes.
	Kind Kind

	// Execute runs the tool.
	Execute ExecuteFunc

	// Schema defines the expected kwargs.
	Schema ToolSchema

	// Priority breaks ties when multiple tools match (default 50).
	Priority int
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// ToolResult wraps the result of tool execution with metadata.
type ToolResult struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// Result is the string output from the tool.
	Result string

	// Error is set if the tool failed.
	Error error

	// DurationMs is how long execution took.
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *ToolResult) IsSuccess() bool {
	return r.Error == nil
}
