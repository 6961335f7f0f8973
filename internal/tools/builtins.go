package tools

import (
	"context"
	"fmt"

	"codeforge/internal/llm"
	"codeforge/internal/types"
)

// NewLLMTool wraps a single model call as a tool. The template receives
// the node's prompt via %s.
func NewLLMTool(name, description string, category ToolCategory, client llm.Client, template string) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Category:    category,
		Kind:        KindLLM,
		Execute: func(ctx context.Context, prompt string, _ map[string]any) (string, error) {
			out, err := client.Generate(ctx, types.RoleGenerator, types.TierFast,
				fmt.Sprintf(template, prompt), llm.Options{Temperature: 0.3})
			if err != nil {
				return "", fmt.Errorf("tool %s failed: %w", name, err)
			}
			return out, nil
		},
	}
}

// WorkflowRunner executes a stored workflow by artifact id.
type WorkflowRunner func(ctx context.Context, workflowID, prompt string) (string, error)

// NewWorkflowTool exposes a promoted workflow as a callable tool.
func NewWorkflowTool(name, description, workflowID string, run WorkflowRunner) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Category:    CategoryGeneral,
		Kind:        KindWorkflow,
		Execute: func(ctx context.Context, prompt string, _ map[string]any) (string, error) {
			return run(ctx, workflowID, prompt)
		},
	}
}

// RegisterBuiltins installs the LLM-backed tools every deployment carries.
func RegisterBuiltins(r *Registry, client llm.Client) {
	r.MustRegister(NewLLMTool("generate", "Generate free-form text for a prompt",
		CategoryText, client, "%s"))
	r.MustRegister(NewLLMTool("summarize", "Summarize the given text in a few sentences",
		CategoryText, client, "Summarize the following text in at most three sentences:\n\n%s"))
	r.MustRegister(NewLLMTool("translate", "Translate text to the requested language",
		CategoryText, client, "Translate the following. The first line names the target language; the rest is the text.\n\n%s"))
	r.MustRegister(NewLLMTool("extract_json", "Extract structured JSON from unstructured text",
		CategoryData, client, "Extract the key facts from the text below as a flat JSON object. Respond with only the JSON.\n\n%s"))
}
