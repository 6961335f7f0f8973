package synth

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/types"
)

var (
	inputGetRe   = regexp.MustCompile(`input_data\.get\(\s*["']([^"']+)["']`)
	inputIndexRe = regexp.MustCompile(`input_data\[\s*["']([^"']+)["']\s*\]`)
	outputKeyRe  = regexp.MustCompile(`json\.dumps\(\s*\{\s*["']([^"']+)["']`)
)

// DetectInterface proposes an interface manifest for synthesized code.
// The LLM path produces the manifest; when it fails or returns nothing
// usable, the pattern scanner fills it in from the code itself.
func DetectInterface(ctx context.Context, client llm.Client, code, description string) types.InterfaceManifest {
	timer := logging.StartTimer(logging.CategorySynth, "DetectInterface")
	defer timer.Stop()

	if client != nil {
		if m, ok := detectWithLLM(ctx, client, code, description); ok {
			return m
		}
	}
	return ScanInterface(code, description)
}

func detectWithLLM(ctx context.Context, client llm.Client, code, description string) (types.InterfaceManifest, bool) {
	prompt := `Describe this program's interface.

Task: ` + description + `

Code:
` + code + `

Respond with JSON only:
{"inputs": ["field", ...], "outputs": ["field", ...], "operation_type": "generator|transformer|combiner|splitter|filter|validator", "description": "one sentence"}`

	out, err := client.Generate(ctx, types.RoleTriage, types.TierFast, prompt, llm.Options{Temperature: 0.1, MaxTokens: 256})
	if err != nil {
		logging.Get(logging.CategorySynth).Warn("interface llm failed, using scanner: %v", err)
		return types.InterfaceManifest{}, false
	}
	payload := types.ExtractJSONObject(out)
	if payload == "" {
		return types.InterfaceManifest{}, false
	}
	var m types.InterfaceManifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil || len(m.Inputs) == 0 {
		return types.InterfaceManifest{}, false
	}
	if !validOperation(m.OperationType) {
		m.OperationType = inferOperation(len(m.Inputs), strings.Contains(code, "call_tool"))
	}
	if m.Description == "" {
		m.Description = description
	}
	return m, true
}

func validOperation(op types.OperationType) bool {
	switch op {
	case types.OpGenerator, types.OpTransformer, types.OpCombiner, types.OpSplitter, types.OpFilter, types.OpValidator:
		return true
	}
	return false
}

// ScanInterface extracts the manifest from input_data access patterns in
// the code. Outputs default to the keys of the emitted JSON document, or
// "result" when none is recognizable.
func ScanInterface(code, description string) types.InterfaceManifest {
	seen := make(map[string]bool)
	var inputs []string
	for _, re := range []*regexp.Regexp{inputGetRe, inputIndexRe} {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				inputs = append(inputs, m[1])
			}
		}
	}
	sort.Strings(inputs)

	var outputs []string
	for _, m := range outputKeyRe.FindAllStringSubmatch(code, -1) {
		outputs = append(outputs, m[1])
		break
	}
	if len(outputs) == 0 {
		outputs = []string{"result"}
	}

	return types.InterfaceManifest{
		Inputs:        inputs,
		Outputs:       outputs,
		OperationType: inferOperation(len(inputs), strings.Contains(code, "call_tool")),
		Description:   description,
	}
}

// inferOperation classifies the node by input arity and tool usage.
func inferOperation(inputCount int, callsTool bool) types.OperationType {
	switch {
	case inputCount == 0:
		return types.OpGenerator
	case inputCount >= 2:
		return types.OpCombiner
	case callsTool:
		return types.OpTransformer
	default:
		return types.OpTransformer
	}
}
