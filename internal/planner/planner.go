// Package planner implements request classification, the duplicate
// sentinel, specification synthesis, and tool recommendation.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// Config tunes planning behaviour.
type Config struct {
	ReuseThreshold float64 // min similarity for SAME reuse (default 0.90)
	TopK           int     // sentinel / tool candidate count (default 5)
	ContextTokens  int     // generator context window for truncation (default 16000)
}

// Planner drives pre-generation decisions.
type Planner struct {
	cfg       Config
	client    llm.Client
	artifacts *store.ArtifactStore
}

// New creates a planner. The artifact store may be nil; tool
// recommendation then returns nothing.
func New(cfg Config, client llm.Client, artifacts *store.ArtifactStore) *Planner {
	if cfg.ReuseThreshold <= 0 {
		cfg.ReuseThreshold = 0.90
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = 16000
	}
	return &Planner{cfg: cfg, client: client, artifacts: artifacts}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// GeneratorTier maps a task class to the tier used for code generation.
func GeneratorTier(class types.TaskClass) types.Tier {
	switch class {
	case types.ClassArithmetic:
		return types.TierFast
	case types.ClassAlgorithm:
		return types.TierPowerful
	default:
		return types.TierFast
	}
}

// Classify buckets the request into one of the four task classes using a
// fast model at near-zero temperature. An unusable answer falls back to
// keyword heuristics so classification never fails the pipeline.
func (p *Planner) Classify(ctx context.Context, request string) types.TaskClass {
	timer := logging.StartTimer(logging.CategoryPlanner, "Classify")
	defer timer.Stop()

	prompt := fmt.Sprintf(`Classify this programming request into exactly one category.

Categories:
- ARITHMETIC: basic math on given numbers (add, subtract, multiply, divide, average)
- SIMPLE_CONTENT: short text generation or transformation (haiku, greeting, one translation)
- COMPLEX_CONTENT: multi-part content generation (report, article with sections)
- ALGORITHM: data structures, parsing, multi-step computation, anything needing real code logic

Respond with ONLY the category name.

Request: %s`, request)

	out, err := p.client.Generate(ctx, types.RoleTriage, types.TierVeryFast, prompt, llm.Options{Temperature: 0.1, MaxTokens: 16})
	if err == nil {
		if class, ok := parseClass(out); ok {
			logging.Get(logging.CategoryPlanner).Debug("classified %q as %s", request, class)
			return class
		}
	}
	class := heuristicClass(request)
	logging.Get(logging.CategoryPlanner).Warn("classifier fallback for %q: %s (llm err: %v)", request, class, err)
	return class
}

func parseClass(out string) (types.TaskClass, bool) {
	up := strings.ToUpper(strings.TrimSpace(out))
	for _, c := range []types.TaskClass{
		types.ClassArithmetic, types.ClassSimpleContent, types.ClassComplexContent, types.ClassAlgorithm,
	} {
		if up == string(c) {
			return c, true
		}
	}
	// Chatty answers: search for the token, longest names first so
	// COMPLEX_CONTENT is not shadowed by its CONTENT suffix.
	for _, c := range []types.TaskClass{
		types.ClassComplexContent, types.ClassSimpleContent, types.ClassArithmetic, types.ClassAlgorithm,
	} {
		if strings.Contains(up, string(c)) {
			return c, true
		}
	}
	return "", false
}

var arithmeticWords = regexp.MustCompile(`\b(add|plus|sum|subtract|minus|multiply|times|divide|average|mean)\b`)

// heuristicClass is the no-LLM fallback classifier.
func heuristicClass(request string) types.TaskClass {
	lower := strings.ToLower(request)
	hasDigit := strings.ContainsAny(lower, "0123456789")
	if hasDigit && arithmeticWords.MatchString(lower) {
		return types.ClassArithmetic
	}
	words := len(strings.Fields(lower))
	switch {
	case strings.Contains(lower, "algorithm") || strings.Contains(lower, "sort") ||
		strings.Contains(lower, "parse") || strings.Contains(lower, "search"):
		return types.ClassAlgorithm
	case words > 12:
		return types.ClassComplexContent
	default:
		return types.ClassSimpleContent
	}
}

// =============================================================================
// DUPLICATE SENTINEL
// =============================================================================

// SentinelDecision is the sentinel's routing verdict for a request.
type SentinelDecision struct {
	Verdict    types.MatchVerdict
	Confidence float64
	Best       *store.Match // highest-similarity candidate, nil when none
	Reuse      bool         // SAME and similarity >= threshold
	Template   *types.Artifact
}

type sentinelResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// Sentinel compares the request against the top-k similar artifacts and
// decides reuse / template / fresh. Reuse requires a SAME verdict AND
// vector similarity at or above the reuse threshold; RELATED always
// routes to template synthesis regardless of similarity.
func (p *Planner) Sentinel(ctx context.Context, request string, candidates []store.Match) SentinelDecision {
	timer := logging.StartTimer(logging.CategoryPlanner, "Sentinel")
	defer timer.Stop()

	if len(candidates) == 0 {
		return SentinelDecision{Verdict: types.VerdictDifferent, Confidence: 1.0}
	}
	best := &candidates[0]
	for i := range candidates {
		if candidates[i].Score > best.Score {
			best = &candidates[i]
		}
	}

	var sb strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. [similarity %.2f] %s: %s\n", i+1, c.Score, c.Artifact.Name, c.Artifact.Description)
	}
	prompt := fmt.Sprintf(`You are a duplicate detector for a code library.

New request: %s

Existing artifacts:
%s
Is the request the SAME task as an existing artifact, RELATED (similar shape, different specifics), or DIFFERENT?
Only answer SAME when the existing artifact would satisfy the request verbatim.

Respond with JSON only: {"verdict": "SAME|RELATED|DIFFERENT", "confidence": 0.0-1.0}`, request, sb.String())

	decision := SentinelDecision{Verdict: types.VerdictDifferent, Confidence: 0.5, Best: best}
	out, err := p.client.Generate(ctx, types.RoleOverseer, types.TierFast, prompt, llm.Options{Temperature: 0.1, MaxTokens: 64})
	if err != nil {
		logging.Get(logging.CategoryPlanner).Warn("sentinel llm failed, treating as DIFFERENT: %v", err)
		return decision
	}

	var resp sentinelResponse
	if payload := types.ExtractJSONObject(out); payload != "" {
		if jsonErr := json.Unmarshal([]byte(payload), &resp); jsonErr == nil {
			switch types.MatchVerdict(strings.ToUpper(resp.Verdict)) {
			case types.VerdictSame:
				decision.Verdict = types.VerdictSame
			case types.VerdictRelated:
				decision.Verdict = types.VerdictRelated
			case types.VerdictDifferent:
				decision.Verdict = types.VerdictDifferent
			}
			if resp.Confidence > 0 && resp.Confidence <= 1 {
				decision.Confidence = resp.Confidence
			}
		}
	}

	switch decision.Verdict {
	case types.VerdictSame:
		if best.Score >= p.cfg.ReuseThreshold {
			decision.Reuse = true
		} else {
			// SAME below threshold degrades to template use.
			decision.Template = best.Artifact
		}
	case types.VerdictRelated:
		decision.Template = best.Artifact
	}

	logging.Get(logging.CategoryPlanner).Info("sentinel: %s (conf %.2f, best sim %.2f, reuse=%v)",
		decision.Verdict, decision.Confidence, best.Score, decision.Reuse)
	return decision
}

// Candidates fetches the sentinel's comparison set from the store.
func (p *Planner) Candidates(ctx context.Context, request string) ([]store.Match, error) {
	if p.artifacts == nil {
		return nil, nil
	}
	return p.artifacts.FindSimilar(ctx, store.SimilarQuery{
		Text: request, Kind: types.KindWorkflow, K: p.cfg.TopK, MinScore: 0.3,
	})
}

// =============================================================================
// SPECIFICATION SYNTHESIS
// =============================================================================

// Specification is the structured plan handed to the synthesizer.
type Specification struct {
	Problem         string
	Requirements    []string
	Plan            []string
	IOInterface     string
	TestCases       []string
	RecommendedTool string
	Raw             string // full rendered text, truncated to context
}

// SynthesizeSpec produces the structured specification for a non-reuse
// request. template is the matched artifact for RELATED verdicts, nil for
// cold synthesis.
func (p *Planner) SynthesizeSpec(ctx context.Context, request string, class types.TaskClass, template *types.Artifact) (*Specification, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "SynthesizeSpec")
	defer timer.Stop()

	tool, _ := p.RecommendTool(ctx, request)

	var templateBlock string
	if template != nil {
		templateBlock = fmt.Sprintf("\nA similar solution exists; adapt its approach:\n```python\n%s\n```\n", template.Content)
	}
	var toolBlock string
	if tool != "" {
		toolBlock = fmt.Sprintf("\nPrefer the existing tool %q over bespoke code if it covers the task.\n", tool)
	}

	prompt := fmt.Sprintf(`Write an implementation specification for this request.

Request: %s
Task class: %s
%s%s
Produce these sections, each starting with the header shown:
PROBLEM: one-paragraph problem definition
REQUIREMENTS: bullet list of functional requirements
PLAN: numbered implementation steps
INTERFACE: the JSON input fields read from stdin and the JSON output fields printed to stdout
TESTS: at least three concrete input/expected-output test cases
TOOL: the recommended existing tool, or NONE`, request, class, templateBlock, toolBlock)

	out, err := p.client.Generate(ctx, types.RoleOverseer, types.TierFast, prompt, llm.Options{Temperature: 0.3, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("spec synthesis failed: %w", err)
	}

	spec := parseSpecification(out)
	if spec.RecommendedTool == "" {
		spec.RecommendedTool = tool
	}
	spec.Raw = TruncateToContext(out, p.cfg.ContextTokens)
	return spec, nil
}

// TruncateToContext bounds text to roughly fit a token budget, assuming a
// conservative two characters per token.
func TruncateToContext(text string, contextTokens int) string {
	maxChars := contextTokens * 2
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

var specHeader = regexp.MustCompile(`(?m)^(PROBLEM|REQUIREMENTS|PLAN|INTERFACE|TESTS|TOOL):`)

// parseSpecification splits the rendered spec into its sections. Missing
// sections stay empty; the raw text is always usable downstream.
func parseSpecification(out string) *Specification {
	spec := &Specification{}
	idx := specHeader.FindAllStringSubmatchIndex(out, -1)
	for i, m := range idx {
		header := out[m[2]:m[3]]
		end := len(out)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		body := strings.TrimSpace(out[m[1]:end])
		switch header {
		case "PROBLEM":
			spec.Problem = body
		case "REQUIREMENTS":
			spec.Requirements = bulletLines(body)
		case "PLAN":
			spec.Plan = bulletLines(body)
		case "INTERFACE":
			spec.IOInterface = body
		case "TESTS":
			spec.TestCases = bulletLines(body)
		case "TOOL":
			if !strings.EqualFold(body, "NONE") {
				spec.RecommendedTool = body
			}
		}
	}
	return spec
}

func bulletLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// =============================================================================
// TOOL RECOMMENDATION
// =============================================================================

// RecommendTool returns the best-matching registered tool name for the
// request, or empty when nothing in the store is close enough.
func (p *Planner) RecommendTool(ctx context.Context, request string) (string, error) {
	if p.artifacts == nil {
		return "", nil
	}
	matches, err := p.artifacts.FindSimilar(ctx, store.SimilarQuery{
		Text: request, Kind: types.KindTool, K: p.cfg.TopK, MinScore: 0.5,
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	best := matches[0]
	logging.Get(logging.CategoryPlanner).Debug("tool recommendation: %s (sim %.2f)", best.Artifact.Name, best.Score)
	return best.Artifact.Name, nil
}
