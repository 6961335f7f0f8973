// Package repair fixes nodes that failed their tests: a staged escalation
// loop with hallucination checks, a learned fix-pattern fast path, and a
// post-repair logging scrub.
package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/synth"
	"codeforge/internal/types"
)

var (
	// ErrRepairExhausted means every stage including god-level failed.
	ErrRepairExhausted = errors.New("repair attempts exhausted")
	// ErrHallucinatedFix means the model claimed a fix it did not make.
	ErrHallucinatedFix = errors.New("claimed fix not present in code")
)

// Tester runs the node's test suite. *harness.Harness satisfies it.
type Tester interface {
	Run(ctx context.Context, dir, description string) types.TestOutcome
}

// Config tunes the repair engine.
type Config struct {
	MaxAttempts      int     // staged attempts before god-level (default 6)
	MaxRejections    int     // hallucination rejections tolerated before they count (default 3)
	PatternThreshold float64 // minimum success rate for the fast path (default 0.7)
}

// Engine repairs failing node code in place.
type Engine struct {
	cfg    Config
	client llm.Client
	tester Tester
	fixes  *store.FixLibrary // nil disables the fast path and recording
}

// New creates a repair engine. fixes may be nil.
func New(cfg Config, client llm.Client, tester Tester, fixes *store.FixLibrary) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = 3
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = 0.7
	}
	return &Engine{cfg: cfg, client: client, tester: tester, fixes: fixes}
}

// Result describes a successful repair.
type Result struct {
	Code        string
	Attempts    int
	Stage       types.RepairStage
	FromPattern bool              // fixed by the pattern library without the loop
	Outcome     types.TestOutcome // passing run that backs the fixed code
}

// =============================================================================
// STAGE TABLE
// =============================================================================

var stageTemps = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}

// stageFor maps an attempt number onto the escalation ladder.
func stageFor(attempt int) (types.RepairStage, types.Role, types.Tier, float64) {
	temp := stageTemps[attempt-1]
	switch {
	case attempt <= 2:
		return types.StageNormal, types.RoleGenerator, types.TierFast, temp
	case attempt <= 4:
		return types.StageLogging, types.RoleGenerator, types.TierFast, temp
	default:
		return types.StagePowerful, types.RoleEscalation, types.TierPowerful, temp
	}
}

// attemptLog is one entry of the running history every later attempt sees.
type attemptLog struct {
	Attempt     int
	Stage       types.RepairStage
	Tier        types.Tier
	Temperature float64
	Fixes       []string
	Analysis    string
	Error       string
}

// =============================================================================
// REPAIR LOOP
// =============================================================================

// Repair drives the escalation loop for the node in dir whose main.py
// produced failure. On success the fixed code is on disk and returned; on
// terminal failure the original code is restored.
func (e *Engine) Repair(ctx context.Context, dir, description, spec, code string, failure types.Fail) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryRepair, "Repair")
	defer timer.Stop()
	log := logging.Get(logging.CategoryRepair)

	errOut := failure.CombinedOutput()
	errType := ClassifyError(errOut)
	fragment := errorFragment(errOut)
	log.Info("repairing %s: %s (%s)", dir, truncate(fragment, 80), errType)

	if res, ok := e.tryPattern(ctx, dir, description, code, errOut, errType); ok {
		return res, nil
	}

	current := code
	lastErr := errOut
	var history []attemptLog
	rejections := 0

	for attempt := 1; attempt <= e.cfg.MaxAttempts; {
		stage, role, tier, temp := stageFor(attempt)
		prompt := e.buildPrompt(description, spec, current, lastErr, stage, history, false)

		raw, genErr := e.client.Generate(ctx, role, tier, prompt, llm.Options{Temperature: temp, MaxTokens: 4096})
		if genErr != nil {
			history = append(history, attemptLog{attempt, stage, tier, temp, nil, "", "llm error: " + genErr.Error()})
			attempt++
			continue
		}
		candidate, analysis, claims := parseResponse(raw)
		if strings.TrimSpace(candidate) == "" {
			history = append(history, attemptLog{attempt, stage, tier, temp, claims, analysis, "empty code in response"})
			attempt++
			continue
		}

		consumed := true
		if reason := validateClaims(current, candidate, claims); reason != "" {
			log.Warn("attempt %d rejected: %s: %v", attempt, reason, ErrHallucinatedFix)
			fixed, applied := programmaticFix(candidate, claims)
			if applied {
				// Deterministic application of the claimed fix; the
				// model's budget is not charged for this round.
				candidate = fixed
				claims = append(claims, "applied programmatically")
				consumed = false
			} else if rejections < e.cfg.MaxRejections {
				rejections++
				history = append(history, attemptLog{attempt, stage, tier, temp, claims, analysis, "rejected: " + reason})
				continue
			}
			// Rejection budget spent; the attempt counts as failed.
		}

		if err := writeMain(dir, candidate); err != nil {
			return nil, err
		}
		outcome := e.tester.Run(ctx, dir, description)
		if outcome.Passed() {
			return e.finish(ctx, dir, description, code, candidate, errType, fragment, claims, stage, attempt, outcome)
		}
		fail := outcome.(types.Fail)
		lastErr = fail.CombinedOutput()
		current = candidate
		history = append(history, attemptLog{attempt, stage, tier, temp, claims, analysis, truncate(lastErr, 400)})
		if consumed {
			attempt++
		} else if rejections < e.cfg.MaxRejections {
			rejections++
		} else {
			attempt++
		}
	}

	// God-level: one final shot with the complete failure history.
	log.Warn("escalating to god-level repair for %s", dir)
	prompt := e.buildPrompt(description, spec, current, lastErr, types.StageGod, history, true)
	raw, genErr := e.client.Generate(ctx, types.RoleGod, types.TierGod, prompt, llm.Options{Temperature: 0.1, MaxTokens: 8192})
	if genErr == nil {
		candidate, _, claims := parseResponse(raw)
		if strings.TrimSpace(candidate) != "" && validateClaims(current, candidate, claims) == "" {
			if err := writeMain(dir, candidate); err != nil {
				return nil, err
			}
			if outcome := e.tester.Run(ctx, dir, description); outcome.Passed() {
				return e.finish(ctx, dir, description, code, candidate, errType, fragment, claims, types.StageGod, e.cfg.MaxAttempts+1, outcome)
			}
		}
	}

	if err := writeMain(dir, code); err != nil {
		log.Error("failed to restore original code: %v", err)
	}
	return nil, fmt.Errorf("%w after %d attempts plus god-level", ErrRepairExhausted, e.cfg.MaxAttempts)
}

// finish runs the post-success steps: logging scrub with re-test, then
// pattern recording.
func (e *Engine) finish(ctx context.Context, dir, description, original, fixed string, errType types.ErrorType, fragment string, claims []string, stage types.RepairStage, attempts int, outcome types.TestOutcome) (*Result, error) {
	log := logging.Get(logging.CategoryRepair)

	if stage == types.StageLogging || stage == types.StagePowerful {
		scrubbed := synth.ScrubLogging(fixed)
		if scrubbed != fixed {
			var rerun types.TestOutcome
			if err := writeMain(dir, scrubbed); err == nil {
				rerun = e.tester.Run(ctx, dir, description)
			}
			if rerun != nil && rerun.Passed() {
				fixed = scrubbed
				outcome = rerun
			} else {
				// The scrub broke the fix; the logged version stands.
				if err := writeMain(dir, fixed); err != nil {
					return nil, err
				}
				log.Warn("logging scrub broke the fix, keeping logged version")
			}
		}
	}

	if e.fixes != nil {
		p := &types.FixPattern{
			ErrorType:       errType,
			MessageFragment: fragment,
			BrokenSnippet:   original,
			FixedSnippet:    fixed,
			Description:     fmt.Sprintf("stage %s: %s", stage, strings.Join(claims, "; ")),
		}
		if err := e.fixes.Record(ctx, p, true); err != nil {
			log.Warn("failed to record fix pattern: %v", err)
		}
	}

	log.Info("repair succeeded at stage %s after %d attempt(s)", stage, attempts)
	return &Result{Code: fixed, Attempts: attempts, Stage: stage, Outcome: outcome}, nil
}

// =============================================================================
// FAST PATH
// =============================================================================

// tryPattern applies the best-matching learned pattern once before the
// loop. Only exact message-fragment matches above the success threshold
// qualify, and only when the broken snippet actually appears in the code.
func (e *Engine) tryPattern(ctx context.Context, dir, description, code, errOut string, errType types.ErrorType) (*Result, bool) {
	if e.fixes == nil {
		return nil, false
	}
	log := logging.Get(logging.CategoryRepair)

	scored, err := e.fixes.Lookup(ctx, errOut, errType, code)
	if err != nil {
		log.Warn("pattern lookup failed: %v", err)
		return nil, false
	}
	for _, sp := range scored {
		p := sp.Pattern
		if sp.Score < 1.0 || p.SuccessRate() <= e.cfg.PatternThreshold {
			continue
		}
		if p.BrokenSnippet == "" || !strings.Contains(code, p.BrokenSnippet) {
			continue
		}
		candidate := strings.Replace(code, p.BrokenSnippet, p.FixedSnippet, 1)
		if err := writeMain(dir, candidate); err != nil {
			return nil, false
		}
		outcome := e.tester.Run(ctx, dir, description)
		if recErr := e.fixes.Record(ctx, p, outcome.Passed()); recErr != nil {
			log.Warn("failed to update pattern %s: %v", p.ID, recErr)
		}
		if outcome.Passed() {
			log.Info("pattern %s fixed the node without the repair loop", p.ID)
			return &Result{Code: candidate, Attempts: 0, Stage: types.StageNormal, FromPattern: true, Outcome: outcome}, true
		}
		// Pattern failed; put the original back and fall into the loop.
		if err := writeMain(dir, code); err != nil {
			log.Error("failed to restore code after pattern miss: %v", err)
		}
		return nil, false
	}
	return nil, false
}

// =============================================================================
// RESPONSE PARSING & CLAIM VALIDATION
// =============================================================================

type repairResponse struct {
	Analysis string   `json:"analysis"`
	Fixes    []string `json:"fixes"`
	Code     string   `json:"code"`
}

// parseResponse accepts the JSON envelope or, failing that, treats the
// whole response as code with no claims to validate.
func parseResponse(raw string) (code, analysis string, claims []string) {
	if obj := types.ExtractJSONObject(raw); obj != "" {
		var r repairResponse
		if err := json.Unmarshal([]byte(obj), &r); err == nil && strings.TrimSpace(r.Code) != "" {
			return synth.CleanResponse(r.Code), r.Analysis, r.Fixes
		}
	}
	return synth.CleanResponse(raw), "", nil
}

var (
	removedImportRe = regexp.MustCompile(`(?i)(?:remov\w+|delet\w+)\s+(?:the\s+)?(?:unused\s+)?import\s+(?:of\s+)?['"` + "`" + `]?([A-Za-z_]\w*)`)
	addedImportRe   = regexp.MustCompile(`(?i)add\w*\s+(?:the\s+)?(?:missing\s+)?import\s+(?:of\s+|for\s+)?['"` + "`" + `]?([A-Za-z_]\w*)`)
)

func claimsPathSetup(claim string) bool {
	lower := strings.ToLower(claim)
	return strings.Contains(lower, "path setup") || strings.Contains(lower, "sys.path")
}

// validateClaims checks every claimed fix against the candidate code and
// returns a rejection reason, or "" when the claims hold up.
func validateClaims(prev, candidate string, claims []string) string {
	if len(claims) == 0 {
		return ""
	}
	if types.NormalizeWhitespace(prev) == types.NormalizeWhitespace(candidate) {
		return "claimed fixes but code is unchanged"
	}
	for _, claim := range claims {
		if claimsPathSetup(claim) && !strings.Contains(candidate, "sys.path.insert") {
			return "claimed path setup but none present"
		}
		if m := removedImportRe.FindStringSubmatch(claim); m != nil && importsModule(candidate, m[1]) {
			return fmt.Sprintf("claimed removal of import %s but it remains", m[1])
		}
		if m := addedImportRe.FindStringSubmatch(claim); m != nil && !importsModule(candidate, m[1]) {
			return fmt.Sprintf("claimed added import %s but it is absent", m[1])
		}
	}
	return ""
}

func importsModule(code, mod string) bool {
	re := regexp.MustCompile(`(?m)^\s*(?:import\s+` + regexp.QuoteMeta(mod) + `\b|from\s+` + regexp.QuoteMeta(mod) + `\s+import\b|import\s+.*,\s*` + regexp.QuoteMeta(mod) + `\b)`)
	return re.MatchString(code)
}

// programmaticFix deterministically applies the commonest claimed fixes
// the model failed to make itself.
func programmaticFix(code string, claims []string) (string, bool) {
	changed := false
	for _, claim := range claims {
		if claimsPathSetup(claim) && !strings.Contains(code, "sys.path.insert") {
			code = synth.EnsurePathSetup(code)
			changed = true
		}
		if m := removedImportRe.FindStringSubmatch(claim); m != nil && importsModule(code, m[1]) {
			if out, ok := removeUnusedImport(code, m[1]); ok {
				code = out
				changed = true
			}
		}
	}
	return code, changed
}

// removeUnusedImport drops the module's import line when nothing else in
// the code references it.
func removeUnusedImport(code, mod string) (string, bool) {
	importRe := regexp.MustCompile(`(?m)^\s*(?:import\s+` + regexp.QuoteMeta(mod) + `|from\s+` + regexp.QuoteMeta(mod) + `\s+import\s.*)\s*$\n?`)
	stripped := importRe.ReplaceAllString(code, "")
	if stripped == code {
		return code, false
	}
	if regexp.MustCompile(`\b` + regexp.QuoteMeta(mod) + `\b`).MatchString(stripped) {
		// Still referenced; removing the import would break the code.
		return code, false
	}
	return stripped, true
}

// =============================================================================
// PROMPTS
// =============================================================================

func (e *Engine) buildPrompt(description, spec, code, errOut string, stage types.RepairStage, history []attemptLog, god bool) string {
	var b strings.Builder
	if god {
		b.WriteString("You are the last line of defense. Every previous repair attempt failed; the complete history is below. Rewrite the program so its tests pass.\n\n")
	} else {
		b.WriteString("The Python program below fails its tests. Fix it.\n\n")
	}
	fmt.Fprintf(&b, "Task: %s\n\n", description)
	if spec != "" {
		fmt.Fprintf(&b, "Specification:\n%s\n\n", spec)
	}
	fmt.Fprintf(&b, "Current code:\n```python\n%s\n```\n\nTest failure:\n```\n%s\n```\n", code, truncate(errOut, 2000))

	if stage == types.StageLogging || stage == types.StagePowerful {
		b.WriteString("\nAdd print-based logging statements that trace execution, so the failure point is visible in the next test run.\n")
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious attempts:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- attempt %d [%s %s t=%.1f] fixes=%v error=%s\n",
				h.Attempt, h.Stage, h.Tier, h.Temperature, h.Fixes, truncate(h.Error, 160))
		}
	}
	b.WriteString(`
Respond with ONLY a JSON object:
{"analysis": "<what is wrong>", "fixes": ["<each change you made>"], "code": "<the complete fixed program>"}`)
	return b.String()
}

func writeMain(dir, code string) error {
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(code), 0o644); err != nil {
		return fmt.Errorf("failed to write repaired code: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
