// Package synth generates node code from specifications: LLM calls with
// bounded retries, response cleaning, deterministic structural repair,
// formatting, and interface detection.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// Config tunes synthesis.
type Config struct {
	MaxAttempts   int     // LLM attempts (default 3)
	BaseTemp      float64 // first-attempt temperature (default 0.2)
	TempStep      float64 // increase per retry (default 0.05)
	ToolThreshold float64 // min similarity to pick a specialized tool (default 0.75)
}

// Request carries everything synthesis needs for one step.
type Request struct {
	Description   string // the user-facing task description
	Specification string // the planner's rendered spec
	Class         types.TaskClass
	Template      string // matched artifact code for RELATED verdicts
	KeepLogging   bool
}

// Result is synthesized, repaired, formatted code plus its manifest.
type Result struct {
	Code      string
	Interface types.InterfaceManifest
	Tool      string // specialized tool used, empty for the general generator
	Attempts  int
}

// Synthesizer produces node code.
type Synthesizer struct {
	cfg       Config
	client    llm.Client
	artifacts *store.ArtifactStore
	formatter *Formatter

	sleep func(time.Duration) // test seam
}

// New creates a synthesizer. artifacts may be nil (no specialized tool
// lookup); formatter may be nil (no formatting pass).
func New(cfg Config, client llm.Client, artifacts *store.ArtifactStore, formatter *Formatter) *Synthesizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseTemp <= 0 {
		cfg.BaseTemp = 0.2
	}
	if cfg.TempStep <= 0 {
		cfg.TempStep = 0.05
	}
	if cfg.ToolThreshold <= 0 {
		cfg.ToolThreshold = 0.75
	}
	return &Synthesizer{cfg: cfg, client: client, artifacts: artifacts, formatter: formatter, sleep: time.Sleep}
}

// Synthesize generates code for one step. Attempts are bounded; the
// temperature rises with each retry and failures back off exponentially.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySynth, "Synthesize")
	defer timer.Stop()

	tool := s.pickTool(ctx, req.Description)
	tier := types.TierFast
	if req.Class == types.ClassAlgorithm {
		tier = types.TierPowerful
	}
	prompt := s.buildPrompt(req, tool)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
		temp := s.cfg.BaseTemp + float64(attempt)*s.cfg.TempStep

		raw, err := s.client.Generate(ctx, types.RoleGenerator, tier, prompt, llm.Options{Temperature: temp, MaxTokens: 4096})
		if err != nil {
			lastErr = err
			logging.Get(logging.CategorySynth).Warn("attempt %d failed: %v", attempt+1, err)
			continue
		}

		code := CleanResponse(raw)
		if strings.TrimSpace(code) == "" {
			lastErr = fmt.Errorf("attempt %d produced no code", attempt+1)
			logging.Get(logging.CategorySynth).Warn("%v", lastErr)
			continue
		}

		code = EnsureStructure(code, StructureOptions{KeepLogging: req.KeepLogging})
		if s.formatter != nil {
			code = s.formatter.Format(ctx, code)
		}

		iface := DetectInterface(ctx, s.client, code, req.Description)
		logging.Get(logging.CategorySynth).Info("synthesized %d bytes on attempt %d (tool=%q)", len(code), attempt+1, tool)
		return &Result{Code: code, Interface: iface, Tool: tool, Attempts: attempt + 1}, nil
	}
	return nil, fmt.Errorf("synthesis exhausted %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// pickTool returns a specialized tool when one matches the task closely
// enough, otherwise empty for the general generator.
func (s *Synthesizer) pickTool(ctx context.Context, description string) string {
	if s.artifacts == nil {
		return ""
	}
	matches, err := s.artifacts.FindSimilar(ctx, store.SimilarQuery{
		Text: description, Kind: types.KindTool, K: 3, MinScore: s.cfg.ToolThreshold,
	})
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0].Artifact.Name
}

func (s *Synthesizer) buildPrompt(req Request, tool string) string {
	var b strings.Builder
	b.WriteString("Write a complete Python program for this task.\n\n")
	b.WriteString("Task: " + req.Description + "\n")
	if req.Specification != "" {
		b.WriteString("\nSpecification:\n" + req.Specification + "\n")
	}
	if req.Template != "" {
		b.WriteString("\nAdapt this existing solution:\n```python\n" + req.Template + "\n```\n")
	}
	if tool != "" {
		b.WriteString("\nUse the registered tool \"" + tool + "\" via call_tool(name, args) instead of reimplementing it.\n")
	}
	b.WriteString(`
Rules:
- read the input map as JSON from stdin
- print the final answer as a single-line JSON document to stdout
- no logging, no commentary, no markdown
- respond with ONLY the program code`)
	return b.String()
}
