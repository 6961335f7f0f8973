package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"codeforge/internal/logging"
)

// RunMetrics captures the resource profile of one node execution.
type RunMetrics struct {
	Wall     time.Duration `json:"wall"`
	CPU      time.Duration `json:"cpu"`
	MaxRSSKB int64         `json:"max_rss_kb"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
}

// RunResult is the outcome of one node execution.
type RunResult struct {
	Stdout  string
	Stderr  string
	Metrics RunMetrics
	Output  any // parsed JSON document from stdout, nil when unparseable
}

// Runner executes nodes as subprocesses with stdin-delivered JSON input.
type Runner struct {
	registry *Registry
	python   string
	timeout  time.Duration
}

// RunnerConfig tunes node execution.
type RunnerConfig struct {
	Python  string        // interpreter (default python3)
	Timeout time.Duration // hard kill ceiling (default 30s)
}

// NewRunner creates a runner bound to a registry.
func NewRunner(r *Registry, cfg RunnerConfig) *Runner {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Runner{registry: r, python: cfg.Python, timeout: cfg.Timeout}
}

// Run executes the node with the given input map. The child runs in the
// node directory with the shim directory on its import path; a hard
// timeout kills it and surfaces TimedOut in metrics rather than an error.
func (rn *Runner) Run(ctx context.Context, id string, input map[string]any) (*RunResult, error) {
	if _, err := rn.registry.Get(id); err != nil {
		return nil, err
	}
	return rn.RunScript(ctx, rn.registry.MainPath(id), rn.registry.NodeDir(id), input)
}

// RunScript executes an arbitrary script the same way Run executes a
// registered node. The harness uses this for not-yet-registered code.
func (rn *Runner) RunScript(ctx context.Context, scriptPath, dir string, input map[string]any) (*RunResult, error) {
	timer := logging.StartTimer(logging.CategoryRunner, "RunScript")
	defer timer.Stop()

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input map: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, rn.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, rn.python, scriptPath)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = rn.childEnv()

	start := time.Now()
	runErr := cmd.Run()
	wall := time.Since(start)

	res := &RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Metrics: RunMetrics{
			Wall:     wall,
			TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		},
	}

	if ps := cmd.ProcessState; ps != nil {
		res.Metrics.CPU = ps.UserTime() + ps.SystemTime()
		res.Metrics.ExitCode = ps.ExitCode()
		res.Metrics.MaxRSSKB = maxRSSKB(ps)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case res.Metrics.TimedOut:
			// Killed by the deadline; the partial output still matters.
			logging.Get(logging.CategoryRunner).Warn("script %s timed out after %v", scriptPath, rn.timeout)
		case errors.As(runErr, &exitErr):
			// Non-zero exit is a result, not a transport error.
		default:
			return nil, fmt.Errorf("failed to run %s: %w", scriptPath, runErr)
		}
	}

	res.Output = parseOutput(res.Stdout)
	logging.Get(logging.CategoryRunner).Debug("ran %s: exit=%d wall=%v cpu=%v rss=%dKB",
		scriptPath, res.Metrics.ExitCode, wall, res.Metrics.CPU, res.Metrics.MaxRSSKB)
	return res, nil
}

// childEnv builds the subprocess environment with the shim directory
// prepended to PYTHONPATH so nodes can import the tool shim.
func (rn *Runner) childEnv() []string {
	shim := rn.registry.ShimDir()
	env := os.Environ()
	found := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "PYTHONPATH=") {
			env[i] = "PYTHONPATH=" + shim + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PYTHONPATH=")
			found = true
			break
		}
	}
	if !found {
		env = append(env, "PYTHONPATH="+shim)
	}
	env = append(env, "FORGE_SHIM="+shim)
	return env
}

// parseOutput extracts the last JSON document from stdout. Nodes may
// print progress lines before the final document.
func parseOutput(stdout string) any {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || (!strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[")) {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			return v
		}
	}
	return nil
}
