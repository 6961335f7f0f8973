package synth

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// Formatter applies a PEP-8 formatter to generated code. When the
// formatter binary is missing, the learned-fix library drives a one-shot
// install attempt, records the outcome, and the format is retried.
type Formatter struct {
	bin          string
	installer    []string // install command, e.g. pip install black
	allowInstall bool
	fixes        *store.FixLibrary
	timeout      time.Duration
}

// FormatterConfig tunes formatting.
type FormatterConfig struct {
	Binary       string // default black
	AllowInstall bool   // permit the learned install attempt
	Timeout      time.Duration
}

// NewFormatter creates a formatter. fixes may be nil; the install path is
// then skipped entirely.
func NewFormatter(cfg FormatterConfig, fixes *store.FixLibrary) *Formatter {
	if cfg.Binary == "" {
		cfg.Binary = "black"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Formatter{
		bin:          cfg.Binary,
		installer:    []string{"pip", "install", cfg.Binary},
		allowInstall: cfg.AllowInstall,
		fixes:        fixes,
		timeout:      cfg.Timeout,
	}
}

// Format runs the formatter over code via stdin. Formatting is best
// effort: any failure returns the input unchanged.
func (f *Formatter) Format(ctx context.Context, code string) string {
	if _, err := exec.LookPath(f.bin); err != nil {
		if !f.tryInstall(ctx) {
			return code
		}
		if _, err := exec.LookPath(f.bin); err != nil {
			return code
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, f.bin, "-q", "-")
	cmd.Stdin = strings.NewReader(code)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		logging.Get(logging.CategorySynth).Warn("formatter failed, keeping unformatted code: %v (%s)",
			err, strings.TrimSpace(errBuf.String()))
		return code
	}
	formatted := out.String()
	if strings.TrimSpace(formatted) == "" {
		return code
	}
	return formatted
}

// tryInstall runs the learned install command for the missing formatter
// and records the outcome as a fix pattern so future misses know whether
// the install works in this environment.
func (f *Formatter) tryInstall(ctx context.Context) bool {
	if !f.allowInstall {
		return false
	}

	installCmd := strings.Join(f.installer, " ")
	if f.fixes != nil {
		// A previously failed install is not retried every call.
		if known, err := f.fixes.Lookup(ctx, f.bin+" not found", types.ErrImport, ""); err == nil {
			for _, k := range known {
				if k.Pattern.FixedSnippet == installCmd && k.Pattern.Successes == 0 && k.Pattern.Failures >= 2 {
					return false
				}
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err := exec.CommandContext(runCtx, f.installer[0], f.installer[1:]...).Run()
	success := err == nil

	if f.fixes != nil {
		recErr := f.fixes.Record(ctx, &types.FixPattern{
			ErrorType:       types.ErrImport,
			MessageFragment: f.bin + " not found",
			FixedSnippet:    installCmd,
			Description:     "install missing formatter",
		}, success)
		if recErr != nil {
			logging.Get(logging.CategorySynth).Warn("failed to record formatter install outcome: %v", recErr)
		}
	}
	if !success {
		logging.Get(logging.CategorySynth).Warn("formatter install failed: %v", err)
	}
	return success
}
