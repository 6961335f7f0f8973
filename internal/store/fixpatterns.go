package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// =============================================================================
// FIX PATTERN LIBRARY
// =============================================================================
//
// A specialized view over the artifact store: error -> fix mappings learned
// by the repair engine. Patterns are stored as fix_pattern artifacts tagged
// with their error type; counters live in artifact metadata.

// FixLibrary stores and retrieves learned repair patterns.
type FixLibrary struct {
	store *ArtifactStore
}

// NewFixLibrary creates a fix pattern library over the artifact store.
func NewFixLibrary(s *ArtifactStore) *FixLibrary {
	return &FixLibrary{store: s}
}

// ScoredPattern pairs a fix pattern with its match score for a lookup.
type ScoredPattern struct {
	Pattern *types.FixPattern
	Score   float64
}

// errorTypeTag names the tag carrying the pattern's error type.
func errorTypeTag(t types.ErrorType) string {
	return "error:" + string(t)
}

// Record persists a pattern and the outcome of its latest application.
// New patterns are created on first record; counters update in place.
func (l *FixLibrary) Record(ctx context.Context, p *types.FixPattern, success bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "FixLibrary.Record")
	defer timer.Stop()

	if p.ID == "" {
		p.ID = "fix-" + uuid.NewString()
	}

	// Merge counters with any existing record.
	if existing, err := l.store.Get(ctx, p.ID); err == nil {
		prev := patternFromArtifact(existing)
		p.Successes = prev.Successes
		p.Failures = prev.Failures
	}
	if success {
		p.Successes++
	} else {
		p.Failures++
	}
	p.LastAttempt = time.Now().UTC()

	a := &types.Artifact{
		ID:          p.ID,
		Kind:        types.KindFixPattern,
		Name:        fmt.Sprintf("fix %s: %s", p.ErrorType, truncate(p.MessageFragment, 60)),
		Description: p.Description,
		Content:     p.FixedSnippet,
		Tags:        []string{"fix", errorTypeTag(p.ErrorType)},
		Metadata: map[string]any{
			"error_type":       string(p.ErrorType),
			"message_fragment": p.MessageFragment,
			"broken_snippet":   p.BrokenSnippet,
			"successes":        p.Successes,
			"failures":         p.Failures,
			"last_attempt":     p.LastAttempt.Format(time.RFC3339),
		},
	}
	if err := l.store.Store(ctx, a, false); err != nil {
		return fmt.Errorf("failed to record fix pattern: %w", err)
	}
	logging.StoreDebug("recorded fix pattern %s success=%v rate=%.2f", p.ID, success, p.SuccessRate())
	return nil
}

// Lookup returns patterns matching the error, ordered by
// (success rate desc, recency desc). Score reflects how specifically the
// pattern's message fragment matches the observed error.
func (l *FixLibrary) Lookup(ctx context.Context, errorMessage string, errType types.ErrorType, code string) ([]ScoredPattern, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FixLibrary.Lookup")
	defer timer.Stop()

	artifacts, err := l.store.FindByTags(ctx, []string{errorTypeTag(errType)}, 100)
	if err != nil {
		return nil, fmt.Errorf("fix pattern lookup failed: %w", err)
	}

	lowerMsg := strings.ToLower(errorMessage)
	var out []ScoredPattern
	for _, a := range artifacts {
		p := patternFromArtifact(a)
		score := 0.5 // same error type
		if p.MessageFragment != "" && strings.Contains(lowerMsg, strings.ToLower(p.MessageFragment)) {
			score = 1.0
		}
		out = append(out, ScoredPattern{Pattern: p, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Pattern.SuccessRate(), out[j].Pattern.SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].Pattern.LastAttempt.After(out[j].Pattern.LastAttempt)
	})
	return out, nil
}

// patternFromArtifact rebuilds a FixPattern from its artifact form.
func patternFromArtifact(a *types.Artifact) *types.FixPattern {
	p := &types.FixPattern{
		ID:              a.ID,
		ErrorType:       types.ErrorType(a.MetaString("error_type")),
		MessageFragment: a.MetaString("message_fragment"),
		BrokenSnippet:   a.MetaString("broken_snippet"),
		FixedSnippet:    a.Content,
		Description:     a.Description,
	}
	if v, ok := a.Metadata["successes"].(float64); ok {
		p.Successes = int64(v)
	} else if v, ok := a.Metadata["successes"].(int64); ok {
		p.Successes = v
	}
	if v, ok := a.Metadata["failures"].(float64); ok {
		p.Failures = int64(v)
	} else if v, ok := a.Metadata["failures"].(int64); ok {
		p.Failures = v
	}
	if ts := a.MetaString("last_attempt"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.LastAttempt = t
		}
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
