// Package cron implements the scheduled-task manager: cron-expression and
// natural-language schedules, due-time computation, execution history with
// auto-disable, JSON persistence, and a semantic mirror in the artifact
// store for natural-language queries.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// ErrInvalidSchedule is returned when neither cron parsing nor
// natural-language conversion yields a valid expression.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ErrTaskNotFound is returned for unknown task identifiers.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ScheduledTask is one cron-driven job.
type ScheduledTask struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Expression  string         `json:"expression"`
	FunctionRef string         `json:"function_ref,omitempty"`
	Enabled     bool           `json:"enabled"`
	LastRun     time.Time      `json:"last_run"`
	LastResult  string         `json:"last_result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorStreak int            `json:"consecutive_errors"`
	RunCount    int64          `json:"run_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Manager owns scheduled tasks. Tasks persist as one JSON document and
// mirror into the artifact store as plan artifacts for semantic search.
type Manager struct {
	mu        sync.RWMutex
	tasks     map[string]*ScheduledTask
	path      string
	maxErrors int

	artifacts *store.ArtifactStore // optional semantic mirror
	client    llm.Client           // optional natural-language conversion
}

// Config for the manager.
type Config struct {
	Path      string // tasks.json location
	MaxErrors int    // consecutive failures before auto-disable (default 5)
}

// NewManager loads persisted tasks from cfg.Path. The artifact store and
// LLM client are optional; without them the semantic layer and LLM
// schedule conversion are disabled.
func NewManager(cfg Config, artifacts *store.ArtifactStore, client llm.Client) (*Manager, error) {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	m := &Manager{
		tasks:     make(map[string]*ScheduledTask),
		path:      cfg.Path,
		maxErrors: cfg.MaxErrors,
		artifacts: artifacts,
		client:    client,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	logging.Cron("manager ready: %d tasks loaded from %s", len(m.tasks), cfg.Path)
	return m, nil
}

// parseStandard parses a five-field cron expression.
func parseStandard(expr string) (robfig.Schedule, error) {
	return robfig.ParseStandard(expr)
}

// Create registers a new task. schedule may be a five-field cron
// expression or a natural-language phrase.
func (m *Manager) Create(ctx context.Context, name, description, schedule, functionRef string, metadata map[string]any) (*ScheduledTask, error) {
	timer := logging.StartTimer(logging.CategoryCron, "Create")
	defer timer.Stop()

	expr, err := m.resolveSchedule(ctx, schedule)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &ScheduledTask{
		ID:          "task-" + uuid.NewString()[:8],
		Name:        name,
		Description: description,
		Expression:  expr,
		FunctionRef: functionRef,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.mirror(ctx, t)
	logging.Cron("created task %s (%s) schedule=%q", t.ID, name, expr)
	return t, nil
}

// resolveSchedule accepts a cron expression directly, then tries the
// built-in phrase table, then the LLM converter. The result always passes
// cron-parse validation.
func (m *Manager) resolveSchedule(ctx context.Context, schedule string) (string, error) {
	schedule = strings.TrimSpace(schedule)
	if _, err := parseStandard(schedule); err == nil {
		return schedule, nil
	}
	if expr, ok := phraseToCron(schedule); ok {
		return expr, nil
	}
	if m.client != nil {
		expr, err := m.convertWithLLM(ctx, schedule)
		if err == nil {
			return expr, nil
		}
		logging.Get(logging.CategoryCron).Warn("llm schedule conversion failed for %q: %v", schedule, err)
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSchedule, schedule)
}

// convertWithLLM asks the triage model to translate a phrase into a cron
// expression, then validates the answer.
func (m *Manager) convertWithLLM(ctx context.Context, phrase string) (string, error) {
	prompt := fmt.Sprintf(`Convert this scheduling phrase into a standard five-field cron expression (minute hour day-of-month month day-of-week).
Respond with ONLY the cron expression, nothing else.

Phrase: %s`, phrase)

	out, err := m.client.Generate(ctx, types.RoleTriage, types.TierVeryFast, prompt, llm.Options{Temperature: 0.1, MaxTokens: 32})
	if err != nil {
		return "", err
	}
	expr := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), "`"))
	if _, err := parseStandard(expr); err != nil {
		return "", fmt.Errorf("%w: llm produced %q: %v", ErrInvalidSchedule, expr, err)
	}
	return expr, nil
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}

// List returns tasks sorted by creation time, optionally enabled only.
func (m *Manager) List(enabledOnly bool) []*ScheduledTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DueNow returns enabled tasks whose next occurrence after
// max(last_run, created_at) falls within [at, at+window].
func (m *Manager) DueNow(at time.Time, window time.Duration) []*ScheduledTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*ScheduledTask
	horizon := at.Add(window)
	for _, t := range m.tasks {
		if !t.Enabled {
			continue
		}
		sched, err := parseStandard(t.Expression)
		if err != nil {
			logging.Get(logging.CategoryCron).Warn("task %s has unparseable expression %q", t.ID, t.Expression)
			continue
		}
		base := t.CreatedAt
		if t.LastRun.After(base) {
			base = t.LastRun
		}
		next := sched.Next(base)
		if !next.After(horizon) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due
}

// MarkRun records the outcome of one execution. Five consecutive failures
// auto-disable the task; one success resets the counter.
func (m *Manager) MarkRun(ctx context.Context, id string, success bool, result, errMsg string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.LastRun = time.Now().UTC()
	t.UpdatedAt = t.LastRun
	t.RunCount++
	if success {
		t.ErrorStreak = 0
		t.LastResult = result
		t.LastError = ""
	} else {
		t.ErrorStreak++
		t.LastError = errMsg
		if t.ErrorStreak >= m.maxErrors {
			t.Enabled = false
			logging.Get(logging.CategoryCron).Warn(
				"task %s (%s) auto-disabled after %d consecutive errors", t.ID, t.Name, t.ErrorStreak)
		}
	}
	err := m.saveLocked()
	cp := *t
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.mirror(ctx, &cp)
	return nil
}

// SetEnabled flips a task's enabled flag (and resets the error streak on
// re-enable).
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Enabled = enabled
	if enabled {
		t.ErrorStreak = 0
	}
	t.UpdatedAt = time.Now().UTC()
	err := m.saveLocked()
	cp := *t
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.mirror(ctx, &cp)
	return nil
}

// Delete removes a task and its mirror artifact.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(m.tasks, id)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.artifacts != nil {
		if err := m.artifacts.Delete(ctx, mirrorID(id)); err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.Get(logging.CategoryCron).Warn("failed to delete mirror for %s: %v", id, err)
		}
	}
	return nil
}

// Search finds tasks whose name, description, or schedule matches the
// query, consulting the semantic mirror first and falling back to a
// substring scan.
func (m *Manager) Search(ctx context.Context, query string, enabledOnly bool) []*ScheduledTask {
	seen := make(map[string]bool)
	var out []*ScheduledTask

	if m.artifacts != nil {
		matches, err := m.artifacts.FindSimilar(ctx, store.SimilarQuery{
			Text: query, Kind: types.KindPlan, Tags: []string{"cron"}, K: 10, MinScore: 0.3,
		})
		if err != nil {
			logging.Get(logging.CategoryCron).Warn("semantic search failed: %v", err)
		}
		for _, match := range matches {
			id := match.Artifact.MetaString("task_id")
			if t, err := m.Get(id); err == nil && !seen[id] {
				if enabledOnly && !t.Enabled {
					continue
				}
				seen[id] = true
				out = append(out, t)
			}
		}
	}

	tokens := strings.Fields(strings.ToLower(query))
	for _, t := range m.List(enabledOnly) {
		if seen[t.ID] {
			continue
		}
		haystack := strings.ToLower(t.Name + " " + t.Description + " " + t.Expression)
		for _, tok := range tokens {
			if len(tok) < 3 {
				continue
			}
			if strings.Contains(haystack, tok) {
				seen[t.ID] = true
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// QueryNatural answers questions like "what runs tonight". Candidates come
// from the semantic layer; due-ness is always re-validated by exact cron
// evaluation before a task is reported as due.
func (m *Manager) QueryNatural(ctx context.Context, text string, at time.Time) []*ScheduledTask {
	candidates := m.Search(ctx, text, true)

	window := naturalWindow(text)
	if window == 0 {
		return candidates
	}

	var due []*ScheduledTask
	for _, t := range candidates {
		sched, err := parseStandard(t.Expression)
		if err != nil {
			continue
		}
		base := t.CreatedAt
		if t.LastRun.After(base) {
			base = t.LastRun
		}
		if next := sched.Next(base); !next.After(at.Add(window)) {
			due = append(due, t)
		}
	}
	return due
}

// naturalWindow maps temporal phrases to a due-validation horizon.
// Zero means the query is descriptive, not about due-ness.
func naturalWindow(text string) time.Duration {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "right now"), strings.Contains(lower, "due now"):
		return time.Minute
	case strings.Contains(lower, "next hour"), strings.Contains(lower, "within the hour"):
		return time.Hour
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		return 24 * time.Hour
	case strings.Contains(lower, "this week"):
		return 7 * 24 * time.Hour
	case strings.Contains(lower, "due"), strings.Contains(lower, "next"):
		return time.Hour
	}
	return 0
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type taskDocument struct {
	Version int              `json:"version"`
	Tasks   []*ScheduledTask `json:"tasks"`
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", m.path, err)
	}
	var doc taskDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("corrupt task document %s: %w", m.path, err)
	}
	for _, t := range doc.Tasks {
		m.tasks[t.ID] = t
	}
	return nil
}

// saveLocked writes the full document atomically. Caller holds m.mu.
func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	doc := taskDocument{Version: 1, Tasks: make([]*ScheduledTask, 0, len(m.tasks))}
	for _, t := range m.tasks {
		doc.Tasks = append(doc.Tasks, t)
	}
	sort.Slice(doc.Tasks, func(i, j int) bool { return doc.Tasks[i].CreatedAt.Before(doc.Tasks[j].CreatedAt) })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tasks: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// =============================================================================
// SEMANTIC MIRROR
// =============================================================================

func mirrorID(taskID string) string { return "cron-" + taskID }

// mirror upserts the task's plan artifact with a deconstructed schedule.
// Mirror failures are logged, never fatal; the mirror rebuilds lazily.
func (m *Manager) mirror(ctx context.Context, t *ScheduledTask) {
	if m.artifacts == nil {
		return
	}

	dec := Deconstruct(t.Expression, time.Now().UTC())
	meta := map[string]any{
		"task_id":    t.ID,
		"expression": t.Expression,
		"frequency":  dec.Frequency,
		"enabled":    t.Enabled,
	}
	if dec.TimeOfDay != "" {
		meta["time_of_day"] = dec.TimeOfDay
	}
	if len(dec.Weekdays) > 0 {
		meta["weekdays"] = strings.Join(dec.Weekdays, ",")
	}
	if len(dec.NextRuns) > 0 {
		runs := make([]string, len(dec.NextRuns))
		for i, r := range dec.NextRuns {
			runs[i] = r.Format(time.RFC3339)
		}
		meta["next_runs"] = strings.Join(runs, ",")
	}

	a := &types.Artifact{
		ID:          mirrorID(t.ID),
		Kind:        types.KindPlan,
		Name:        t.Name,
		Description: fmt.Sprintf("%s (runs %s)", t.Description, dec.Describe()),
		Content:     t.Expression,
		Tags:        append([]string{"cron", "schedule:" + dec.Frequency}, dec.Tags...),
		Metadata:    meta,
	}
	if err := m.artifacts.Store(ctx, a, true); err != nil {
		logging.Get(logging.CategoryCron).Warn("failed to mirror task %s: %v", t.ID, err)
	}
}
