package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/llm"
	"codeforge/internal/types"
)

func newTestManager(t *testing.T, client llm.Client) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	m, err := NewManager(Config{Path: path}, nil, client)
	require.NoError(t, err)
	return m
}

func TestCreateWithCronExpression(t *testing.T) {
	m := newTestManager(t, nil)

	task, err := m.Create(context.Background(), "backup", "nightly backup", "0 3 * * *", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", task.Expression)
	assert.True(t, task.Enabled)
}

func TestCreateWithPhrase(t *testing.T) {
	m := newTestManager(t, nil)

	task, err := m.Create(context.Background(), "report", "weekly report", "every sunday at noon", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "0 12 * * 0", task.Expression)
}

func TestCreateRejectsGarbage(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Create(context.Background(), "bad", "", "whenever you feel like it", "", nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Generate(_ context.Context, _ types.Role, _ types.Tier, _ string, _ llm.Options) (string, error) {
	f.calls++
	return f.response, f.err
}

func TestCreateLLMFallback(t *testing.T) {
	client := &fakeLLM{response: "*/15 * * * *\n"}
	m := newTestManager(t, client)

	task, err := m.Create(context.Background(), "poll", "", "four times an hour", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", task.Expression)
	assert.Equal(t, 1, client.calls)
}

func TestCreateLLMProducesInvalid(t *testing.T) {
	client := &fakeLLM{response: "not a cron line"}
	m := newTestManager(t, client)

	_, err := m.Create(context.Background(), "poll", "", "four times an hour", "", nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestDueNowWindow(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	// Fires at minute 30 of every hour.
	task, err := m.Create(ctx, "halfhour", "", "30 * * * *", "", nil)
	require.NoError(t, err)

	// Pin created_at so next-occurrence math is deterministic.
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m.mu.Lock()
	m.tasks[task.ID].CreatedAt = base
	m.mu.Unlock()

	// Next fire is 10:30. At 10:29 a one-minute window catches it.
	due := m.DueNow(base.Add(29*time.Minute), time.Minute)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	// At 10:28 the same window misses.
	assert.Empty(t, m.DueNow(base.Add(28*time.Minute), time.Minute))

	// After a run at 10:30, next fire moves to 11:30.
	require.NoError(t, m.MarkRun(ctx, task.ID, true, "ok", ""))
	m.mu.Lock()
	m.tasks[task.ID].LastRun = base.Add(30 * time.Minute)
	m.mu.Unlock()
	assert.Empty(t, m.DueNow(base.Add(31*time.Minute), time.Minute))
	assert.Len(t, m.DueNow(base.Add(89*time.Minute), time.Minute), 1)
}

func TestDisabledTasksNeverDue(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	task, err := m.Create(ctx, "m", "", "* * * * *", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.SetEnabled(ctx, task.ID, false))

	assert.Empty(t, m.DueNow(time.Now(), time.Hour))
}

func TestAutoDisableAfterConsecutiveErrors(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	task, err := m.Create(ctx, "flaky", "", "* * * * *", "", nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.MarkRun(ctx, task.ID, false, "", "boom"))
	}
	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled, "still enabled at 4 errors")

	require.NoError(t, m.MarkRun(ctx, task.ID, false, "", "boom"))
	got, err = m.Get(task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled, "disabled at 5 consecutive errors")
	assert.Equal(t, 5, got.ErrorStreak)
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	task, err := m.Create(ctx, "recovers", "", "* * * * *", "", nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.MarkRun(ctx, task.ID, false, "", "boom"))
	}
	require.NoError(t, m.MarkRun(ctx, task.ID, true, "done", ""))

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Zero(t, got.ErrorStreak)
	assert.Equal(t, "done", got.LastResult)
	assert.Empty(t, got.LastError)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	ctx := context.Background()

	m1, err := NewManager(Config{Path: path}, nil, nil)
	require.NoError(t, err)
	task, err := m1.Create(ctx, "persisted", "survives restart", "0 0 * * *", "node-1", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, m1.MarkRun(ctx, task.ID, true, "ok", ""))

	m2, err := NewManager(Config{Path: path}, nil, nil)
	require.NoError(t, err)
	got, err := m2.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
	assert.Equal(t, "0 0 * * *", got.Expression)
	assert.Equal(t, "node-1", got.FunctionRef)
	assert.Equal(t, int64(1), got.RunCount)
	assert.False(t, got.LastRun.IsZero())
}

func TestPersistenceRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(Config{Path: path}, nil, nil)
	assert.Error(t, err)
}

func TestDocumentShapeOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	m, err := NewManager(Config{Path: path}, nil, nil)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "shape", "", "0 0 * * *", "", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 1, doc["version"])
	assert.Len(t, doc["tasks"], 1)
}

func TestDeleteTask(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	task, err := m.Create(ctx, "gone", "", "0 0 * * *", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, task.ID))

	_, err = m.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, m.Delete(ctx, task.ID), ErrTaskNotFound)
}

func TestSearchSubstringFallback(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "db-backup", "dump the database", "0 3 * * *", "", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "cleanup", "purge temp files", "0 4 * * *", "", nil)
	require.NoError(t, err)

	results := m.Search(ctx, "database", false)
	require.Len(t, results, 1)
	assert.Equal(t, "db-backup", results[0].Name)
}

func TestQueryNaturalRevalidatesDueness(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	yearly, err := m.Create(ctx, "yearly-report", "annual report", "0 0 1 1 *", "", nil)
	require.NoError(t, err)
	minutely, err := m.Create(ctx, "heartbeat-report", "report heartbeat", "* * * * *", "", nil)
	require.NoError(t, err)

	// Both match "report" textually, but only the minutely one is due soon.
	due := m.QueryNatural(ctx, "which report is due next", time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, minutely.ID, due[0].ID)
	_ = yearly

	// A descriptive query returns all matches without due filtering.
	all := m.QueryNatural(ctx, "report", time.Now())
	assert.Len(t, all, 2)
}
