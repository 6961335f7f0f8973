// Package dispatch runs the background dispatcher: a periodic loop that
// finds due scheduled tasks and feeds them to the priority scheduler at
// BACKGROUND priority, deferring entirely to foreground workflows.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeforge/internal/cron"
	"codeforge/internal/logging"
	"codeforge/internal/scheduler"
	"codeforge/internal/types"
)

// RunFunc executes one scheduled task and returns its result text.
type RunFunc func(ctx context.Context, task *cron.ScheduledTask) (string, error)

// Config tunes the dispatcher loop.
type Config struct {
	Period      time.Duration // tick interval (default 30s)
	Window      time.Duration // due-now lookahead (default 1m)
	MaxInFlight int           // concurrent scheduled executions (default 1)
	SoftWait    time.Duration // per-task execution ceiling (default 5m)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Ticks                 int64
	SkippedWorkflowActive int64
	Dispatched            int64
	Deduped               int64
	Completed             int64
	Failed                int64
}

// Dispatcher owns the tick loop. Start launches it; Stop waits for the
// loop goroutine (in-flight tasks finish under the scheduler).
type Dispatcher struct {
	cfg   Config
	tasks *cron.Manager
	sched *scheduler.Scheduler
	run   RunFunc

	mu        sync.Mutex
	executing map[string]bool
	stats     Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a dispatcher over the given cron manager and scheduler.
func New(cfg Config, tasks *cron.Manager, sched *scheduler.Scheduler, run RunFunc) *Dispatcher {
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.SoftWait <= 0 {
		cfg.SoftWait = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:       cfg,
		tasks:     tasks,
		sched:     sched,
		run:       run,
		executing: make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
	logging.Get(logging.CategoryDispatch).Info("dispatcher started (period=%v, window=%v)", d.cfg.Period, d.cfg.Window)
}

// Stop halts the tick loop. In-flight tasks keep running on the scheduler.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one dispatch pass. The whole pass aborts when a foreground
// workflow is active; scheduled work never competes with user requests.
func (d *Dispatcher) tick(ctx context.Context) {
	d.mu.Lock()
	d.stats.Ticks++
	d.mu.Unlock()

	if d.sched.HasActiveWorkflows() {
		d.mu.Lock()
		d.stats.SkippedWorkflowActive++
		d.mu.Unlock()
		logging.Get(logging.CategoryDispatch).Debug("tick skipped: workflow active")
		return
	}

	due := d.tasks.DueNow(time.Now(), d.cfg.Window)
	for _, task := range due {
		d.dispatch(ctx, task)
	}
}

// dispatch submits one due task at BACKGROUND priority, honoring the
// in-flight cap and the executing-set dedupe.
func (d *Dispatcher) dispatch(ctx context.Context, task *cron.ScheduledTask) {
	d.mu.Lock()
	if d.executing[task.ID] {
		d.stats.Deduped++
		d.mu.Unlock()
		return
	}
	if len(d.executing) >= d.cfg.MaxInFlight {
		d.mu.Unlock()
		return
	}
	d.executing[task.ID] = true
	d.mu.Unlock()

	id := task.ID
	name := task.Name
	snapshot := *task

	_, err := d.sched.Submit(func(runCtx context.Context) (any, error) {
		defer func() {
			d.mu.Lock()
			delete(d.executing, id)
			d.mu.Unlock()
		}()

		execCtx, cancel := context.WithTimeout(runCtx, d.cfg.SoftWait)
		defer cancel()

		result, runErr := d.run(execCtx, &snapshot)
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if markErr := d.tasks.MarkRun(context.WithoutCancel(runCtx), id, runErr == nil, result, errMsg); markErr != nil {
			logging.Get(logging.CategoryDispatch).Warn("mark_run failed for %s: %v", id, markErr)
		}

		d.mu.Lock()
		if runErr != nil {
			d.stats.Failed++
		} else {
			d.stats.Completed++
		}
		d.mu.Unlock()

		if runErr != nil {
			return nil, fmt.Errorf("scheduled task %s failed: %w", id, runErr)
		}
		return result, nil
	}, types.PriorityBackground, "cron:"+name, map[string]any{"task_id": id})

	if err != nil {
		// Submit failed (queue full or stopped): release the slot so the
		// next tick can retry.
		d.mu.Lock()
		delete(d.executing, id)
		d.mu.Unlock()
		logging.Get(logging.CategoryDispatch).Warn("submit failed for %s: %v", id, err)
		return
	}

	d.mu.Lock()
	d.stats.Dispatched++
	d.mu.Unlock()
	logging.Get(logging.CategoryDispatch).Info("dispatched %s (%s)", id, name)
}
