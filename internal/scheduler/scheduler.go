// Package scheduler implements the priority-aware worker pool. Five
// priority classes share one queue; BACKGROUND work is additionally gated
// on workflow activity and a minimum inter-execution gap.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// ErrQueueFull is returned by Submit when the bounded queue is at capacity.
var ErrQueueFull = errors.New("scheduler queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Func is a schedulable unit of work. The scheduler treats it as opaque
// blocking work; cancellation is only effective while still queued.
type Func func(ctx context.Context) (any, error)

// Task is an enqueued unit of work and its lifecycle record.
type Task struct {
	ID       string
	Name     string
	Priority types.Priority
	Metadata map[string]any

	Status      types.TaskStatus
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	Result      any
	Err         error

	fn  Func
	seq uint64 // FIFO tiebreak within a priority class
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Submitted                  int64
	Completed                  int64
	Failed                     int64
	Cancelled                  int64
	QueueLength                int
	Running                    int
	ActiveWorkflows            int
	BackgroundRequeued         int64
	TasksSkippedDueToWorkflows int64
}

// Config tunes the scheduler.
type Config struct {
	Workers       int           // worker pool size (default 2)
	QueueSize     int           // bounded queue capacity (default 1000)
	BackgroundGap time.Duration // min gap between BACKGROUND executions (default 100ms)
}

// Scheduler is the priority-aware worker pool.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	cond  *sync.Cond
	queue taskHeap
	tasks map[string]*Task
	seq   uint64

	activeWorkflows map[string]struct{}
	lastBackground  time.Time

	stats   Stats
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a scheduler. Call Start to launch workers.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BackgroundGap <= 0 {
		cfg.BackgroundGap = 100 * time.Millisecond
	}
	s := &Scheduler{
		cfg:             cfg,
		tasks:           make(map[string]*Task),
		activeWorkflows: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Workers run until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	logging.Scheduler("started %d workers (queue=%d, background_gap=%v)",
		s.cfg.Workers, s.cfg.QueueSize, s.cfg.BackgroundGap)
}

// Submit enqueues fn at the given priority. Non-blocking; a full queue
// returns ErrQueueFull.
func (s *Scheduler) Submit(fn Func, priority types.Priority, name string, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrStopped
	}
	if s.queue.Len() >= s.cfg.QueueSize {
		return "", fmt.Errorf("%w (capacity %d)", ErrQueueFull, s.cfg.QueueSize)
	}

	s.seq++
	t := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Priority:    priority,
		Metadata:    metadata,
		Status:      types.StatusQueued,
		SubmittedAt: time.Now(),
		fn:          fn,
		seq:         s.seq,
	}
	s.tasks[t.ID] = t
	heap.Push(&s.queue, t)
	s.stats.Submitted++
	s.cond.Signal()

	logging.Get(logging.CategoryScheduler).Debug("submitted %s (%s) priority=%s", t.ID, name, priority)
	return t.ID, nil
}

// Cancel prevents a queued task from starting. Running tasks are not
// interrupted; Cancel then returns false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != types.StatusQueued {
		return false
	}
	t.Status = types.StatusCancelled
	t.EndedAt = time.Now()
	s.stats.Cancelled++
	return true
}

// Get returns the task record for an id, or nil.
func (s *Scheduler) Get(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// MarkWorkflowActive registers a foreground workflow; BACKGROUND tasks are
// deferred while any workflow is active.
func (s *Scheduler) MarkWorkflowActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeWorkflows[id] = struct{}{}
	logging.Get(logging.CategoryScheduler).Debug("workflow active: %s (total %d)", id, len(s.activeWorkflows))
}

// MarkWorkflowInactive removes a workflow from the active set.
func (s *Scheduler) MarkWorkflowInactive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeWorkflows, id)
	if len(s.activeWorkflows) == 0 {
		// Background work may be waiting on the gate.
		s.cond.Broadcast()
	}
}

// HasActiveWorkflows reports whether any foreground workflow is running.
func (s *Scheduler) HasActiveWorkflows() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeWorkflows) > 0
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueueLength = s.queue.Len()
	st.ActiveWorkflows = len(s.activeWorkflows)
	return st
}

// Stop shuts the pool down. With wait, blocks until running tasks finish
// or the timeout elapses; queued tasks are left cancelled.
func (s *Scheduler) Stop(wait bool, timeout time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*Task)
		if t.Status == types.StatusQueued {
			t.Status = types.StatusCancelled
			t.EndedAt = time.Now()
			s.stats.Cancelled++
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if !wait {
		if s.cancel != nil {
			s.cancel()
		}
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Get(logging.CategoryScheduler).Warn("stop timed out after %v", timeout)
	}
	if s.cancel != nil {
		s.cancel()
	}
	logging.Scheduler("stopped")
}

// worker pops tasks in priority order and runs them to completion.
func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		t, yield := s.next()
		if t == nil {
			if yield {
				// A gated BACKGROUND task is at the head; back off briefly
				// so foreground work can drain.
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
				continue
			}
			return
		}
		s.run(ctx, id, t)
	}
}

// next blocks until a runnable task is available. Returns (nil, true) when
// the head of the queue is a deferred BACKGROUND task, (nil, false) when
// the scheduler is stopping.
func (s *Scheduler) next() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.stopped {
			return nil, false
		}
		if s.queue.Len() == 0 {
			s.cond.Wait()
			continue
		}

		t := heap.Pop(&s.queue).(*Task)
		if t.Status == types.StatusCancelled {
			continue
		}

		if t.Priority == types.PriorityBackground {
			if len(s.activeWorkflows) > 0 {
				// Re-queue without execution, preserving the original
				// sequence so its order among BACKGROUND peers holds.
				heap.Push(&s.queue, t)
				s.stats.TasksSkippedDueToWorkflows++
				s.stats.BackgroundRequeued++
				return nil, true
			}
			if gap := time.Since(s.lastBackground); gap < s.cfg.BackgroundGap {
				heap.Push(&s.queue, t)
				s.stats.BackgroundRequeued++
				return nil, true
			}
			s.lastBackground = time.Now()
		}

		t.Status = types.StatusRunning
		t.StartedAt = time.Now()
		s.stats.Running++
		return t, false
	}
}

// run executes one task, capturing errors and panics into the task record.
func (s *Scheduler) run(ctx context.Context, workerID int, t *Task) {
	logging.Get(logging.CategoryScheduler).Debug("worker %d running %s (%s)", workerID, t.ID, t.Name)

	result, err := s.invoke(ctx, t)

	s.mu.Lock()
	defer s.mu.Unlock()
	t.EndedAt = time.Now()
	t.Result = result
	t.Err = err
	s.stats.Running--
	if err != nil {
		t.Status = types.StatusFailed
		s.stats.Failed++
		logging.Get(logging.CategoryScheduler).Warn("task %s (%s) failed: %v", t.ID, t.Name, err)
	} else {
		t.Status = types.StatusCompleted
		s.stats.Completed++
	}
}

// invoke isolates panic recovery from run's lock handling.
func (s *Scheduler) invoke(ctx context.Context, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.fn(ctx)
}
