package logging

import (
	"time"
)

// slowThreshold marks operations worth flagging in the log.
const slowThreshold = 500 * time.Millisecond

// Timer measures the duration of one operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation within a category.
//
//	timer := logging.StartTimer(logging.CategoryStore, "FindSimilar")
//	defer timer.Stop()
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations are logged at warn level.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed >= slowThreshold {
		l.Warn("%s took %v (slow)", t.op, elapsed)
		return
	}
	l.Debug("%s took %v", t.op, elapsed)
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
