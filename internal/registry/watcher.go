package registry

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"codeforge/internal/logging"
)

// Watcher reloads the catalog when index.json changes on disk, so
// external edits (or another process) become visible without a restart.
type Watcher struct {
	registry *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher watches the registry directory. The parent directory is
// watched rather than the file itself so atomic rename replacement is
// still observed.
func NewWatcher(r *Registry, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(r.indexPath())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		registry: r,
		fsw:      fsw,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	logging.Get(logging.CategoryRegistry).Info("watching %s", dir)
	return w, nil
}

// Stop shuts the watcher down and waits for its goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	defer w.fsw.Close()

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.registry.indexPath()) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts: atomic replace fires create+rename+write.
			if pending == nil {
				pending = time.NewTimer(w.debounce)
				pendingC = pending.C
			} else {
				pending.Reset(w.debounce)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := w.registry.Reload(); err != nil {
				logging.Get(logging.CategoryRegistry).Warn("reload failed: %v", err)
				continue
			}
			logging.Get(logging.CategoryRegistry).Info("index reloaded: %d nodes", len(w.registry.List()))

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRegistry).Warn("watch error: %v", err)
		}
	}
}
