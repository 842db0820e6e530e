package worktree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of directory events.
const DefaultDebounce = 500 * time.Millisecond

// UpdateCallback receives the full sorted ticket list after it changes.
type UpdateCallback func(tickets []string)

// Watcher reports changes to the set of work units under a Dir.
type Watcher struct {
	dir      *Dir
	debounce time.Duration
	callback UpdateCallback
	logger   *slog.Logger

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	last      []string
}

// NewWatcher creates a watcher for dir. A non-positive debounce uses
// DefaultDebounce.
func NewWatcher(dir *Dir, debounce time.Duration, callback UpdateCallback, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Start begins watching. The root directory must exist.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsW.Add(w.dir.Path()); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", w.dir.Path(), err)
	}

	tickets, err := w.dir.Tickets()
	if err != nil {
		fsW.Close()
		return fmt.Errorf("list %s: %w", w.dir.Path(), err)
	}

	w.mu.Lock()
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.last = tickets
	cancel := w.cancel
	w.mu.Unlock()

	go w.watchLoop(fsW, cancel)
	return nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() {
	w.mu.Lock()
	fsW, cancel := w.fsWatcher, w.cancel
	w.fsWatcher, w.cancel = nil, nil
	w.mu.Unlock()

	if fsW != nil {
		close(cancel)
		fsW.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher, cancel chan struct{}) {
	var timer *time.Timer

	for {
		select {
		case <-cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.rescan)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.logger.Warn("worktree watcher error", "dir", w.dir.Path(), "error", err)
		}
	}
}

// rescan relists the directory and notifies if the ticket set changed.
func (w *Watcher) rescan() {
	tickets, err := w.dir.Tickets()
	if err != nil {
		w.logger.Warn("worktree rescan failed", "dir", w.dir.Path(), "error", err)
		return
	}

	w.mu.Lock()
	changed := !slices.Equal(tickets, w.last)
	if changed {
		w.last = tickets
	}
	w.mu.Unlock()

	if changed {
		w.logger.Debug("worktrees changed", "count", len(tickets))
		if w.callback != nil {
			w.callback(tickets)
		}
	}
}
