// Package watcher reports external changes to the storage directory so
// cached provenance can be dropped when files are added, replaced or removed
// behind the store's back.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/muaviaUsmani/genvault/internal/logger"
)

// Option configures a DirWatcher
type Option func(*DirWatcher)

// WithDebounce sets how long a file must stay quiet before its change is reported
func WithDebounce(d time.Duration) Option {
	return func(w *DirWatcher) { w.debounce = d }
}

// DirWatcher watches one flat directory and calls onChange with the base
// names of files that changed, batched and debounced
type DirWatcher struct {
	dir      string
	debounce time.Duration
	onChange func(names []string)
	log      logger.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time // name -> last event time
}

// New creates a watcher for dir. Nothing is watched until Start.
func New(dir string, onChange func(names []string), opts ...Option) *DirWatcher {
	w := &DirWatcher{
		dir:      dir,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
		log:      logger.Default().WithComponent(logger.ComponentWatcher),
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching the directory
func (w *DirWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watcher: watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()

	w.log.Info("Watching storage directory", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop terminates the watcher and waits for the background goroutine to exit.
// It is safe to call Stop multiple times.
func (w *DirWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *DirWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[filepath.Base(event.Name)] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports every name that has been quiet for at least the debounce period
func (w *DirWatcher) flush() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for name, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, name)
		}
	}
	for _, name := range ready {
		delete(w.pending, name)
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	w.log.Debug("Storage directory changed", "files", len(ready))
	w.onChange(ready)
}
