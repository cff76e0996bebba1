package prompts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debouncePeriod collapses editor write bursts into one refresh.
const debouncePeriod = 500 * time.Millisecond

// Watcher triggers a callback when template files in a directory change.
// Refreshes are debounced because editors fire several events per save.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	logger   *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// WatchDir starts watching dir for markdown changes. onChange runs after
// the debounce window, off the caller's goroutine.
func WatchDir(dir string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		logger:   logger,
	}
	go w.loop()

	logger.Info("watching template directory", "dir", dir)
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			// Adds, edits, and removals all change the index.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(filepath.Base(event.Name), ".md") {
				continue
			}

			w.logger.Debug("template change detected", "file", event.Name, "op", event.Op.String())
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("template watcher error", "error", err)
		}
	}
}

// schedule arms the debounce timer, restarting it if already armed.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debouncePeriod, w.onChange)
}

// Close stops watching. A pending debounced callback may still fire.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
