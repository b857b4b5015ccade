// Package watcher provides file system watching with debouncing for the
// search index directory.
package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// Watcher monitors a directory for changes to a set of files and sends
// notifications.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	files     map[string]struct{}
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	// Dir is the directory to watch.
	Dir string
	// Files are the base names inside Dir whose changes are reported.
	Files       []string
	DebounceDur time.Duration
}

// DefaultConfig watches the manifest of the index in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Files:       []string{"manifest.yaml"},
		DebounceDur: 100 * time.Millisecond,
	}
}

// New creates a new directory watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	files := make(map[string]struct{}, len(cfg.Files))
	for _, f := range cfg.Files {
		files[f] = struct{}{}
	}

	return &Watcher{
		fsWatcher: fsw,
		dir:       cfg.Dir,
		files:     files,
		debounce:  cfg.DebounceDur,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the directory.
// Returns a channel that receives a signal when a watched file changes and
// is closed after Stop.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.dir, err)
	}

	go w.loop()

	log.Debug(log.CatWatcher, "Watching directory", "dir", w.dir, "debounce", w.debounce)
	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing. The notification
// channel is closed when the loop exits.
func (w *Watcher) loop() {
	defer close(w.onChange)

	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send - drop if channel full
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "Watch error", err, "dir", w.dir)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a notification.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	// Writes, plus creates: a manifest renamed into place shows up as Create
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	_, ok := w.files[filepath.Base(event.Name)]
	return ok
}
