// Package watcher provides file system watching with debouncing for the
// queue document. Workers use it as a wake signal so a fresh enqueue cuts
// the idle wait short.
package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the queue file for changes and sends notifications.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	queuePath string
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	QueuePath   string
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher. The debounce
// is short: a wake signal only matters when workers are idle, and a
// burst of queue rewrites should coalesce into one wake.
func DefaultConfig(queuePath string) Config {
	return Config{
		QueuePath:   queuePath,
		DebounceDur: 100 * time.Millisecond,
	}
}

// New creates a new queue watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		queuePath: cfg.QueuePath,
		debounce:  cfg.DebounceDur,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the directory containing the queue file.
// Returns a channel that receives a signal when the queue changes.
// The directory, not the file, is watched: atomic rename replaces the
// file's inode on every write, which would silently detach a file watch.
func (w *Watcher) Start() (<-chan struct{}, error) {
	dir := filepath.Dir(w.queuePath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	go w.loop()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
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

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send; a full channel already carries a wake.
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

		case <-w.done:
			return
		}
	}
}

// isRelevantEvent filters to writes, creates and renames of the queue
// file itself. Rename matters because the document store replaces the
// file via rename on every write.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.queuePath) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
