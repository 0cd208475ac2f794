// Package watcher notifies the editing session when the network
// document is modified outside the editor, so stale in-memory state can
// be surfaced to the operator instead of silently clobbered on save.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher watches one file for external writes.
type Watcher struct {
	path     string
	onChange func()
	debounce time.Duration
	log      *log.Logger
}

// New creates a watcher for path. onChange runs after writes settle.
func New(path string, onChange func(), logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		log:      logger,
	}
}

// WithDebounce sets how long writes must settle before onChange fires.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Watch blocks until the context is cancelled or the watch fails.
// The containing directory is watched rather than the file itself, so
// editors that replace the file (write temp, rename) are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	filename := filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Info("watching for external changes", "path", w.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.log.Warn("document changed outside the editor", "path", w.path)
				w.onChange()
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watch error", "err", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
