// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileio

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChange is one debounced change to a watched feature file.
type FileChange struct {
	// Path is the cleaned absolute path of the file.
	Path string

	// Op is the last operation seen for the path in the batch.
	Op FileOp

	// Time is when the change was detected.
	Time time.Time
}

// FileOp is the kind of change.
type FileOp int

const (
	// FileOpCreate indicates the file appeared.
	FileOpCreate FileOp = iota

	// FileOpWrite indicates the file was modified.
	FileOpWrite

	// FileOpRemove indicates the file was deleted.
	FileOpRemove

	// FileOpRename indicates the file was renamed away.
	FileOpRename
)

// String returns the lowercase operation name.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileChangeHandler receives a debounced batch of changes.
type FileChangeHandler func(changes []FileChange)

// FileWatcherOptions configures a FileWatcher.
type FileWatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before calling
	// the handler. Default: 200ms
	DebounceWindow time.Duration

	// BufferSize is the capacity of the change channel. Default: 256
	BufferSize int

	// Logger receives watcher errors. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultFileWatcherOptions returns the defaults.
func DefaultFileWatcherOptions() FileWatcherOptions {
	return FileWatcherOptions{
		DebounceWindow: 200 * time.Millisecond,
		BufferSize:     256,
	}
}

// FileWatcher watches a set of loaded feature files and reports changes in
// debounced batches.
//
// # Description
//
// fsnotify watches directories, so the watcher registers the parent
// directory of every tracked file and drops events for untracked paths.
// Editors that save by rename-and-replace produce a remove followed by a
// create; deduplication keeps the last operation per path.
//
// # Thread Safety
//
// Add and Remove are safe to call while the watcher runs. The handler is
// called from a single goroutine.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	handler  FileChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	files    map[string]bool
	dirs     map[string]int
	watching bool
}

// NewFileWatcher creates a watcher. Call Add for each file and Start to
// begin delivering changes.
//
// # Inputs
//
//   - handler: Called with batched changes after the debounce window.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *FileWatcher: The watcher.
//   - error: Non-nil if fsnotify could not be initialised.
func NewFileWatcher(handler FileChangeHandler, opts *FileWatcherOptions) (*FileWatcher, error) {
	if opts == nil {
		defaults := DefaultFileWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultFileWatcherOptions().DebounceWindow
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultFileWatcherOptions().BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		handler:  handler,
		debounce: opts.DebounceWindow,
		logger:   logger,
		changes:  make(chan FileChange, opts.BufferSize),
		done:     make(chan struct{}),
		files:    make(map[string]bool),
		dirs:     make(map[string]int),
	}, nil
}

// Add starts tracking path. Adding a tracked path is a no-op.
func (w *FileWatcher) Add(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[path] {
		return nil
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[path] = true
	return nil
}

// Remove stops tracking path. The parent directory is released when no
// other tracked file lives in it.
func (w *FileWatcher) Remove(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.files[path] {
		return nil
	}
	delete(w.files, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	if err := w.watcher.Remove(dir); err != nil {
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

// Files returns the tracked paths.
func (w *FileWatcher) Files() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	return out
}

// Start begins delivering changes. It returns immediately; both internal
// goroutines exit when Stop is called or ctx is cancelled.
func (w *FileWatcher) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start file watcher: nil context")
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher and releases fsnotify resources.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("close file watcher", slog.String("error", err.Error()))
		}

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether Start has been called and Stop has not.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *FileWatcher) tracked(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.files[filepath.Clean(path)]
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.tracked(event.Name) {
				continue
			}
			change := FileChange{
				Path: filepath.Clean(event.Name),
				Op:   convertOp(event.Op),
				Time: time.Now(),
			}
			select {
			case w.changes <- change:
			default:
				w.logger.Warn("file change dropped, buffer full", slog.String("path", change.Path))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Write):
		return FileOpWrite
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpWrite
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	var (
		batch  []FileChange
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if len(batch) > 0 {
			if deduped := deduplicateChanges(batch); len(deduped) > 0 && w.handler != nil {
				w.handler(deduped)
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// deduplicateChanges keeps the most recent change per path, in order of
// first appearance.
func deduplicateChanges(changes []FileChange) []FileChange {
	seen := make(map[string]int)
	result := make([]FileChange, 0, len(changes))
	for _, change := range changes {
		if idx, exists := seen[change.Path]; exists {
			result[idx] = change
			continue
		}
		seen[change.Path] = len(result)
		result = append(result, change)
	}
	return result
}
