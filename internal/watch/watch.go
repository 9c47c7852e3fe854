// Package watch monitors source trees and fires a debounced callback
// when Python modules change, so a build-and-deploy cycle can run
// automatically during development.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fwkit/mpdeploy/internal/source"
)

// defaultDebounce coalesces the event bursts editors produce when saving
// (write, chmod, rename) into a single callback.
const defaultDebounce = 500 * time.Millisecond

// Options configure a Watcher.
type Options struct {
	// Roots are the directory trees to monitor.
	Roots []string
	// Debounce is the quiet period after the last event before OnChange
	// fires. Zero falls back to the default.
	Debounce time.Duration
	// OnChange receives the sorted set of changed files once the debounce
	// window closes. Its error is logged, not fatal: the watch continues.
	OnChange func(ctx context.Context, changed []string) error
}

// Watcher monitors source roots for module changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	roots    []string
	debounce time.Duration
	onChange func(ctx context.Context, changed []string) error
	logger   *slog.Logger
}

// New creates a Watcher registered on every directory under the given
// roots. Roots that do not exist are skipped with a warning so a missing
// submodule does not prevent watching the main tree.
func New(opts Options, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		fsw:      fsw,
		roots:    opts.Roots,
		debounce: debounce,
		onChange: opts.OnChange,
		logger:   logger,
	}

	watched := 0
	for _, root := range opts.Roots {
		n, err := w.addTree(root)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		watched += n
	}
	if watched == 0 {
		fsw.Close()
		return nil, fmt.Errorf("no watchable directories under %s", strings.Join(opts.Roots, ", "))
	}

	logger.Info("watching for source changes", "roots", opts.Roots, "directories", watched)
	return w, nil
}

// addTree registers root and every non-hidden subdirectory, returning the
// number of directories added.
func (w *Watcher) addTree(root string) (int, error) {
	if _, err := os.Stat(root); err != nil {
		w.logger.Warn("skipping missing watch root", "root", root)
		return 0, nil
	}

	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Run processes events until ctx is cancelled. Events for Python sources
// accumulate in a pending set; the callback fires once per quiet period
// with the deduplicated, sorted file list.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := make([]string, 0, len(pending))
		for name := range pending {
			changed = append(changed, name)
		}
		clear(pending)
		mu.Unlock()

		sort.Strings(changed)
		w.logger.Info("source changes detected", "files", changed)

		if w.onChange != nil {
			if err := w.onChange(ctx, changed); err != nil {
				w.logger.Error("change handler failed", "error", err)
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}

			// Directories created mid-watch join the watch set so nested
			// module additions are seen.
			if event.Has(fsnotify.Create) {
				w.maybeAddDir(event.Name)
			}

			if !w.triggers(event) {
				continue
			}

			mu.Lock()
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// triggers reports whether an event should schedule a rebuild. Only
// writes, creations, removals and renames of Python sources count;
// editor backups and hidden files are noise.
func (w *Watcher) triggers(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return source.IsPython(event.Name)
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("failed to watch new directory", "dir", path, "error", err)
	}
}
