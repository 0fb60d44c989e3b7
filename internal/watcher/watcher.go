package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultDebounce coalesces rapid successive events (editor temp-file
	// dances, package installs) into a single batch.
	defaultDebounce = 500 * time.Millisecond

	// maxBatchPaths caps a single files_changed batch; the renderer treats
	// the event as a refresh hint, not a complete manifest.
	maxBatchPaths = 100
)

// Registry runs one recursive filesystem watcher per session worktree and
// reports debounced change batches through onChange.
type Registry struct {
	onChange func(sessionID string, paths []string)
	debounce time.Duration

	mu       sync.Mutex
	watchers map[string]*worktreeWatcher
}

// NewRegistry creates a watcher registry. onChange receives worktree-relative
// paths, deduplicated and sorted, after the debounce window closes.
func NewRegistry(onChange func(sessionID string, paths []string)) *Registry {
	return &Registry{
		onChange: onChange,
		debounce: defaultDebounce,
		watchers: make(map[string]*worktreeWatcher),
	}
}

// Watch starts watching a session's worktree. Watching the same session and
// root again is a no-op; a different root replaces the previous watcher.
func (r *Registry) Watch(sessionID, root string) error {
	r.mu.Lock()
	if existing, ok := r.watchers[sessionID]; ok {
		if existing.root == root {
			r.mu.Unlock()
			return nil
		}
		existing.close()
		delete(r.watchers, sessionID)
	}
	r.mu.Unlock()

	w, err := newWorktreeWatcher(sessionID, root, r.debounce, r.onChange)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.watchers[sessionID] = w
	r.mu.Unlock()
	return nil
}

// Unwatch stops the watcher for a session, if any.
func (r *Registry) Unwatch(sessionID string) {
	r.mu.Lock()
	w, ok := r.watchers[sessionID]
	if ok {
		delete(r.watchers, sessionID)
	}
	r.mu.Unlock()
	if ok {
		w.close()
	}
}

// Close stops all watchers.
func (r *Registry) Close() {
	r.mu.Lock()
	watchers := make([]*worktreeWatcher, 0, len(r.watchers))
	for id, w := range r.watchers {
		watchers = append(watchers, w)
		delete(r.watchers, id)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

type worktreeWatcher struct {
	sessionID string
	root      string
	fsw       *fsnotify.Watcher
	onChange  func(sessionID string, paths []string)
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool

	done chan struct{}
}

func newWorktreeWatcher(sessionID, root string, debounce time.Duration, onChange func(string, []string)) (*worktreeWatcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat worktree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("worktree is not a directory: %s", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &worktreeWatcher{
		sessionID: sessionID,
		root:      root,
		fsw:       fsw,
		onChange:  onChange,
		debounce:  debounce,
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}

	if err := w.addDirRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// addDirRecursive registers root and every subdirectory except .git.
func (w *worktreeWatcher) addDirRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk (build output churn).
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *worktreeWatcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("worktree watcher error", "session", w.sessionID, "error", err)
		}
	}
}

func (w *worktreeWatcher) handleEvent(event fsnotify.Event) {
	// Chmod-only events are metadata noise.
	if event.Op == fsnotify.Chmod {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || isGitPath(rel) {
		return
	}

	// New directories need their own watch; files created inside before the
	// watch lands are picked up by walking the new subtree.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirRecursive(event.Name)
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
	w.mu.Unlock()
}

func (w *worktreeWatcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	sort.Strings(paths)
	if len(paths) > maxBatchPaths {
		paths = paths[:maxBatchPaths]
	}

	if w.onChange != nil {
		w.onChange(w.sessionID, paths)
	}
}

func (w *worktreeWatcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	_ = w.fsw.Close()
}

// isGitPath reports whether a worktree-relative path is inside .git.
func isGitPath(rel string) bool {
	rel = filepath.ToSlash(rel)
	return rel == ".git" || strings.HasPrefix(rel, ".git/")
}
