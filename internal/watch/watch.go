// Package watch implements the debounced, batched filesystem change
// source (C3). Raw fsnotify events are coalesced per path — preferring
// the latest kind, with Removed always winning over Modified — and
// flushed as one totally-ordered BatchedChanges after debounce_ms of
// quiet.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
)

// ChangeKind enumerates the kind of a single file's change within a batch.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// FileChange is one file's coalesced change within a batch.
type FileChange struct {
	Path       string
	Kind       ChangeKind
	DetectedAt time.Time
}

// BatchedChanges is one debounce window's worth of coalesced changes.
// BatchID increments monotonically so batches are totally ordered.
type BatchedChanges struct {
	BatchID int64
	Files   []FileChange
}

// Options configures a Watcher.
type Options struct {
	IncludeExtensions     []string
	IgnoredGlobs          []string
	DebounceMs            int
	MaxConcurrentAnalysis int
}

// Watcher watches a root directory and emits BatchedChanges on Changes().
type Watcher struct {
	root string
	opts Options

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]ChangeKind
	timer    *time.Timer
	batchSeq int64

	out chan BatchedChanges

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher rooted at root. Start must be called to begin
// watching.
func New(root string, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kberrors.New(kberrors.BackendUnavailable, "watch.new", err).WithPath(root)
	}
	if opts.DebounceMs <= 0 {
		opts.DebounceMs = 300
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:    root,
		opts:    opts,
		fsw:     fsw,
		pending: make(map[string]ChangeKind),
		out:     make(chan BatchedChanges, 16),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Changes returns the channel BatchedChanges are published on.
func (w *Watcher) Changes() <-chan BatchedChanges {
	return w.out
}

// Start walks root adding a watch for every directory (skipping
// ignored ones and symlink cycles) then begins processing events.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.root); err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "watch.start", err).WithPath(w.root)
	}

	w.wg.Add(1)
	go w.processEvents()

	debug.LogWatch("watcher started for %s (debounce=%dms)", w.root, w.opts.DebounceMs)
	return nil
}

// Stop cancels processing and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.out)
	return err
}

func (w *Watcher) addWatches(root string) error {
	visited := make(map[string]bool)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true

		if w.shouldIgnoreDir(path) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			debug.Warn("WATCH", "failed to add watch for %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) shouldIgnoreDir(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnoredGlobs {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) shouldProcessFile(path string) bool {
	if len(w.opts.IncludeExtensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, want := range w.opts.IncludeExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
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
			debug.Warn("WATCH", "fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	info, err := os.Stat(path)
	if err != nil {
		if event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0 {
			if w.shouldProcessFile(path) {
				w.addPending(path, Removed)
			}
		}
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !w.shouldIgnoreDir(path) {
			if err := w.fsw.Add(path); err != nil {
				debug.Warn("WATCH", "failed to add watch for new directory %s: %v", path, err)
			}
		}
		return
	}

	if !w.shouldProcessFile(path) {
		return
	}

	var kind ChangeKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = Added
	case event.Op&fsnotify.Write != 0:
		kind = Modified
	case event.Op&fsnotify.Rename != 0:
		kind = Modified
	default:
		return
	}
	w.addPending(path, kind)
}

// addPending coalesces path's latest kind into the pending batch,
// preferring Removed over any other kind regardless of arrival order,
// and resets the debounce timer.
func (w *Watcher) addPending(path string, kind ChangeKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.pending[path]; ok && existing == Removed {
		kind = Removed
	}
	w.pending[path] = kind

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(time.Duration(w.opts.DebounceMs)*time.Millisecond, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	pending := w.pending
	w.pending = make(map[string]ChangeKind)
	w.batchSeq++
	batchID := w.batchSeq
	w.mu.Unlock()

	now := time.Now()
	files := make([]FileChange, 0, len(pending))
	for path, kind := range pending {
		files = append(files, FileChange{Path: path, Kind: kind, DetectedAt: now})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	batch := BatchedChanges{BatchID: batchID, Files: files}

	select {
	case w.out <- batch:
	case <-w.ctx.Done():
	}
}
