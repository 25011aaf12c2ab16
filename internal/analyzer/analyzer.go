// Package analyzer is the incremental analyzer (C6): the single-
// threaded conductor that owns the entity/edge stores exclusively and
// drives the initial-scan and live-update phases described in the
// service's analysis pipeline. Grounded on a master-index/pipeline-
// integrator's orchestration role (owns the index; workers stay pure)
// and a per-path coordination-primitive map, the same idiom the cache
// package's singleflight barrier uses.
package analyzer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/standardbeagle/kbindex/internal/cache"
	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/fingerprint"
	"github.com/standardbeagle/kbindex/internal/graph"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/parser"
	"github.com/standardbeagle/kbindex/internal/resolver"
	"github.com/standardbeagle/kbindex/internal/types"
	"github.com/standardbeagle/kbindex/internal/watch"
	"github.com/standardbeagle/kbindex/internal/worker"
)

// Phase enumerates the analyzer's two run modes.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseInitialScan Phase = "initial_scan"
	PhaseLive        Phase = "live"
)

// Progress is the analyzer's externally-observable state.
type Progress struct {
	Phase     Phase
	Processed int
	Total     int
	ETA       time.Duration
	Errors    []string
	Warnings  []string
}

// Options configures an Analyzer.
type Options struct {
	ProjectRoot       string
	IncludeExtensions []string
	IgnoredGlobs      []string
	AliasRoots        map[string]string
	SchemaVersion     int
	MaxWorkers        int
	CacheTTL          time.Duration
	TaskTimeout       time.Duration // per-task deadline handed to the worker pool, 0 disables it
}

// fileRecord is everything the analyzer remembers about one file
// between runs, enough to support incremental re-analysis and removal.
type fileRecord struct {
	fp            types.FileFingerprint
	fileNodeID    string
	entityNodeIDs map[string]string // parser entity id -> graph node id
	input         resolver.FileInput
}

// keyedMutex hands out one *sync.Mutex per key, lazily, the same
// coordination-primitive-map idiom used by the cache's singleflight
// group.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Analyzer is the incremental analyzer. It owns a Graph and a Cache
// (both supplied by the caller, so storage backend choice stays the
// caller's decision) plus an internal worker pool and resolver.
type Analyzer struct {
	opts  Options
	cache *cache.Cache
	graph *graph.Graph
	pool  *worker.Pool
	res   *resolver.Resolver

	mu           sync.RWMutex
	files        map[string]*fileRecord
	externalNode map[string]string // resolver placeholder id -> graph node id
	resolvedEdge []string          // edge ids created by the last resolveAll, cleared and rebuilt each run
	dependents   map[string][]string
	dependencies map[string][]string

	pathLock *keyedMutex

	progMu   sync.Mutex
	progress Progress

	emaMu sync.Mutex
	emaMs float64
}

// New creates an Analyzer over an existing cache and graph.
func New(opts Options, c *cache.Cache, g *graph.Graph) *Analyzer {
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = 1
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}

	a := &Analyzer{
		opts:         opts,
		cache:        c,
		graph:        g,
		res:          resolver.New(opts.ProjectRoot, opts.AliasRoots),
		files:        make(map[string]*fileRecord),
		externalNode: make(map[string]string),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		pathLock:     newKeyedMutex(),
	}
	a.pool = worker.New(worker.Options{
		MaxWorkers:        opts.MaxWorkers,
		MaxQueueSize:      8192,
		HeartbeatInterval: 2 * time.Second,
	}, a.execute)
	return a
}

// Shutdown stops the analyzer's worker pool.
func (a *Analyzer) Shutdown(timeout time.Duration) error {
	return a.pool.Shutdown(timeout)
}

// Progress returns a snapshot of the analyzer's current progress.
func (a *Analyzer) Progress() Progress {
	a.progMu.Lock()
	defer a.progMu.Unlock()
	return a.progress
}

// Dependents returns the files that depend on path, per C5's file
// dependency graph.
func (a *Analyzer) Dependents(path string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.dependents[path]...)
}

// Dependencies returns the files path depends on.
func (a *Analyzer) Dependencies(path string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.dependencies[path]...)
}

func (a *Analyzer) execute(ctx context.Context, task worker.Task) (any, error) {
	path, _ := task.Payload.(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kberrors.New(kberrors.NotFound, "analyzer.execute", err).WithPath(path)
	}
	result, err := parser.Parse(data, path, "")
	if err != nil {
		return nil, kberrors.New(kberrors.AnalysisFailure, "analyzer.execute", err).WithPath(path)
	}
	return result, nil
}

func (a *Analyzer) setPhase(p Phase) {
	a.progMu.Lock()
	a.progress.Phase = p
	a.progMu.Unlock()
}

func (a *Analyzer) resetProgress(total int) {
	a.progMu.Lock()
	a.progress = Progress{Phase: a.progress.Phase, Total: total}
	a.progMu.Unlock()
}

func (a *Analyzer) bumpProcessed() {
	a.progMu.Lock()
	a.progress.Processed++
	if a.emaMs > 0 && a.progress.Processed < a.progress.Total {
		remaining := a.progress.Total - a.progress.Processed
		a.progress.ETA = time.Duration(float64(remaining)*a.emaMs) * time.Millisecond
	} else {
		a.progress.ETA = 0
	}
	a.progMu.Unlock()
}

func (a *Analyzer) recordError(path string, err error) {
	a.progMu.Lock()
	a.progress.Errors = append(a.progress.Errors, path+": "+err.Error())
	a.progMu.Unlock()
	debug.LogAnalyzer("error analyzing %s: %v", path, err)
}

func (a *Analyzer) recordWarning(msg string) {
	a.progMu.Lock()
	a.progress.Warnings = append(a.progress.Warnings, msg)
	a.progMu.Unlock()
}

const emaAlpha = 0.2

func (a *Analyzer) recordLatency(elapsed time.Duration, count int) {
	if count == 0 {
		return
	}
	perFile := float64(elapsed.Milliseconds()) / float64(count)
	a.emaMu.Lock()
	if a.emaMs == 0 {
		a.emaMs = perFile
	} else {
		a.emaMs = emaAlpha*perFile + (1-emaAlpha)*a.emaMs
	}
	a.emaMu.Unlock()
}

func (a *Analyzer) shouldProcess(path string) bool {
	if len(a.opts.IncludeExtensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, want := range a.opts.IncludeExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (a *Analyzer) shouldIgnoreDir(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range a.opts.IgnoredGlobs {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (a *Analyzer) scanFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(a.opts.ProjectRoot, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.IsDir() {
			if p != a.opts.ProjectRoot && a.shouldIgnoreDir(p) {
				return filepath.SkipDir
			}
			return nil
		}
		if a.shouldProcess(p) {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// InitialScan implements the analyzer's initial-scan phase: enumerate,
// consult the cache, dispatch misses to the worker pool in chunks,
// integrate completions, then resolve the whole project's cross-file
// edges.
func (a *Analyzer) InitialScan(ctx context.Context) (Progress, error) {
	a.setPhase(PhaseInitialScan)

	files, err := a.scanFiles()
	if err != nil {
		a.setPhase(PhaseIdle)
		return a.Progress(), err
	}
	a.resetProgress(len(files))

	var misses []string
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		fp, err := fingerprint.Of(path)
		if err != nil {
			a.recordError(path, err)
			a.bumpProcessed()
			continue
		}
		if result, ok := a.cachedResult(path, fp); ok {
			a.integrate(path, fp, result)
			a.bumpProcessed()
			continue
		}
		misses = append(misses, path)
	}

	const chunkSize = 32
	for start := 0; start < len(misses) && ctx.Err() == nil; start += chunkSize {
		end := start + chunkSize
		if end > len(misses) {
			end = len(misses)
		}
		a.runChunk(misses[start:end])
	}

	a.resolveAll()
	a.setPhase(PhaseIdle)
	return a.Progress(), ctx.Err()
}

func (a *Analyzer) runChunk(paths []string) {
	tasks := make([]types.AnalysisTask, len(paths))
	for i, path := range paths {
		tasks[i] = types.AnalysisTask{
			ID:          path,
			Type:        types.TaskFile,
			Payload:     path,
			SubmittedAt: time.Now(),
			TimeoutMs:   a.opts.TaskTimeout.Milliseconds(),
		}
	}

	started := time.Now()
	results := a.pool.SubmitBatch(tasks)
	a.recordLatency(time.Since(started), len(paths))

	for i, r := range results {
		path := paths[i]
		if !r.OK {
			a.recordError(path, r.Error)
			a.bumpProcessed()
			continue
		}
		result, ok := r.Value.(parser.Result)
		if !ok {
			a.recordError(path, kberrors.New(kberrors.Internal, "analyzer.integrate", nil).WithPath(path))
			a.bumpProcessed()
			continue
		}
		fp, err := fingerprint.Of(path)
		if err != nil {
			a.recordError(path, err)
			a.bumpProcessed()
			continue
		}
		a.integrate(path, fp, result)
		a.cacheResult(path, fp, result)
		a.bumpProcessed()
	}
}

func (a *Analyzer) cacheKey(path string, fp types.FileFingerprint) string {
	return fingerprint.CacheKey("file", path, fp.ContentHash, a.opts.SchemaVersion)
}

func (a *Analyzer) cachedResult(path string, fp types.FileFingerprint) (parser.Result, bool) {
	entry, ok := a.cache.Get(a.cacheKey(path, fp))
	if !ok {
		return parser.Result{}, false
	}
	var result parser.Result
	if err := json.Unmarshal(entry.ValueBytes, &result); err != nil {
		return parser.Result{}, false
	}
	return result, true
}

func (a *Analyzer) cacheResult(path string, fp types.FileFingerprint, result parser.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	meta := types.CacheEntryMeta{FileSize: fp.Size, FileMtime: fp.Mtime, AnalysisType: "file", SchemaVersion: a.opts.SchemaVersion}
	a.cache.Set(a.cacheKey(path, fp), data, a.opts.CacheTTL, meta)
}

// integrate replaces path's entity set atomically (invariant I2):
// stale nodes are torn down, then the new entity set is created,
// before the per-path lock is released.
func (a *Analyzer) integrate(path string, fp types.FileFingerprint, result parser.Result) {
	unlock := a.pathLock.lock(path)
	defer unlock()

	a.mu.Lock()
	old := a.files[path]
	a.mu.Unlock()

	if old != nil {
		a.teardown(old)
	}

	fileNodeID, err := a.graph.CreateNode("File", map[string]any{"file_path": path})
	if err != nil {
		a.recordError(path, err)
		return
	}

	record := &fileRecord{
		fp:            fp,
		fileNodeID:    fileNodeID,
		entityNodeIDs: make(map[string]string, len(result.Entities)),
		input: resolver.FileInput{
			FilePath:      path,
			Entities:      result.Entities,
			Relationships: result.Relationships,
			Imports:       result.Imports,
			Exports:       result.Exports,
		},
	}

	for _, e := range result.Entities {
		nodeID, err := a.graph.CreateNode(string(e.Kind), map[string]any{
			"name": e.Name, "file_path": e.FilePath, "line": e.Line, "signature": e.Signature,
		})
		if err != nil {
			a.recordError(path, err)
			continue
		}
		record.entityNodeIDs[e.ID] = nodeID
		if _, err := a.graph.CreateEdge(fileNodeID, nodeID, string(types.RelContains), nil); err != nil {
			a.recordError(path, err)
		}
	}

	for _, e := range result.SyntaxErrors {
		a.recordWarning(e)
	}

	a.mu.Lock()
	a.files[path] = record
	a.mu.Unlock()
}

func (a *Analyzer) teardown(old *fileRecord) {
	for _, nodeID := range old.entityNodeIDs {
		_ = a.graph.DeleteNode(nodeID)
	}
	_ = a.graph.DeleteNode(old.fileNodeID)
}

// resolveAll re-runs C5 over every tracked file and rewrites the
// resolved edge set into the graph, replacing whatever edge set the
// previous resolveAll produced.
func (a *Analyzer) resolveAll() {
	a.mu.Lock()
	inputs := make([]resolver.FileInput, 0, len(a.files))
	for _, rec := range a.files {
		inputs = append(inputs, rec.input)
	}
	staleEdges := a.resolvedEdge
	a.resolvedEdge = nil
	a.mu.Unlock()

	for _, id := range staleEdges {
		_ = a.graph.DeleteEdge(id)
	}

	output := a.res.Resolve(inputs)

	a.mu.Lock()
	defer a.mu.Unlock()

	var created []string
	for _, edge := range output.ResolvedEdges {
		srcID := a.resolveNodeIDLocked(edge.SourceID)
		dstID := a.resolveNodeIDLocked(edge.TargetID)
		if srcID == "" || dstID == "" {
			continue
		}
		edgeID, err := a.graph.CreateEdge(srcID, dstID, string(edge.Kind), map[string]any{"file_path": edge.FilePath, "line": edge.Line})
		if err != nil {
			continue
		}
		created = append(created, edgeID)
	}
	a.resolvedEdge = created

	a.dependents = output.Dependents
	a.dependencies = output.Dependencies

	for _, ref := range output.UnresolvedRefs {
		debug.LogAnalyzer("unresolved reference %q in %s: %s", ref.Symbol, ref.FilePath, ref.Reason)
	}
}

// resolveNodeIDLocked maps a resolver-space id (an entity id, a file
// path, or an external placeholder) to a concrete graph node id,
// minting an External node on first use of a placeholder. Caller must
// hold a.mu.
func (a *Analyzer) resolveNodeIDLocked(id string) string {
	for _, rec := range a.files {
		if nodeID, ok := rec.entityNodeIDs[id]; ok {
			return nodeID
		}
		if rec.input.FilePath == id {
			return rec.fileNodeID
		}
	}
	if nodeID, ok := a.externalNode[id]; ok {
		return nodeID
	}
	nodeID, err := a.graph.CreateNode("External", map[string]any{"symbol": id})
	if err != nil {
		return ""
	}
	a.externalNode[id] = nodeID
	return nodeID
}

// WatchLive subscribes to a watch.Watcher's batches and applies the
// live-update phase until ctx is cancelled or the watcher's channel
// closes.
func (a *Analyzer) WatchLive(ctx context.Context, w *watch.Watcher) {
	a.setPhase(PhaseLive)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Changes():
			if !ok {
				return
			}
			a.applyBatch(batch)
		}
	}
}

// applyBatch implements the live-update phase for one batch: each
// path is re-fingerprinted and re-analyzed (or torn down, for
// removals), then C5 is re-run over every tracked file, and once more
// if dependents were re-analyzed.
func (a *Analyzer) applyBatch(batch watch.BatchedChanges) {
	touchedDependents := make(map[string]bool)

	for _, change := range batch.Files {
		switch change.Kind {
		case watch.Removed:
			a.removeFile(change.Path, touchedDependents)
		default:
			a.reanalyzeFile(change.Path, touchedDependents)
		}
	}

	a.resolveAll()

	for path := range touchedDependents {
		a.reanalyzeFile(path, map[string]bool{})
	}
	if len(touchedDependents) > 0 {
		a.resolveAll()
	}
}

func (a *Analyzer) removeFile(path string, touched map[string]bool) {
	a.mu.Lock()
	old := a.files[path]
	delete(a.files, path)
	deps := append([]string(nil), a.dependents[path]...)
	a.mu.Unlock()

	if old == nil {
		return
	}

	unlock := a.pathLock.lock(path)
	a.teardown(old)
	unlock()

	for _, d := range deps {
		touched[d] = true
	}
}

func (a *Analyzer) reanalyzeFile(path string, touched map[string]bool) {
	fp, err := fingerprint.Of(path)
	if err != nil {
		a.removeFile(path, touched)
		return
	}

	a.mu.RLock()
	old := a.files[path]
	a.mu.RUnlock()
	if old != nil && old.fp.ContentHash == fp.ContentHash {
		return // unchanged content, nothing to do
	}

	var prevExports map[string]types.ExportKind
	if old != nil {
		prevExports = exportSet(old.input.Exports)
		a.cache.InvalidateByFile(path)
	}

	result, err := a.execute(context.Background(), types.AnalysisTask{Payload: path, TimeoutMs: a.opts.TaskTimeout.Milliseconds()})
	if err != nil {
		a.recordError(path, err)
		return
	}
	parsed := result.(parser.Result)

	a.integrate(path, fp, parsed)
	a.cacheResult(path, fp, parsed)

	if old != nil {
		newExports := exportSet(parsed.Exports)
		if exportsChanged(prevExports, newExports) {
			a.mu.RLock()
			deps := append([]string(nil), a.dependents[path]...)
			a.mu.RUnlock()
			for _, d := range deps {
				touched[d] = true
			}
		}
	}
}

func exportSet(exports []types.ExportInfo) map[string]types.ExportKind {
	out := make(map[string]types.ExportKind, len(exports))
	for _, e := range exports {
		out[e.Name] = e.Kind
	}
	return out
}

func exportsChanged(a, b map[string]types.ExportKind) bool {
	if len(a) != len(b) {
		return true
	}
	for name, kind := range a {
		if other, ok := b[name]; !ok || other != kind {
			return true
		}
	}
	return false
}
