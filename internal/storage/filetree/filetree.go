// Package filetree implements storage.Backend as a path-keyed blob
// store rooted at a directory on disk, with a line-oriented substring
// and fuzzy search mode.
package filetree

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hbollon/go-edlib"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
)

const (
	dataDir  = "kb"
	cacheDir = ".cache/analysis"
	auditLog = ".audit/audit.log"
)

// Backend is a filesystem-rooted storage.Backend. Blobs live under
// <root>/kb/<path>, mirroring the key's path segments. Every mutating
// call appends one line to .audit/audit.log.
type Backend struct {
	root string

	mu sync.Mutex // serializes writes and audit-log appends
}

// New returns a filetree.Backend rooted at root. Init must be called
// before use.
func New(root string) *Backend {
	return &Backend{root: root}
}

func (b *Backend) dataPath(key string) string {
	return filepath.Join(b.root, dataDir, filepath.FromSlash(key))
}

func (b *Backend) metaPath(key string) string {
	return b.dataPath(key) + ".meta.json"
}

// Init creates the on-disk layout and verifies the root is writable.
func (b *Backend) Init() error {
	for _, dir := range []string{dataDir, cacheDir, filepath.Dir(auditLog)} {
		full := filepath.Join(b.root, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return kberrors.New(kberrors.PermissionDenied, "filetree.init", err).WithPath(full)
		}
	}
	probe := filepath.Join(b.root, dataDir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return kberrors.New(kberrors.PermissionDenied, "filetree.init", err).WithPath(probe)
	}
	_ = os.Remove(probe)
	return nil
}

// Health reports liveness by statting the root directory.
func (b *Backend) Health() (storage.HealthReport, error) {
	start := time.Now()
	if _, err := os.Stat(filepath.Join(b.root, dataDir)); err != nil {
		return storage.HealthReport{Healthy: false, Detail: err.Error()}, kberrors.New(kberrors.BackendUnavailable, "filetree.health", err)
	}
	return storage.HealthReport{Healthy: true, Detail: "filetree ok", Latency: time.Since(start)}, nil
}

func (b *Backend) Read(path string) ([]byte, storage.Meta, error) {
	data, err := os.ReadFile(b.dataPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.Meta{}, kberrors.New(kberrors.NotFound, "filetree.read", err).WithPath(path)
		}
		return nil, storage.Meta{}, kberrors.New(kberrors.PermissionDenied, "filetree.read", err).WithPath(path)
	}

	var meta storage.Meta
	if raw, err := os.ReadFile(b.metaPath(path)); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return data, meta, nil
}

func (b *Backend) Write(path string, data []byte, meta *storage.Meta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	full := b.dataPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return b.audited("write", path, kberrors.New(kberrors.PermissionDenied, "filetree.write", err).WithPath(path))
	}

	now := time.Now()
	m := storage.Meta{CreatedAt: now, UpdatedAt: now}
	if existing, err := os.ReadFile(b.metaPath(path)); err == nil {
		var prior storage.Meta
		if json.Unmarshal(existing, &prior) == nil {
			m.CreatedAt = prior.CreatedAt
		}
	}
	if meta != nil {
		m.ContentType = meta.ContentType
		m.Tags = meta.Tags
	}

	if err := os.WriteFile(full, data, 0o644); err != nil {
		return b.audited("write", path, kberrors.New(kberrors.PermissionDenied, "filetree.write", err).WithPath(path))
	}
	raw, _ := json.Marshal(m)
	if err := os.WriteFile(b.metaPath(path), raw, 0o644); err != nil {
		debug.Warn("STORAGE", "failed to persist metadata for %s: %v", path, err)
	}
	return b.audited("write", path, nil)
}

func (b *Backend) Delete(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	full := b.dataPath(path)
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return b.audited("delete", path, kberrors.New(kberrors.NotFound, "filetree.delete", err).WithPath(path))
	}
	if err := os.Remove(full); err != nil {
		return b.audited("delete", path, kberrors.New(kberrors.PermissionDenied, "filetree.delete", err).WithPath(path))
	}
	_ = os.Remove(b.metaPath(path))
	return b.audited("delete", path, nil)
}

// List returns every key under dir (relative to the store root), or
// every key in the store when dir is empty.
func (b *Backend) List(dir string) ([]string, error) {
	base := filepath.Join(b.root, dataDir, filepath.FromSlash(dir))
	var keys []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".meta.json") {
			return nil
		}
		rel, relErr := filepath.Rel(filepath.Join(b.root, dataDir), p)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kberrors.New(kberrors.BackendUnavailable, "filetree.list", err).WithPath(dir)
	}
	sort.Strings(keys)
	return keys, nil
}

const searchWindow = 80

// Search scans every stored document for query, case-insensitively by
// default. With opts.Fuzzy, lines are additionally scored by
// edlib-computed Levenshtein similarity (of the whole line or of its
// best-matching word) and a match is reported when that similarity
// clears a fixed threshold even without an exact substring.
func (b *Backend) Search(query string, opts storage.SearchOptions) ([]storage.Hit, error) {
	keys, err := b.List("")
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var hits []storage.Hit
	for _, key := range keys {
		if opts.Category != "" && !strings.Contains(key, opts.Category) {
			continue
		}
		data, _, err := b.Read(key)
		if err != nil {
			continue
		}
		matches, score := scanLines(string(data), needle, opts.Fuzzy)
		if len(matches) == 0 {
			continue
		}
		hits = append(hits, storage.Hit{Path: key, Score: score, Matches: matches})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scanLines(content, needle string, fuzzy bool) ([]storage.MatchRange, float64) {
	var matches []storage.MatchRange
	var best float64

	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		lower := strings.ToLower(line)

		if idx := strings.Index(lower, needle); idx >= 0 {
			end := idx + len(needle)
			matches = append(matches, storage.MatchRange{Line: lineNo, StartCol: idx, EndCol: end, LineText: window(line, idx, end)})
			score := float64(len(needle)) / float64(max(len(line), 1))
			if score > best {
				best = score
			}
			continue
		}

		if fuzzy && needle != "" {
			sim, _ := edlib.StringsSimilarity(lower, needle, edlib.Levenshtein)
			for _, word := range strings.Fields(lower) {
				if s, err := edlib.StringsSimilarity(word, needle, edlib.Levenshtein); err == nil && s > sim {
					sim = s
				}
			}
			if float64(sim) >= 0.6 {
				matches = append(matches, storage.MatchRange{Line: lineNo, StartCol: 0, EndCol: len(line), LineText: window(line, 0, len(line))})
				if float64(sim) > best {
					best = float64(sim)
				}
			}
		}
	}
	return matches, best
}

func window(line string, start, end int) string {
	lo := max(0, start-searchWindow/2)
	hi := min(len(line), end+searchWindow/2)
	return line[lo:hi]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MatchGlob reports whether name matches a doublestar glob pattern.
// List and Search do not apply it; callers filter with it themselves.
func MatchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func (b *Backend) Export() (storage.Snapshot, error) {
	keys, err := b.List("")
	if err != nil {
		return storage.Snapshot{}, err
	}
	snap := storage.Snapshot{ExportedAt: time.Now(), SchemaVersion: 1}
	for _, key := range keys {
		data, meta, err := b.Read(key)
		if err != nil {
			return storage.Snapshot{}, err
		}
		snap.Documents = append(snap.Documents, storage.SnapshotDocument{Path: key, Data: data, Meta: meta})
	}
	return snap, nil
}

// Import writes every document in snap. Relationships carried in snap
// (from a graph-backed export) have no first-class home in a file
// tree, so they are folded into each affected document's tags as a
// degraded per-file record rather than dropped.
func (b *Backend) Import(snap storage.Snapshot) error {
	byPath := map[string][]string{}
	for _, rel := range snap.Relationships {
		byPath[rel.FilePath] = append(byPath[rel.FilePath], fmt.Sprintf("%s:%s->%s", rel.Kind, rel.SourceID, rel.TargetID))
	}

	for _, doc := range snap.Documents {
		meta := doc.Meta
		if rels := byPath[doc.Path]; len(rels) > 0 {
			if meta.Tags == nil {
				meta.Tags = map[string]string{}
			}
			meta.Tags["degraded_relationships"] = strings.Join(rels, ";")
		}
		if err := b.Write(doc.Path, doc.Data, &meta); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) audited(op, path string, opErr error) error {
	line := struct {
		Op        string    `json:"op"`
		Path      string    `json:"path"`
		Timestamp time.Time `json:"timestamp"`
		Error     string    `json:"error,omitempty"`
	}{Op: op, Path: path, Timestamp: time.Now()}
	if opErr != nil {
		line.Error = opErr.Error()
	}

	raw, _ := json.Marshal(line)
	f, err := os.OpenFile(filepath.Join(b.root, auditLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		defer f.Close()
		_, _ = f.Write(append(raw, '\n'))
	} else {
		debug.Warn("STORAGE", "audit log write failed: %v", err)
	}
	return opErr
}
