// Package migrator streams a file-tree store into a graph store (C8).
// New orchestration (the teacher has no document/markdown migration
// concern of its own), built in the same scan-then-report style as
// the indexing pipeline's scan loop, with front-matter and extractor
// parsing hand-written in the teacher's small-scanner-helper idiom
// (bufio.Scanner, one pass, no external YAML dependency).
package migrator

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
	"github.com/standardbeagle/kbindex/internal/storage/graphsql"
)

// Options configures a migration run.
type Options struct {
	DryRun         bool
	BatchSize      int
	SimilarityTopK int // 0 disables SimilarTo linking
	IncludeGlobs   []string
	ExcludeGlobs   []string
}

// Result is the summary a migration run returns, matching spec §4.8's
// { total, processed, failed, nodes, edges, errors, ms } shape.
type Result struct {
	Total     int
	Processed int
	Failed    int
	Nodes     int
	Edges     int
	Errors    []string
	Ms        int64
}

// Migrator streams markdown documents from src into dst, extracting a
// graph of Document/Concept/Fact/Event/Entity nodes along the way.
type Migrator struct {
	src  storage.Backend
	dst  *graphsql.Backend
	opts Options
}

// New constructs a Migrator. dst must be a *graphsql.Backend because
// only the graph-backed store exposes node/edge upsert; src is any
// storage.Backend, typically a filetree.Backend.
func New(src storage.Backend, dst *graphsql.Backend, opts Options) *Migrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Migrator{src: src, dst: dst, opts: opts}
}

// ForeignConfig is the subset of a foreign project's TOML config this
// migrator understands: include/exclude globs to seed its file filter
// before a tree migration, a supplemented feature that exercises
// go-toml/v2 rather than leaving it wired nowhere.
type ForeignConfig struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// LoadForeignConfig reads and parses a foreign project's TOML config
// file, returning the include/exclude globs it names.
func LoadForeignConfig(path string) (ForeignConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ForeignConfig{}, kberrors.New(kberrors.NotFound, "migrator.load_foreign_config", err).WithPath(path)
	}
	var cfg ForeignConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ForeignConfig{}, kberrors.New(kberrors.InvalidArgument, "migrator.load_foreign_config", err).WithPath(path)
	}
	return cfg, nil
}

// docRecord tracks one migrated document's minted node id and the
// concept headings extracted from it, the latter feeding the
// lexical-overlap SimilarTo pass.
type docRecord struct {
	path     string
	nodeID   string
	concepts map[string]bool
}

// Migrate streams every markdown document from src into dst.
func (m *Migrator) Migrate() (Result, error) {
	start := time.Now()

	keys, err := m.src.List("")
	if err != nil {
		return Result{}, err
	}

	var paths []string
	for _, k := range keys {
		if !strings.HasSuffix(k, ".md") && !strings.HasSuffix(k, ".markdown") {
			continue
		}
		if !m.allowed(k) {
			continue
		}
		paths = append(paths, k)
	}
	sort.Strings(paths)

	result := Result{Total: len(paths)}
	var docs []docRecord

	for batchStart := 0; batchStart < len(paths); batchStart += m.opts.BatchSize {
		end := batchStart + m.opts.BatchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[batchStart:end]

		for _, path := range batch {
			rec, nodes, edges, err := m.migrateOne(path)
			result.Processed++
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, path+": "+err.Error())
				continue
			}
			result.Nodes += nodes
			result.Edges += edges
			docs = append(docs, rec)
		}

		debug.LogMigrator("migrated batch %d-%d of %d documents", batchStart, end, len(paths))
	}

	if m.opts.SimilarityTopK > 0 && !m.opts.DryRun {
		result.Edges += m.linkSimilarDocuments(docs)
	}

	result.Ms = time.Since(start).Milliseconds()
	debug.LogMigrator("migration complete: %d/%d processed, %d failed, %d nodes, %d edges, %dms",
		result.Processed, result.Total, result.Failed, result.Nodes, result.Edges, result.Ms)
	return result, nil
}

func (m *Migrator) allowed(path string) bool {
	if len(m.opts.ExcludeGlobs) > 0 {
		for _, g := range m.opts.ExcludeGlobs {
			if ok, _ := doublestar.Match(g, path); ok {
				return false
			}
		}
	}
	if len(m.opts.IncludeGlobs) == 0 {
		return true
	}
	for _, g := range m.opts.IncludeGlobs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

func (m *Migrator) migrateOne(path string) (docRecord, int, int, error) {
	data, _, err := m.src.Read(path)
	if err != nil {
		return docRecord{}, 0, 0, err
	}

	front, body := splitFrontMatter(string(data))
	docID := uuid.NewString()
	nodes, edges := 0, 0

	if !m.opts.DryRun {
		meta := storage.Meta{Tags: front}
		if err := m.dst.Write(path, data, &meta); err != nil {
			return docRecord{}, 0, 0, err
		}
		if err := m.dst.UpsertNode(docID, path, "Document", nil); err != nil {
			return docRecord{}, 0, 0, err
		}
		nodes++
	}

	concepts := extractConcepts(body)
	facts := extractFacts(body)
	events := extractEvents(body)
	entities := extractEntities(body)

	conceptNames := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		conceptNames[c.Text] = true
	}

	if !m.opts.DryRun {
		for i := range concepts {
			id := uuid.NewString()
			if err := m.dst.UpsertNode(id, nodePath(path, "concept", i), "Concept", nil); err != nil {
				continue
			}
			nodes++
			if _, err := m.dst.UpsertEdge(id, docID, "Contains", path); err == nil {
				edges++
			}
		}
		for i := range facts {
			id := uuid.NewString()
			if err := m.dst.UpsertNode(id, nodePath(path, "fact", i), "Fact", nil); err != nil {
				continue
			}
			nodes++
			if _, err := m.dst.UpsertEdge(id, docID, "Contains", path); err == nil {
				edges++
			}
		}
		for i := range events {
			id := uuid.NewString()
			if err := m.dst.UpsertNode(id, nodePath(path, "event", i), "Event", nil); err != nil {
				continue
			}
			nodes++
			if _, err := m.dst.UpsertEdge(id, docID, "Contains", path); err == nil {
				edges++
			}
		}
		for i, ent := range entities {
			id := uuid.NewString()
			if err := m.dst.UpsertNode(id, nodePath(path, strings.ToLower(ent.Kind), i), ent.Kind, nil); err != nil {
				continue
			}
			nodes++
			if _, err := m.dst.UpsertEdge(id, docID, "Contains", path); err == nil {
				edges++
			}
		}
	}
	// Dry runs report processed=N, nodes=0, edges=0 per spec.md §8
	// Scenario 6: nothing is written, so nothing counts as created.

	return docRecord{path: path, nodeID: docID, concepts: conceptNames}, nodes, edges, nil
}

func nodePath(docPath, kind string, idx int) string {
	return fmt.Sprintf("%s#%s:%d", docPath, kind, idx)
}

// linkSimilarDocuments creates SimilarTo edges between the top-K most
// lexically-overlapping documents (by shared concept headings), a
// lightweight stand-in for the graph store's true embedding-based
// similarity search — no embedding collaborator is wired into this
// pipeline, so Jaccard overlap of extracted concepts is what's
// actually available to rank on.
func (m *Migrator) linkSimilarDocuments(docs []docRecord) int {
	edges := 0
	for i, a := range docs {
		type scored struct {
			idx   int
			score float64
		}
		var candidates []scored
		for j, b := range docs {
			if i == j {
				continue
			}
			score := jaccard(a.concepts, b.concepts)
			if score > 0 {
				candidates = append(candidates, scored{idx: j, score: score})
			}
		}
		sort.Slice(candidates, func(x, y int) bool { return candidates[x].score > candidates[y].score })
		if len(candidates) > m.opts.SimilarityTopK {
			candidates = candidates[:m.opts.SimilarityTopK]
		}
		for _, c := range candidates {
			if _, err := m.dst.UpsertEdge(a.nodeID, docs[c.idx].nodeID, "SimilarTo", a.path); err == nil {
				edges++
			}
		}
	}
	return edges
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// splitFrontMatter extracts a leading "---"-delimited front-matter
// block, parsed as flat key: value pairs (no nested YAML support),
// and returns it alongside the remaining body.
func splitFrontMatter(content string) (map[string]string, string) {
	front := make(map[string]string)
	if !strings.HasPrefix(content, "---") {
		return front, content
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Scan() // consume the opening "---" line

	var bodyLines []string
	inFront := true
	for scanner.Scan() {
		line := scanner.Text()
		if inFront {
			if strings.TrimSpace(line) == "---" {
				inFront = false
				continue
			}
			if key, value, ok := strings.Cut(line, ":"); ok {
				front[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
			}
			continue
		}
		bodyLines = append(bodyLines, line)
	}
	body := strings.Join(bodyLines, "\n")
	if len(bodyLines) > 0 && strings.HasSuffix(content, "\n") {
		body += "\n"
	}
	return front, body
}

// Concept is an extracted markdown heading.
type Concept struct {
	Text  string
	Level int
	Line  int
}

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

func extractConcepts(body string) []Concept {
	var out []Concept
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		m := headingPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Concept{Text: strings.TrimSpace(m[2]), Level: len(m[1]), Line: i + 1})
	}
	return out
}

var declarativeVerbs = []string{"is", "are", "was", "were", "has", "have", "can", "will", "must", "should"}

func extractFacts(body string) []string {
	var out []string
	for _, sentence := range splitSentences(body) {
		trimmed := strings.TrimSpace(sentence)
		if len(trimmed) <= 10 {
			continue
		}
		if containsAnyWord(trimmed, declarativeVerbs) {
			out = append(out, trimmed)
		}
	}
	return out
}

var sentenceSplit = regexp.MustCompile(`[.!?]\s+`)

func splitSentences(body string) []string {
	flattened := strings.ReplaceAll(body, "\n", " ")
	return sentenceSplit.Split(flattened, -1)
}

func containsAnyWord(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if wordBoundaryMatch(lower, w) {
			return true
		}
	}
	return false
}

func wordBoundaryMatch(s, word string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return strings.Contains(s, word)
	}
	return re.MatchString(s)
}

var dateToken = regexp.MustCompile(`\b\d{4}[-/]\d{2}[-/]\d{2}\b`)

var eventVerbs = []string{"happened", "occurred", "started", "began", "ended", "finished", "created", "updated", "released"}

func extractEvents(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if !dateToken.MatchString(line) {
			continue
		}
		if containsAnyWord(line, eventVerbs) {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// Entity is a span classified by one of the closed entity heuristics.
type Entity struct {
	Text string
	Kind string // Person, Organization, Acronym, Date, Version
}

var (
	personPattern  = regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`)
	orgPattern     = regexp.MustCompile(`\b[A-Z][\w&]*(?:\s[A-Z][\w&]*)*\s(?:Inc|Corp|LLC|Ltd|Co)\.?\b`)
	acronymPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	versionPattern = regexp.MustCompile(`\bv?\d+\.\d+(?:\.\d+)?\b`)
)

func extractEntities(body string) []Entity {
	var out []Entity
	seen := make(map[string]bool)

	add := func(text, kind string) {
		key := kind + ":" + text
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Entity{Text: text, Kind: kind})
	}

	for _, m := range orgPattern.FindAllString(body, -1) {
		add(m, "Organization")
	}
	for _, m := range dateToken.FindAllString(body, -1) {
		add(m, "Date")
	}
	for _, m := range versionPattern.FindAllString(body, -1) {
		add(m, "Version")
	}
	for _, m := range acronymPattern.FindAllString(body, -1) {
		add(m, "Acronym")
	}
	for _, m := range personPattern.FindAllString(body, -1) {
		add(m, "Person")
	}
	return out
}
