// Package graphsql implements storage.Backend atop an embedded
// modernc.org/sqlite database, giving the "graph database" storage
// variant a real persisted nodes/edges/documents schema instead of an
// in-memory map.
package graphsql

import (
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path        TEXT PRIMARY KEY,
	data        BLOB NOT NULL,
	content_type TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	tags        TEXT
);
CREATE TABLE IF NOT EXISTS nodes (
	id    TEXT PRIMARY KEY,
	path  TEXT NOT NULL,
	kind  TEXT,
	embedding BLOB
);
CREATE TABLE IF NOT EXISTS edges (
	id        TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	file_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes(path);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
`

// Backend is a sqlite-backed storage.Backend. Documents are the
// path-keyed blobs the Backend interface exposes; nodes/edges are the
// graph structure layered on top, populated by the backend migrator
// through UpsertNode/UpsertEdge and carried through Export/Import as
// SnapshotRelationship.
type Backend struct {
	dbPath string
	db     *sql.DB
}

// New returns a graphsql.Backend whose sqlite file lives at
// <root>/kb.sqlite3. Init must be called before use.
func New(root string) *Backend {
	return &Backend{dbPath: filepath.Join(root, "kb.sqlite3")}
}

func (b *Backend) Init() error {
	db, err := sql.Open("sqlite", b.dbPath)
	if err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "graphsql.init", err).WithPath(b.dbPath)
	}
	db.SetMaxOpenConns(1) // modernc sqlite serializes writers; avoid SQLITE_BUSY races
	if _, err := db.Exec(schema); err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "graphsql.init", err).WithPath(b.dbPath)
	}
	b.db = db
	return nil
}

func (b *Backend) Health() (storage.HealthReport, error) {
	start := time.Now()
	if err := b.db.Ping(); err != nil {
		return storage.HealthReport{Healthy: false, Detail: err.Error()}, kberrors.New(kberrors.BackendUnavailable, "graphsql.health", err)
	}
	return storage.HealthReport{Healthy: true, Detail: "graphsql ok", Latency: time.Since(start)}, nil
}

func (b *Backend) Read(path string) ([]byte, storage.Meta, error) {
	row := b.db.QueryRow(`SELECT data, content_type, created_at, updated_at, tags FROM documents WHERE path = ?`, path)

	var data []byte
	var contentType, tags sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&data, &contentType, &createdAt, &updatedAt, &tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.Meta{}, kberrors.New(kberrors.NotFound, "graphsql.read", err).WithPath(path)
		}
		return nil, storage.Meta{}, kberrors.New(kberrors.BackendUnavailable, "graphsql.read", err).WithPath(path)
	}

	meta := storage.Meta{
		ContentType: contentType.String,
		CreatedAt:   time.Unix(0, createdAt),
		UpdatedAt:   time.Unix(0, updatedAt),
		Tags:        decodeTags(tags.String),
	}
	return data, meta, nil
}

func (b *Backend) Write(path string, data []byte, meta *storage.Meta) error {
	now := time.Now()
	createdAt := now.UnixNano()
	if _, _, err := b.Read(path); err == nil {
		var existingCreated int64
		row := b.db.QueryRow(`SELECT created_at FROM documents WHERE path = ?`, path)
		if scanErr := row.Scan(&existingCreated); scanErr == nil {
			createdAt = existingCreated
		}
	}

	contentType, tags := "", ""
	if meta != nil {
		contentType = meta.ContentType
		tags = encodeTags(meta.Tags)
	}

	_, err := b.db.Exec(`
		INSERT INTO documents (path, data, content_type, created_at, updated_at, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data=excluded.data, content_type=excluded.content_type, updated_at=excluded.updated_at, tags=excluded.tags
	`, path, data, contentType, createdAt, now.UnixNano(), tags)
	if err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "graphsql.write", err).WithPath(path)
	}
	return nil
}

func (b *Backend) Delete(path string) error {
	res, err := b.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "graphsql.delete", err).WithPath(path)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kberrors.New(kberrors.NotFound, "graphsql.delete", nil).WithPath(path)
	}
	return nil
}

func (b *Backend) List(dir string) ([]string, error) {
	like := "%"
	if dir != "" {
		like = strings.TrimSuffix(dir, "/") + "/%"
	}
	rows, err := b.db.Query(`SELECT path FROM documents WHERE path LIKE ? ORDER BY path`, like)
	if err != nil {
		return nil, kberrors.New(kberrors.BackendUnavailable, "graphsql.list", err).WithPath(dir)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, kberrors.New(kberrors.BackendUnavailable, "graphsql.list", err).WithPath(dir)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Search does a LIKE match over document bodies (case-insensitive for
// ASCII) and scores each hit by match count over document length. It
// does not compare embeddings: the nodes' embedding column is stored
// but Search never reads it, and opts.Fuzzy is ignored.
func (b *Backend) Search(query string, opts storage.SearchOptions) ([]storage.Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := b.db.Query(`SELECT path, data FROM documents WHERE data LIKE ?`, "%"+query+"%")
	if err != nil {
		return nil, kberrors.New(kberrors.BackendUnavailable, "graphsql.search", err)
	}
	defer rows.Close()

	var hits []storage.Hit
	for rows.Next() {
		var path string
		var data []byte
		if err := rows.Scan(&path, &data); err != nil {
			return nil, kberrors.New(kberrors.BackendUnavailable, "graphsql.search", err)
		}
		score := float64(strings.Count(strings.ToLower(string(data)), strings.ToLower(query))) / float64(max(len(data), 1))
		hits = append(hits, storage.Hit{Path: path, Score: score, Matches: lineMatches(string(data), query)})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func lineMatches(content, query string) []storage.MatchRange {
	var matches []storage.MatchRange
	lower := strings.ToLower(query)
	for i, line := range strings.Split(content, "\n") {
		if idx := strings.Index(strings.ToLower(line), lower); idx >= 0 {
			matches = append(matches, storage.MatchRange{Line: i + 1, StartCol: idx, EndCol: idx + len(query), LineText: line})
		}
	}
	return matches
}

// CosineSimilarity scores two equal-length embedding vectors, returning
// 0 for mismatched lengths, empty input or a zero-magnitude vector.
// Search does not call it.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// UpsertNode inserts or replaces a graph node, minting an id when id is
// empty. Called by the backend migrator rather than through the Backend
// interface.
func (b *Backend) UpsertNode(id, path, kind string, embedding []byte) error {
	if id == "" {
		id = uuid.NewString()
	}
	_, err := b.db.Exec(`
		INSERT INTO nodes (id, path, kind, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path=excluded.path, kind=excluded.kind, embedding=excluded.embedding
	`, id, path, kind, embedding)
	if err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "graphsql.upsert_node", err).WithPath(path)
	}
	return nil
}

// UpsertEdge inserts a new graph edge under a freshly minted id and
// returns that id; existing edges are never replaced.
func (b *Backend) UpsertEdge(sourceID, targetID, kind, filePath string) (string, error) {
	id := uuid.NewString()
	_, err := b.db.Exec(`INSERT INTO edges (id, source_id, target_id, kind, file_path) VALUES (?, ?, ?, ?, ?)`,
		id, sourceID, targetID, kind, filePath)
	if err != nil {
		return "", kberrors.New(kberrors.BackendUnavailable, "graphsql.upsert_edge", err).WithPath(filePath)
	}
	return id, nil
}

func (b *Backend) Export() (storage.Snapshot, error) {
	docs, err := b.List("")
	if err != nil {
		return storage.Snapshot{}, err
	}

	snap := storage.Snapshot{ExportedAt: time.Now(), SchemaVersion: schemaVersion}
	for _, path := range docs {
		data, meta, err := b.Read(path)
		if err != nil {
			return storage.Snapshot{}, err
		}
		snap.Documents = append(snap.Documents, storage.SnapshotDocument{Path: path, Data: data, Meta: meta})
	}

	rows, err := b.db.Query(`SELECT source_id, target_id, kind, file_path FROM edges`)
	if err != nil {
		return storage.Snapshot{}, kberrors.New(kberrors.BackendUnavailable, "graphsql.export", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r storage.SnapshotRelationship
		var filePath sql.NullString
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Kind, &filePath); err != nil {
			return storage.Snapshot{}, kberrors.New(kberrors.BackendUnavailable, "graphsql.export", err)
		}
		r.FilePath = filePath.String
		snap.Relationships = append(snap.Relationships, r)
	}
	return snap, nil
}

func (b *Backend) Import(snap storage.Snapshot) error {
	if snap.SchemaVersion != 0 && snap.SchemaVersion != schemaVersion {
		debug.Warn("STORAGE", "importing snapshot with schema_version %d into %d", snap.SchemaVersion, schemaVersion)
		return kberrors.New(kberrors.SchemaMismatch, "graphsql.import", fmt.Errorf("snapshot schema_version %d incompatible with %d", snap.SchemaVersion, schemaVersion))
	}

	for _, doc := range snap.Documents {
		meta := doc.Meta
		if err := b.Write(doc.Path, doc.Data, &meta); err != nil {
			return err
		}
	}
	for _, rel := range snap.Relationships {
		if _, err := b.UpsertEdge(rel.SourceID, rel.TargetID, rel.Kind, rel.FilePath); err != nil {
			return err
		}
	}
	return nil
}

func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	var sb strings.Builder
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(tags[k])
		sb.WriteByte(';')
	}
	return sb.String()
}

func decodeTags(encoded string) map[string]string {
	if encoded == "" {
		return nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(strings.TrimSuffix(encoded, ";"), ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			tags[kv[0]] = kv[1]
		}
	}
	return tags
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}
