// Package storage defines the capability interface every knowledge-base
// storage variant implements, plus the shared types that cross the
// interface boundary (search hits, snapshots, health reports).
package storage

import "time"

// Meta is the side-metadata attached to a stored blob.
type Meta struct {
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Tags        map[string]string
}

// MatchRange is a single-line match location within a search hit.
type MatchRange struct {
	Line      int
	StartCol  int
	EndCol    int
	LineText  string
}

// Hit is one search result: a file, its relevance score, and the
// specific line ranges that matched.
type Hit struct {
	Path    string
	Score   float64
	Matches []MatchRange
}

// SearchOptions controls a Search call. Fuzzy is additive: file-tree
// backends honor it via edit-distance scoring; the graph backend
// ignores it and does a plain substring match.
type SearchOptions struct {
	Limit    int
	Category string
	Fuzzy    bool
}

// HealthReport is the liveness response from Health.
type HealthReport struct {
	Healthy bool
	Detail  string
	Latency time.Duration
}

// Snapshot is the lossless export format shared by every backend
// variant. Relationships are carried alongside documents so a
// graph→file-tree export can degrade them to per-file metadata instead
// of dropping them outright.
type Snapshot struct {
	Documents     []SnapshotDocument
	Relationships []SnapshotRelationship
	ExportedAt    time.Time
	SchemaVersion int
}

// SnapshotDocument is one stored blob plus its metadata, as carried in
// a Snapshot.
type SnapshotDocument struct {
	Path string
	Data []byte
	Meta Meta
}

// SnapshotRelationship is one graph edge, carried alongside documents so
// export/import round-trips preserve graph structure when both ends of
// the transfer are graph backends, and degrade gracefully otherwise.
type SnapshotRelationship struct {
	SourceID string
	TargetID string
	Kind     string
	FilePath string
}

// Backend is the capability interface every storage variant implements.
// Every method reports success/failure explicitly via its error return;
// callers branch on kberrors.Kind rather than comparing error values.
type Backend interface {
	Init() error
	Health() (HealthReport, error)

	Read(path string) ([]byte, Meta, error)
	Write(path string, data []byte, meta *Meta) error
	Delete(path string) error

	List(dir string) ([]string, error)
	Search(query string, opts SearchOptions) ([]Hit, error)

	Export() (Snapshot, error)
	Import(snap Snapshot) error
}
