// Package types holds the shared data model (§3 of the service spec):
// file fingerprints, analysis tasks/results, the code entity/relationship
// schema, import/export records, and cache entries. Every component
// depends on this package rather than redefining these shapes locally.
package types

import "time"

// FileFingerprint identifies a file's analyzable state. Equality of
// ContentHash (not mtime) is what makes a cached analysis reusable;
// Mtime is advisory, used only for cross-cache invalidation (I3).
type FileFingerprint struct {
	Path        string
	ContentHash string
	Mtime       time.Time
	Size        int64
}

// TaskType enumerates the kinds of work the worker pool (C4) executes.
type TaskType string

const (
	TaskFile    TaskType = "file"
	TaskProject TaskType = "project"
	TaskPattern TaskType = "pattern"
	TaskDebt    TaskType = "debt"
	TaskQuery   TaskType = "query"
)

// AnalysisTask is a unit of work submitted to the worker pool. Higher
// Priority dispatches first; ties break on SubmittedAt (FIFO).
type AnalysisTask struct {
	ID            string
	Type          TaskType
	Payload       any
	Priority      int
	SubmittedAt   time.Time
	EstimatedMs   int64 // 0 means unknown
	TimeoutMs     int64 // 0 means no per-task timeout
}

// Metrics carries per-task execution telemetry.
type Metrics struct {
	DurationMs int64
	PeakBytes  int64
}

// AnalysisResult is exactly one of Value or Error, never both.
type AnalysisResult struct {
	TaskID  string
	OK      bool
	Value   any
	Error   error
	Metrics Metrics
}

// EntityKind enumerates CodeEntity.Kind.
type EntityKind string

const (
	EntityModule    EntityKind = "Module"
	EntityClass     EntityKind = "Class"
	EntityInterface EntityKind = "Interface"
	EntityFunction  EntityKind = "Function"
	EntityVariable  EntityKind = "Variable"
	EntityType      EntityKind = "Type"
	EntityImport    EntityKind = "Import"
	EntityExport    EntityKind = "Export"
	EntityFile      EntityKind = "File"
)

// CodeEntity is a first-class code construct stored as a knowledge-graph
// node. ID is stable across re-analyses of the same file iff
// (FilePath, Kind, Name, Line) matches a prior analysis (content-addressed
// identity, per spec §9's Open Question resolution); otherwise a fresh
// id is minted.
type CodeEntity struct {
	ID         string
	Kind       EntityKind
	Name       string
	FilePath   string
	Line       int
	Signature  string
	Metadata   map[string]any
	External   bool // true for placeholder entities (unresolved imports)
}

// RelationshipKind enumerates CodeRelationship.Kind.
type RelationshipKind string

const (
	RelCalls        RelationshipKind = "Calls"
	RelImports      RelationshipKind = "Imports"
	RelDependsOn    RelationshipKind = "DependsOn"
	RelInherits     RelationshipKind = "Inherits"
	RelImplements   RelationshipKind = "Implements"
	RelUses         RelationshipKind = "Uses"
	RelContains     RelationshipKind = "Contains"
	RelSimilarTo    RelationshipKind = "SimilarTo"
	RelTemporalNext RelationshipKind = "TemporalNext"
	RelTemporalPrev RelationshipKind = "TemporalPrev"
)

// CodeRelationship is a typed directed edge between two CodeEntity ids.
// Per invariant I1, SourceID and TargetID must each resolve to an
// existing entity, possibly a placeholder flagged External.
type CodeRelationship struct {
	ID       string
	SourceID string
	TargetID string
	Kind     RelationshipKind
	FilePath string
	Line     int
	Metadata map[string]any
}

// ExportKind distinguishes how a symbol is exported from a module.
type ExportKind string

const (
	ExportNamed     ExportKind = "named"
	ExportDefault   ExportKind = "default"
	ExportNamespace ExportKind = "namespace"
)

// ExportInfo is a source-file-scoped export record.
type ExportInfo struct {
	FilePath string
	Name     string
	Kind     ExportKind
	Line     int
}

// ImportInfo is a source-file-scoped import record. External is true
// when Source resolves outside the project root; external imports are
// never rewritten to point back into the project graph.
type ImportInfo struct {
	FilePath   string
	Source     string // raw specifier as written, e.g. "./a" or "lodash"
	Names      []string
	Default    string // non-empty if a default import was bound
	Namespace  string // non-empty if `import * as X` style was bound
	Line       int
	External   bool
	ResolvedTo string // absolute project path, once resolved
}

// CacheEntryMeta carries the side-metadata a CacheEntry uses for
// invalidation and classification.
type CacheEntryMeta struct {
	FileSize      int64
	FileMtime     time.Time
	AnalysisType  string
	SchemaVersion int
}

// CacheEntry is the unit of storage for the analysis cache (C2), both
// in memory and on disk (as JSON with base64-encoded ValueBytes when
// binary).
type CacheEntry struct {
	Key         string
	ValueBytes  []byte
	CreatedAt   time.Time
	TTLMs       int64
	AccessCount int64
	LastUsed    time.Time
	SizeBytes   int64
	ContentHash string
	Meta        CacheEntryMeta
}

// FileID is a process-local numeric handle for a file, distinct from
// the content-addressed CodeEntity.ID used for graph identity.
type FileID uint64
