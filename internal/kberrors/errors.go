// Package kberrors defines the closed error taxonomy shared by every
// component of the knowledge-base index service. Components never
// surface raw errors across a boundary: they wrap failures in *Error
// with one of the Kind values below, so callers can branch on Is/As
// instead of string matching.
package kberrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the closed error taxonomy from the service spec.
type Kind string

const (
	// User-visible, non-fatal.
	NotFound         Kind = "not_found"
	AlreadyExists    Kind = "already_exists"
	PermissionDenied Kind = "permission_denied"
	InvalidArgument  Kind = "invalid_argument"
	SchemaMismatch   Kind = "schema_mismatch"

	// Transient, retriable at the caller's discretion.
	Timeout      Kind = "timeout"
	Cancelled    Kind = "cancelled"
	ShuttingDown Kind = "shutting_down"
	QueueFull    Kind = "queue_full"
	RateLimited  Kind = "rate_limited"

	// Internal, recovered locally.
	WorkerCrashed     Kind = "worker_crashed"
	BackendUnavailable Kind = "backend_unavailable"
	CorruptCacheEntry  Kind = "corrupt_cache_entry"

	// Typed wrapper; recorded per-task, never fails an enclosing batch.
	AnalysisFailure Kind = "analysis_failure"

	// Not an error per se; attached to resolver output as a structured record.
	Unresolved Kind = "unresolved"

	// Fallback for errors that do not map cleanly onto the above.
	Internal Kind = "internal"
)

// Error is the single error shape used across every component boundary.
type Error struct {
	Kind      Kind
	Op        string // the operation that failed, e.g. "cache.get", "worker.submit"
	Path      string // file or resource path, when applicable
	Err       error  // underlying cause, may be nil
	Timestamp time.Time
}

// New creates an Error of the given kind for the given operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Timestamp: time.Now()}
}

// WithPath attaches a path to the error and returns it for chaining.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s failed for %s: %v", e.Kind, e.Op, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: %s failed for %s", e.Kind, e.Op, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, kberrors.New(kberrors.NotFound, "", nil)) or,
// more conveniently, use Is(err, kind) below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Is reports whether err is a *kberrors.Error (possibly wrapped) of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err: "" for a nil err, Internal if err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Recoverable reports whether a caller may usefully retry the operation
// that produced err.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case Timeout, QueueFull, RateLimited, BackendUnavailable:
		return true
	default:
		return false
	}
}

// MultiError aggregates independent failures from a batch operation,
// e.g. partial failures within a worker-pool submit_batch or a project
// scan, where no single file error should fail the whole operation.
type MultiError struct {
	Errs []error
}

// NewMultiError filters nils and returns an aggregate error, or nil if
// every entry was nil.
func NewMultiError(errs []error) error {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return &MultiError{Errs: filtered}
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errs) == 1 {
		return m.Errs[0].Error()
	}
	return fmt.Sprintf("%d errors, first: %v", len(m.Errs), m.Errs[0])
}

// Unwrap supports errors.Is/As traversal of every aggregated error.
func (m *MultiError) Unwrap() []error {
	return m.Errs
}
