package kberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrapsAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := New(BackendUnavailable, "storage.write", cause).WithPath("kb/a.md")

	require.ErrorIs(t, err, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "kb/a.md")
	assert.Contains(t, err.Error(), "backend_unavailable")
}

func TestIs_MatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit failed: %w", New(QueueFull, "worker.submit", nil))
	assert.True(t, Is(err, QueueFull))
	assert.False(t, Is(err, Timeout))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Internal, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, NotFound, KindOf(New(NotFound, "storage.read", nil)))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(New(Timeout, "worker.submit", nil)))
	assert.True(t, Recoverable(New(QueueFull, "worker.submit", nil)))
	assert.False(t, Recoverable(New(NotFound, "storage.read", nil)))
	assert.False(t, Recoverable(fmt.Errorf("plain")))
}

func TestNewMultiError_FiltersNilsAndUnwraps(t *testing.T) {
	e1 := New(AnalysisFailure, "analyze", fmt.Errorf("parse fail"))
	err := NewMultiError([]error{nil, e1, nil})
	require.Error(t, err)
	assert.True(t, errors.Is(err, e1) || Is(err, AnalysisFailure))

	var multi *MultiError
	require.True(t, errors.As(err, &multi))
	assert.Len(t, multi.Errs, 1)
}

func TestNewMultiError_AllNilReturnsNil(t *testing.T) {
	assert.NoError(t, NewMultiError([]error{nil, nil}))
}
