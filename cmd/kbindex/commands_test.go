package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage/filetree"
	"github.com/standardbeagle/kbindex/internal/storage/graphsql"
)

func TestBuildBackend_DefaultsToFilesystem(t *testing.T) {
	root := t.TempDir()
	b, err := buildBackend(root, "")
	require.NoError(t, err)
	_, ok := b.(*filetree.Backend)
	assert.True(t, ok)
}

func TestBuildBackend_ExplicitFilesystem(t *testing.T) {
	root := t.TempDir()
	b, err := buildBackend(root, "filesystem")
	require.NoError(t, err)
	_, ok := b.(*filetree.Backend)
	assert.True(t, ok)
}

func TestBuildBackend_Graph(t *testing.T) {
	root := t.TempDir()
	b, err := buildBackend(root, "graph")
	require.NoError(t, err)
	_, ok := b.(*graphsql.Backend)
	assert.True(t, ok)
}

func TestBuildBackend_UnknownTypeIsInvalidArgument(t *testing.T) {
	_, err := buildBackend(t.TempDir(), "carrier-pigeon")
	require.Error(t, err)
	assert.Equal(t, kberrors.InvalidArgument, kberrors.KindOf(err))
}

func TestExitForErr_MapsInvalidArgumentToExitCodeTwo(t *testing.T) {
	err := exitForErr("read", kberrors.New(kberrors.InvalidArgument, "cli.read", nil))
	exitErr, ok := err.(interface{ ExitCode() int })
	require.True(t, ok)
	assert.Equal(t, 2, exitErr.ExitCode())
}

func TestExitForErr_MapsOtherKindsToExitCodeOne(t *testing.T) {
	err := exitForErr("read", kberrors.New(kberrors.NotFound, "cli.read", nil))
	exitErr, ok := err.(interface{ ExitCode() int })
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.ExitCode())
}
