package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/kberrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOf_ReturnsStableHashForSameContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	fp1, err := Of(path)
	require.NoError(t, err)
	fp2, err := Of(path)
	require.NoError(t, err)

	assert.Equal(t, fp1.ContentHash, fp2.ContentHash)
	assert.Equal(t, path, fp1.Path)
	assert.NotZero(t, fp1.Size)
}

func TestOf_DiffersOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	before, err := Of(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("package b\n"), 0o644))
	after, err := Of(path)
	require.NoError(t, err)

	assert.NotEqual(t, before.ContentHash, after.ContentHash)
}

func TestOf_MissingFileReturnsNotFound(t *testing.T) {
	_, err := Of(filepath.Join(t.TempDir(), "missing.go"))
	require.Error(t, err)
	assert.Equal(t, kberrors.NotFound, kberrors.KindOf(err))
}

func TestHashBytes_EmptyAndNilAreEqual(t *testing.T) {
	assert.Equal(t, HashBytes(nil), HashBytes([]byte{}))
}

func TestCacheKey_DeterministicAndDistinguishesInputs(t *testing.T) {
	k1 := CacheKey("file", "/a.go", "opts1", 1)
	k2 := CacheKey("file", "/a.go", "opts1", 1)
	assert.Equal(t, k1, k2)

	k3 := CacheKey("file", "/a.go", "opts1", 2)
	assert.NotEqual(t, k1, k3)

	k4 := CacheKey("project", "/a.go", "opts1", 1)
	assert.NotEqual(t, k1, k4)
}
