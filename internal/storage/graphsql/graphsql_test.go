package graphsql

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(t.TempDir())
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInit_CreatesDatabaseFile(t *testing.T) {
	root := t.TempDir()
	b := New(root)
	require.NoError(t, b.Init())
	defer b.Close()

	report, err := b.Health()
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.FileExists(t, filepath.Join(root, "kb.sqlite3"))
}

func TestWriteReadDelete_RoundTrip(t *testing.T) {
	b := newBackend(t)

	require.NoError(t, b.Write("a.md", []byte("alpha"), &storage.Meta{ContentType: "text/plain", Tags: map[string]string{"k": "v"}}))

	data, meta, err := b.Read("a.md")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Equal(t, "text/plain", meta.ContentType)
	assert.Equal(t, "v", meta.Tags["k"])

	require.NoError(t, b.Delete("a.md"))
	_, _, err = b.Read("a.md")
	require.Error(t, err)
	assert.Equal(t, kberrors.NotFound, kberrors.KindOf(err))
}

func TestDelete_MissingPathIsNotFound(t *testing.T) {
	b := newBackend(t)
	err := b.Delete("missing.md")
	require.Error(t, err)
	assert.Equal(t, kberrors.NotFound, kberrors.KindOf(err))
}

func TestList_FiltersByDirPrefix(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.Write("docs/a.md", []byte("a"), nil))
	require.NoError(t, b.Write("notes/b.md", []byte("b"), nil))

	paths, err := b.List("docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.md"}, paths)
}

func TestSearch_MatchesDocumentContent(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.Write("a.md", []byte("the quick brown fox"), nil))

	hits, err := b.Search("quick", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.md", hits[0].Path)
}

func TestUpsertNodeAndEdge_ExportCarriesRelationships(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.Write("a.go", []byte("package a"), nil))

	require.NoError(t, b.UpsertNode("n1", "a.go", "Function", nil))
	_, err := b.UpsertEdge("n1", "n2", "Calls", "a.go")
	require.NoError(t, err)

	snap, err := b.Export()
	require.NoError(t, err)
	require.Len(t, snap.Relationships, 1)
	assert.Equal(t, "Calls", snap.Relationships[0].Kind)
}

func TestImport_RejectsIncompatibleSchemaVersion(t *testing.T) {
	b := newBackend(t)
	err := b.Import(storage.Snapshot{SchemaVersion: schemaVersion + 1})
	require.Error(t, err)
	assert.Equal(t, kberrors.SchemaMismatch, kberrors.KindOf(err))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, float64(0), CosineSimilarity(nil, []float64{1}))
}

func TestImport_RoundTripsAcrossBackends(t *testing.T) {
	src := newBackend(t)
	require.NoError(t, src.Write("a.md", []byte("alpha"), nil))
	snap, err := src.Export()
	require.NoError(t, err)

	dst := newBackend(t)
	require.NoError(t, dst.Import(snap))

	data, _, err := dst.Read("a.md")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}
