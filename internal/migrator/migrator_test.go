package migrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/storage/filetree"
	"github.com/standardbeagle/kbindex/internal/storage/graphsql"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBackends(t *testing.T) (*filetree.Backend, *graphsql.Backend) {
	t.Helper()
	src := filetree.New(t.TempDir())
	require.NoError(t, src.Init())
	dst := graphsql.New(t.TempDir())
	require.NoError(t, dst.Init())
	t.Cleanup(func() { _ = dst.Close() })
	return src, dst
}

func writeDoc(t *testing.T, src *filetree.Backend, path, content string) {
	t.Helper()
	require.NoError(t, src.Write(path, []byte(content), nil))
}

func TestMigrate_CreatesDocumentAndConceptNodes(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "notes/intro.md", `---
title: Intro
---
# Overview

This project is a knowledge base.

## Details

The system has several components.
`)

	m := New(src, dst, Options{BatchSize: 10})
	result, err := m.Migrate()
	require.NoError(t, err)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Greater(t, result.Nodes, 1)
	assert.Greater(t, result.Edges, 0)
}

func TestMigrate_DryRunWritesNothing(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "a.md", "# Heading\n\nThis is a fact about the system.\n")

	m := New(src, dst, Options{BatchSize: 10, DryRun: true})
	result, err := m.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Nodes)
	assert.Equal(t, 0, result.Edges)
	assert.Empty(t, result.Errors)

	keys, err := dst.List("")
	require.NoError(t, err)
	assert.Empty(t, keys, "dry run must not write any documents to the destination")
}

func TestMigrate_ExtractsFactsAndEvents(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "a.md", `# Log

The service is stable and reliable.

Release 2024-03-01 the team released version 1.2.0.
`)

	m := New(src, dst, Options{BatchSize: 10})
	result, err := m.Migrate()
	require.NoError(t, err)
	assert.Greater(t, result.Nodes, 2)
}

func TestMigrate_SkipsNonMarkdownFiles(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "data.json", `{"key": "value"}`)
	writeDoc(t, src, "readme.md", "# Readme\n")

	m := New(src, dst, Options{BatchSize: 10})
	result, err := m.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestMigrate_HonorsExcludeGlobs(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "drafts/wip.md", "# WIP\n")
	writeDoc(t, src, "final.md", "# Final\n")

	m := New(src, dst, Options{BatchSize: 10, ExcludeGlobs: []string{"drafts/**"}})
	result, err := m.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestMigrate_SimilarityLinksOverlappingDocuments(t *testing.T) {
	src, dst := newBackends(t)
	writeDoc(t, src, "a.md", "# Caching\n\n## Eviction\n")
	writeDoc(t, src, "b.md", "# Caching\n\n## Eviction\n")
	writeDoc(t, src, "c.md", "# Unrelated Topic\n")

	m := New(src, dst, Options{BatchSize: 10, SimilarityTopK: 1})
	result, err := m.Migrate()
	require.NoError(t, err)
	assert.Greater(t, result.Edges, 0)
}

func TestSplitFrontMatter_ParsesKeyValuePairs(t *testing.T) {
	front, body := splitFrontMatter("---\ntitle: Hello World\nauthor: Jane\n---\nBody text\n")
	assert.Equal(t, "Hello World", front["title"])
	assert.Equal(t, "Jane", front["author"])
	assert.Equal(t, "Body text\n", body)
}

func TestSplitFrontMatter_NoFrontMatterReturnsWholeBody(t *testing.T) {
	front, body := splitFrontMatter("# Just a heading\n")
	assert.Empty(t, front)
	assert.Equal(t, "# Just a heading\n", body)
}

func TestExtractConcepts_FindsHeadingsByLevel(t *testing.T) {
	concepts := extractConcepts("# Top\n\n## Sub\n\nSome text\n\n### Deep\n")
	require.Len(t, concepts, 3)
	assert.Equal(t, 1, concepts[0].Level)
	assert.Equal(t, "Top", concepts[0].Text)
	assert.Equal(t, 2, concepts[1].Level)
	assert.Equal(t, 3, concepts[2].Level)
}

func TestExtractFacts_RequiresDeclarativeVerbAndMinLength(t *testing.T) {
	facts := extractFacts("Short. This is a longer declarative sentence. Ok go.")
	require.Len(t, facts, 1)
	assert.Contains(t, facts[0], "declarative")
}

func TestExtractEvents_RequiresDateAndEventVerb(t *testing.T) {
	events := extractEvents("Nothing happened here without a date.\nOn 2023-11-05 the team released the update.\n")
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "2023-11-05")
}

func TestExtractEntities_ClassifiesAcronymsAndVersions(t *testing.T) {
	entities := extractEntities("The API uses version 2.3.1 and was reviewed by John Smith.")
	var kinds []string
	for _, e := range entities {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "Acronym")
	assert.Contains(t, kinds, "Version")
	assert.Contains(t, kinds, "Person")
}

func TestLoadForeignConfig_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("include = [\"**/*.md\"]\nexclude = [\"drafts/**\"]\n"), 0o644))

	cfg, err := LoadForeignConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"**/*.md"}, cfg.Include)
	assert.Equal(t, []string{"drafts/**"}, cfg.Exclude)
}
