package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestResolve_BindsRelativeImportToExport(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./b", Names: []string{"helper"}, Line: 1},
			},
		},
		{
			FilePath: "/proj/b.ts",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/b.ts", Name: "helper", Kind: types.ExportNamed, Line: 3},
			},
		},
	}

	out := r.Resolve(files)

	require.Len(t, out.UnresolvedRefs, 0)
	require.Len(t, out.ResolvedEdges, 1)
	assert.Equal(t, types.RelImports, out.ResolvedEdges[0].Kind)
}

func TestResolve_ExtensionProbingFindsImplicitExtension(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./b", Default: "Thing", Line: 1},
			},
		},
		{
			FilePath: "/proj/b.tsx",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/b.tsx", Kind: types.ExportDefault, Line: 1},
			},
		},
	}

	out := r.Resolve(files)
	require.Len(t, out.UnresolvedRefs, 0)
	require.Len(t, out.ResolvedEdges, 1)
}

func TestResolve_UnmatchedExportProducesUnresolvedReference(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./b", Names: []string{"missing"}, Line: 1},
			},
		},
		{
			FilePath: "/proj/b.ts",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/b.ts", Name: "present", Kind: types.ExportNamed, Line: 1},
			},
		},
	}

	out := r.Resolve(files)
	require.Len(t, out.ResolvedEdges, 0)
	require.Len(t, out.UnresolvedRefs, 1)
	assert.Equal(t, "missing", out.UnresolvedRefs[0].Symbol)
}

func TestResolve_UnresolvableSourceMarksImportExternal(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "lodash", Names: []string{"map"}, Line: 1},
			},
		},
	}

	out := r.Resolve(files)
	assert.Empty(t, out.ResolvedEdges)
	assert.Empty(t, out.UnresolvedRefs)
}

func TestResolve_AliasRootResolvesImport(t *testing.T) {
	r := New("/proj", map[string]string{"@/": "/proj/src"})

	files := []FileInput{
		{
			FilePath: "/proj/src/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/src/a.ts", Source: "@/util", Names: []string{"fmtDate"}, Line: 2},
			},
		},
		{
			FilePath: "/proj/src/util.ts",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/src/util.ts", Name: "fmtDate", Kind: types.ExportNamed, Line: 1},
			},
		},
	}

	out := r.Resolve(files)
	require.Len(t, out.ResolvedEdges, 1)
	require.Empty(t, out.UnresolvedRefs)
}

func TestResolve_RewritesExternalCallTargetViaVisibleImport(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Entities: []types.CodeEntity{
				{ID: "/proj/a.ts#main", Kind: types.EntityFunction, Name: "main", FilePath: "/proj/a.ts"},
			},
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./b", Names: []string{"helper"}, ResolvedTo: "/proj/b.ts", Line: 1},
			},
			Relationships: []types.CodeRelationship{
				{SourceID: "/proj/a.ts#main", TargetID: "external#helper", Kind: types.RelCalls, FilePath: "/proj/a.ts", Line: 5},
			},
		},
		{
			FilePath: "/proj/b.ts",
			Entities: []types.CodeEntity{
				{ID: "/proj/b.ts#helper", Kind: types.EntityFunction, Name: "helper", FilePath: "/proj/b.ts"},
			},
		},
	}

	out := r.Resolve(files)

	var callEdge, dependsEdge *types.CodeRelationship
	for i := range out.ResolvedEdges {
		e := out.ResolvedEdges[i]
		switch e.Kind {
		case types.RelCalls:
			callEdge = &e
		case types.RelDependsOn:
			dependsEdge = &e
		}
	}

	require.NotNil(t, callEdge)
	assert.Equal(t, "/proj/b.ts#helper", callEdge.TargetID)

	require.NotNil(t, dependsEdge)
	assert.Equal(t, "/proj/a.ts", dependsEdge.SourceID)
	assert.Equal(t, "/proj/b.ts", dependsEdge.TargetID)

	assert.Equal(t, []string{"/proj/b.ts"}, out.Dependencies["/proj/a.ts"])
	assert.Equal(t, []string{"/proj/a.ts"}, out.Dependents["/proj/b.ts"])
}

func TestResolve_UnrewritableCallProducesUnresolvedReference(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Relationships: []types.CodeRelationship{
				{SourceID: "/proj/a.ts#main", TargetID: "external#ghost", Kind: types.RelCalls, FilePath: "/proj/a.ts", Line: 9},
			},
		},
	}

	out := r.Resolve(files)
	require.Len(t, out.UnresolvedRefs, 1)
	assert.Equal(t, "ghost", out.UnresolvedRefs[0].Symbol)
}

func TestResolve_IsIdempotentAcrossRepeatedRuns(t *testing.T) {
	r := New("/proj", nil)
	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./b", Names: []string{"helper"}, Line: 1},
			},
		},
		{
			FilePath: "/proj/b.ts",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/b.ts", Name: "helper", Kind: types.ExportNamed, Line: 3},
			},
		},
	}

	first := r.Resolve(files)
	second := r.Resolve(files)

	assert.Equal(t, len(first.ResolvedEdges), len(second.ResolvedEdges))
	assert.Equal(t, len(first.UnresolvedRefs), len(second.UnresolvedRefs))
}

func TestResolve_NamespaceImportBindsToWholeModule(t *testing.T) {
	r := New("/proj", nil)

	files := []FileInput{
		{
			FilePath: "/proj/a.ts",
			Imports: []types.ImportInfo{
				{FilePath: "/proj/a.ts", Source: "./utils", Namespace: "Utils", Line: 1},
			},
		},
		{
			FilePath: "/proj/utils.ts",
			Exports: []types.ExportInfo{
				{FilePath: "/proj/utils.ts", Name: "a", Kind: types.ExportNamed, Line: 1},
				{FilePath: "/proj/utils.ts", Name: "b", Kind: types.ExportNamed, Line: 2},
			},
		},
	}

	out := r.Resolve(files)
	require.Len(t, out.ResolvedEdges, 1)
	assert.Equal(t, types.RelImports, out.ResolvedEdges[0].Kind)
}
