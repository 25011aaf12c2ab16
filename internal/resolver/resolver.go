// Package resolver implements the cross-file resolution pipeline (C5):
// a six-stage pass over per-file entity/import/export records that
// builds the project-wide dependency graph from individually-analyzed
// files. Grounded on the map-of-slices indexing idiom and two-pass
// resolve-then-link structure of an import-resolution engine, but
// implementing the spec's stage list verbatim rather than the regex
// heuristics that engine used for its own language detection.
package resolver

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/types"
)

// UnresolvedRef is a structured record of an import or reference that
// could not be bound to a known export.
type UnresolvedRef struct {
	FilePath string
	Symbol   string
	Reason   string
}

// FileInput is one file's freshly-analyzed material, the resolver's
// unit of input.
type FileInput struct {
	FilePath      string
	Entities      []types.CodeEntity
	Relationships []types.CodeRelationship
	Imports       []types.ImportInfo
	Exports       []types.ExportInfo
}

// Output is the resolver's result: the resolved edge set, every
// unresolved reference found along the way, and the file dependency
// graph derived from DependsOn edges.
type Output struct {
	ResolvedEdges  []types.CodeRelationship
	UnresolvedRefs []UnresolvedRef
	Dependents     map[string][]string
	Dependencies   map[string][]string
}

// extensionProbeOrder is tried, in order, when a relative import
// specifier omits its extension.
var extensionProbeOrder = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

// Resolver runs the six-stage pipeline over a batch of FileInputs. A
// Resolver instance is stateless across Resolve calls; every call
// re-derives its indexes from the inputs given, so re-running with the
// same inputs is idempotent.
type Resolver struct {
	aliasRoots map[string]string // configured alias → absolute project path
	projectRoot string
}

// New constructs a Resolver. aliasRoots maps a configured alias prefix
// (e.g. "@/") to an absolute directory, the last module-path
// resolution strategy in spec §4.5 stage 2.
func New(projectRoot string, aliasRoots map[string]string) *Resolver {
	return &Resolver{projectRoot: projectRoot, aliasRoots: aliasRoots}
}

// index is the stage-1 output: entities/exports/imports keyed every
// way later stages need them.
type index struct {
	entitiesByID   map[string]*types.CodeEntity
	entitiesByFile map[string][]*types.CodeEntity
	entitiesByName map[string][]*types.CodeEntity
	exportsByFile  map[string][]types.ExportInfo
	importsByFile  map[string][]types.ImportInfo
}

func buildIndex(files []FileInput) *index {
	idx := &index{
		entitiesByID:   make(map[string]*types.CodeEntity),
		entitiesByFile: make(map[string][]*types.CodeEntity),
		entitiesByName: make(map[string][]*types.CodeEntity),
		exportsByFile:  make(map[string][]types.ExportInfo),
		importsByFile:  make(map[string][]types.ImportInfo),
	}

	for _, f := range files {
		for i := range f.Entities {
			e := &f.Entities[i]
			idx.entitiesByID[e.ID] = e
			idx.entitiesByFile[f.FilePath] = append(idx.entitiesByFile[f.FilePath], e)
			idx.entitiesByName[e.Name] = append(idx.entitiesByName[e.Name], e)
		}
		idx.exportsByFile[f.FilePath] = append(idx.exportsByFile[f.FilePath], f.Exports...)
		idx.importsByFile[f.FilePath] = append(idx.importsByFile[f.FilePath], f.Imports...)
	}
	return idx
}

// Resolve runs all six stages over files and returns the combined
// project-wide output.
func (r *Resolver) Resolve(files []FileInput) Output {
	idx := buildIndex(files)

	resolvedImports, unresolved := r.resolveModulePaths(idx, files)
	edges, bindUnresolved := r.bindImportsExports(idx, resolvedImports)
	unresolved = append(unresolved, bindUnresolved...)

	relEdges := make([]types.CodeRelationship, 0, len(edges))
	relEdges = append(relEdges, edges...)

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, f := range files {
		f := f
		f.Imports = resolvedImports[f.FilePath] // stage 2 output, with ResolvedTo set
		g.Go(func() error {
			calls, callUnresolved := r.resolveRelationshipKind(idx, f, types.RelCalls)
			inherits, inheritUnresolved := r.resolveRelationshipKind(idx, f, types.RelInherits)
			implements, implementUnresolved := r.resolveRelationshipKind(idx, f, types.RelImplements)

			mu.Lock()
			relEdges = append(relEdges, calls...)
			relEdges = append(relEdges, inherits...)
			relEdges = append(relEdges, implements...)
			unresolved = append(unresolved, callUnresolved...)
			unresolved = append(unresolved, inheritUnresolved...)
			unresolved = append(unresolved, implementUnresolved...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // stages run independently per file; none can fail

	dependents, dependencies := buildFileDependencyGraph(relEdges)

	debug.LogResolver("resolved %d edges, %d unresolved references across %d files", len(relEdges), len(unresolved), len(files))

	return Output{
		ResolvedEdges:  relEdges,
		UnresolvedRefs: unresolved,
		Dependents:     dependents,
		Dependencies:   dependencies,
	}
}

// resolveModulePaths is stage 2: resolve each import's raw specifier to
// an absolute project path, or mark it External.
func (r *Resolver) resolveModulePaths(idx *index, files []FileInput) (map[string][]types.ImportInfo, []UnresolvedRef) {
	resolved := make(map[string][]types.ImportInfo)
	var unresolved []UnresolvedRef

	exportingFiles := make(map[string]bool, len(idx.exportsByFile))
	for path := range idx.exportsByFile {
		exportingFiles[path] = true
	}

	for _, f := range files {
		for _, imp := range f.Imports {
			resolvedPath, ok := r.resolveOne(f.FilePath, imp.Source, exportingFiles)
			if !ok {
				imp.External = true
			} else {
				imp.ResolvedTo = resolvedPath
			}
			resolved[f.FilePath] = append(resolved[f.FilePath], imp)
		}
	}
	return resolved, unresolved
}

func (r *Resolver) resolveOne(importerFile, source string, known map[string]bool) (string, bool) {
	// (a) relative-to-importer with extension probing.
	if strings.HasPrefix(source, ".") {
		base := filepath.Join(filepath.Dir(importerFile), source)
		if ok := known[base]; ok {
			return base, true
		}
		for _, ext := range extensionProbeOrder {
			candidate := base + ext
			if known[candidate] {
				return candidate, true
			}
		}
		// (c) directory + index.<ext>
		for _, ext := range extensionProbeOrder {
			candidate := filepath.Join(base, "index"+ext)
			if known[candidate] {
				return candidate, true
			}
		}
		return "", false
	}

	// (b) absolute from project root.
	if r.projectRoot != "" {
		abs := filepath.Join(r.projectRoot, source)
		if known[abs] {
			return abs, true
		}
		for _, ext := range extensionProbeOrder {
			if known[abs+ext] {
				return abs + ext, true
			}
		}
	}

	// (d) configured alias roots.
	for alias, root := range r.aliasRoots {
		if strings.HasPrefix(source, alias) {
			rest := strings.TrimPrefix(source, alias)
			candidate := filepath.Join(root, rest)
			if known[candidate] {
				return candidate, true
			}
			for _, ext := range extensionProbeOrder {
				if known[candidate+ext] {
					return candidate + ext, true
				}
			}
		}
	}

	return "", false
}

// bindImportsExports is stage 3: for each resolved import, locate the
// matching export and produce an Imports edge, or an unresolved
// reference with a structured reason.
func (r *Resolver) bindImportsExports(idx *index, resolvedImports map[string][]types.ImportInfo) ([]types.CodeRelationship, []UnresolvedRef) {
	var edges []types.CodeRelationship
	var unresolved []UnresolvedRef

	for importerFile, imports := range resolvedImports {
		for _, imp := range imports {
			if imp.External {
				continue
			}

			exports := idx.exportsByFile[imp.ResolvedTo]
			names := imp.Names
			if imp.Default != "" {
				names = append(names, imp.Default)
			}
			if imp.Namespace != "" {
				// namespace binds to the whole module; treat as resolved if the
				// module has any export at all.
				if len(exports) > 0 {
					edges = append(edges, makeImportEdge(importerFile, imp.ResolvedTo, imp.Namespace, imp.Line))
				} else {
					unresolved = append(unresolved, UnresolvedRef{
						FilePath: importerFile,
						Symbol:   imp.Namespace,
						Reason:   unresolvedReason(imp.Namespace, imp.ResolvedTo),
					})
				}
				continue
			}

			for _, name := range names {
				if matchExport(exports, name, imp.Default != "" && name == imp.Default) {
					edges = append(edges, makeImportEdge(importerFile, imp.ResolvedTo, name, imp.Line))
				} else {
					unresolved = append(unresolved, UnresolvedRef{
						FilePath: importerFile,
						Symbol:   name,
						Reason:   unresolvedReason(name, imp.ResolvedTo),
					})
				}
			}
		}
	}
	return edges, unresolved
}

func unresolvedReason(symbol, module string) string {
	moduleDisplay := module
	if moduleDisplay == "" {
		moduleDisplay = "<unresolved module>"
	}
	return "Export '" + symbol + "' not found in module '" + moduleDisplay + "'"
}

// matchExport applies the tie-break rule: exact name match for named
// imports; the single default export for a default import; first in
// file order wins on ambiguity.
func matchExport(exports []types.ExportInfo, name string, wantDefault bool) bool {
	var matches []types.ExportInfo
	for _, e := range exports {
		if wantDefault && e.Kind == types.ExportDefault {
			matches = append(matches, e)
			continue
		}
		if !wantDefault && e.Name == name && e.Kind != types.ExportDefault {
			matches = append(matches, e)
		}
	}
	return len(matches) > 0
}

func makeImportEdge(sourceFile, targetFile, symbol string, line int) types.CodeRelationship {
	return types.CodeRelationship{
		SourceID: entityRef(sourceFile, symbol),
		TargetID: entityRef(targetFile, symbol),
		Kind:     types.RelImports,
		FilePath: sourceFile,
		Line:     line,
	}
}

// entityRef is a placeholder identity used when the resolver has a
// symbol name and a file but not yet a concrete CodeEntity.ID; C6 maps
// each such id to an "External" placeholder node during integration.
func entityRef(file, symbol string) string {
	return file + "#" + symbol
}

// resolveRelationshipKind is stages 4–5: for every edge of kind whose
// target is an external placeholder, attempt to rewrite the target via
// the importer's visible symbols (named imports, default, namespace
// member).
func (r *Resolver) resolveRelationshipKind(idx *index, f FileInput, kind types.RelationshipKind) ([]types.CodeRelationship, []UnresolvedRef) {
	var edges []types.CodeRelationship
	var unresolved []UnresolvedRef

	visible := visibleSymbols(f.Imports)

	for _, rel := range f.Relationships {
		if rel.Kind != kind {
			continue
		}
		target, ok := idx.entitiesByID[rel.TargetID]
		if ok && !target.External {
			edges = append(edges, rel)
			continue
		}

		name := symbolFromPlaceholder(rel.TargetID)
		resolvedFile, found := visible[name]
		if !found {
			unresolved = append(unresolved, UnresolvedRef{
				FilePath: f.FilePath,
				Symbol:   name,
				Reason:   "could not resolve " + string(kind) + " target '" + name + "'",
			})
			continue
		}

		rewritten := rel
		rewritten.TargetID = entityRef(resolvedFile, name)
		edges = append(edges, rewritten)

		if resolvedFile != f.FilePath {
			edges = append(edges, types.CodeRelationship{
				SourceID: f.FilePath,
				TargetID: resolvedFile,
				Kind:     types.RelDependsOn,
				FilePath: f.FilePath,
				Line:     rel.Line,
			})
		}
	}
	return edges, unresolved
}

func visibleSymbols(imports []types.ImportInfo) map[string]string {
	visible := make(map[string]string)
	for _, imp := range imports {
		if imp.External || imp.ResolvedTo == "" {
			continue
		}
		for _, n := range imp.Names {
			visible[n] = imp.ResolvedTo
		}
		if imp.Default != "" {
			visible[imp.Default] = imp.ResolvedTo
		}
		if imp.Namespace != "" {
			visible[imp.Namespace] = imp.ResolvedTo
		}
	}
	return visible
}

func symbolFromPlaceholder(id string) string {
	if idx := strings.LastIndex(id, "#"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// buildFileDependencyGraph is stage 6: the union of file-level
// DependsOn edges, exposed both forward (dependencies) and reverse
// (dependents).
func buildFileDependencyGraph(edges []types.CodeRelationship) (dependents, dependencies map[string][]string) {
	dependents = make(map[string][]string)
	dependencies = make(map[string][]string)
	seen := make(map[string]bool)

	for _, e := range edges {
		if e.Kind != types.RelDependsOn {
			continue
		}
		key := e.SourceID + "->" + e.TargetID
		if seen[key] || e.SourceID == e.TargetID {
			continue
		}
		seen[key] = true
		dependencies[e.SourceID] = append(dependencies[e.SourceID], e.TargetID)
		dependents[e.TargetID] = append(dependents[e.TargetID], e.SourceID)
	}

	for k := range dependencies {
		sort.Strings(dependencies[k])
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}
	return dependents, dependencies
}
