package parser

import (
	"regexp"
	"strings"

	"github.com/standardbeagle/kbindex/internal/types"
)

// importPattern is a single regex paired with a function turning one
// match into zero or more ImportInfo records. Grounded on the
// per-extension regex-pattern-table idiom used for lightweight,
// heuristic (not full-parser) import extraction.
type importPattern struct {
	re      *regexp.Regexp
	extract func(match []string) []types.ImportInfo
}

var jsImportPatterns = []importPattern{
	{
		re: regexp.MustCompile(`import\s+\{([^}]+)\}\s+from\s+['"]([^'"]+)['"]`),
		extract: func(m []string) []types.ImportInfo {
			var names []string
			for _, n := range strings.Split(m[1], ",") {
				n = strings.TrimSpace(n)
				if n != "" {
					names = append(names, n)
				}
			}
			return []types.ImportInfo{{Source: m[2], Names: names}}
		},
	},
	{
		re: regexp.MustCompile(`import\s+\*\s+as\s+(\w+)\s+from\s+['"]([^'"]+)['"]`),
		extract: func(m []string) []types.ImportInfo {
			return []types.ImportInfo{{Source: m[2], Namespace: m[1]}}
		},
	},
	{
		re: regexp.MustCompile(`import\s+(\w+)\s+from\s+['"]([^'"]+)['"]`),
		extract: func(m []string) []types.ImportInfo {
			return []types.ImportInfo{{Source: m[2], Default: m[1]}}
		},
	},
}

var jsExportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`export\s+default\s+(?:function|class)?\s*(\w*)`),
	regexp.MustCompile(`export\s+(?:const|let|var|function|class)\s+(\w+)`),
	regexp.MustCompile(`export\s+\{([^}]+)\}`),
}

var jsCallPattern = regexp.MustCompile(`\b([A-Za-z_$][\w$]*)\s*\(`)

var pyImportPatterns = []importPattern{
	{
		re: regexp.MustCompile(`from\s+([.\w]+)\s+import\s+([^#\n]+)`),
		extract: func(m []string) []types.ImportInfo {
			var names []string
			for _, n := range strings.Split(m[2], ",") {
				n = strings.TrimSpace(n)
				if n != "" {
					names = append(names, n)
				}
			}
			return []types.ImportInfo{{Source: toRelative(m[1]), Names: names}}
		},
	},
	{
		re: regexp.MustCompile(`^import\s+([.\w]+)`),
		extract: func(m []string) []types.ImportInfo {
			return []types.ImportInfo{{Source: toRelative(m[1]), Namespace: m[1]}}
		},
	},
}

var pyExportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^def\s+(\w+)`),
	regexp.MustCompile(`(?m)^class\s+(\w+)`),
}

var pyCallPattern = regexp.MustCompile(`\b([A-Za-z_][\w]*)\s*\(`)

// toRelative converts a dotted module path starting with "." into the
// "./"-relative form stage 2 of the resolver expects; other module
// names (package imports) are left as external specifiers.
func toRelative(dotted string) string {
	if strings.HasPrefix(dotted, ".") {
		return "./" + strings.TrimLeft(strings.ReplaceAll(dotted, ".", "/"), "/")
	}
	return dotted
}

// parseWithPatterns is the generic regex/line-based extractor shared
// by every non-Go language: deterministic, pure, and still a real
// implementation rather than a stub, just heuristic instead of
// grammar-backed.
func parseWithPatterns(src []byte, path string, imports []importPattern, exports []*regexp.Regexp, callPattern *regexp.Regexp) (Result, error) {
	content := string(src)
	lines := strings.Split(content, "\n")

	var result Result

	for _, p := range imports {
		for _, m := range p.re.FindAllStringSubmatch(content, -1) {
			for _, imp := range p.extract(m) {
				imp.FilePath = path
				imp.Line = lineOf(lines, m[0])
				result.Imports = append(result.Imports, imp)
			}
		}
	}

	for _, re := range exports {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			name := ""
			if len(m) > 1 {
				name = strings.TrimSpace(m[1])
			}
			if name == "" {
				continue
			}
			for _, n := range strings.Split(name, ",") {
				n = strings.TrimSpace(n)
				if n == "" {
					continue
				}
				line := lineOf(lines, m[0])
				result.Exports = append(result.Exports, types.ExportInfo{FilePath: path, Name: n, Kind: types.ExportNamed, Line: line})
				result.Entities = append(result.Entities, types.CodeEntity{
					ID:       entityID(path, types.EntityFunction, n, line),
					Kind:     types.EntityFunction,
					Name:     n,
					FilePath: path,
					Line:     line,
				})
			}
		}
	}

	fileEntityID := entityID(path, types.EntityFile, path, 0)
	for _, m := range callPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if isLanguageKeyword(name) {
			continue
		}
		result.Relationships = append(result.Relationships, types.CodeRelationship{
			SourceID: fileEntityID,
			TargetID: "external#" + name,
			Kind:     types.RelCalls,
			FilePath: path,
		})
	}

	return result, nil
}

func lineOf(lines []string, needle string) int {
	head := needle
	if idx := strings.Index(head, "\n"); idx >= 0 {
		head = head[:idx]
	}
	for i, l := range lines {
		if strings.Contains(l, head) {
			return i + 1
		}
	}
	return 1
}

var keywordSet = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "def": true, "class": true, "elif": true,
	"except": true, "with": true, "print": true,
}

func isLanguageKeyword(name string) bool {
	return keywordSet[name]
}
