package parser

import (
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"

	"github.com/standardbeagle/kbindex/internal/types"
)

// parseGo walks a Go source file's tree-sitter AST and extracts the
// entities, imports, exports, and call relationships this file
// contributes. Grounded on the AST-walk structure of a symbol
// extractor that visits function/method/type declarations and their
// bodies, trimmed to the entity/relationship shape this project needs.
func parseGo(src []byte, path string) (Result, error) {
	parser := sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(sitter.NewLanguage(tree_sitter_go.Language())); err != nil {
		return Result{}, fmt.Errorf("parser: set go language: %w", err)
	}

	tree := parser.Parse(src, nil)
	if tree == nil {
		return Result{SyntaxErrors: []string{"tree-sitter returned no tree for " + path}}, nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return Result{SyntaxErrors: []string{"empty root node for " + path}}, nil
	}

	g := &goWalker{path: path, src: src, byName: make(map[string]string)}
	g.collectTopLevel(root)
	g.walkCalls(root)

	if root.HasError() {
		g.result.SyntaxErrors = append(g.result.SyntaxErrors, "syntax error detected while parsing "+path)
	}

	return g.result, nil
}

type goWalker struct {
	path   string
	src    []byte
	byName map[string]string // entity name -> entity id, first-declaration wins
	result Result
}

func (g *goWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(g.src[n.StartByte():n.EndByte()])
}

func entityID(path string, kind types.EntityKind, name string, line int) string {
	return fmt.Sprintf("%s#%s#%s#%d", path, kind, name, line)
}

func isExportedGoName(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

// collectTopLevel walks the file's direct declarations: imports,
// functions, methods, and type declarations.
func (g *goWalker) collectTopLevel(root *sitter.Node) {
	for i := uint(0); i < root.ChildCount(); i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "import_declaration":
			g.extractImports(child)
		case "function_declaration":
			g.addFunctionOrMethod(child, false)
		case "method_declaration":
			g.addFunctionOrMethod(child, true)
		case "type_declaration":
			g.addTypeDeclaration(child)
		case "var_declaration", "const_declaration":
			g.addPackageVars(child, child.Kind() == "const_declaration")
		}
	}
}

func findChildByKind(n *sitter.Node, kind string) *sitter.Node {
	if n == nil {
		return nil
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c != nil && c.Kind() == kind {
			return c
		}
	}
	return nil
}

func (g *goWalker) extractImports(decl *sitter.Node) {
	specs := collectByKind(decl, "import_spec")
	for _, spec := range specs {
		g.extractImportSpec(spec)
	}
}

func collectByKind(n *sitter.Node, kind string) []*sitter.Node {
	var out []*sitter.Node
	var walk func(*sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		if node.Kind() == kind {
			out = append(out, node)
			return
		}
		for i := uint(0); i < node.ChildCount(); i++ {
			walk(node.Child(i))
		}
	}
	walk(n)
	return out
}

func (g *goWalker) extractImportSpec(spec *sitter.Node) {
	var alias, path string
	for i := uint(0); i < spec.ChildCount(); i++ {
		child := spec.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "package_identifier", "blank_identifier":
			alias = g.text(child)
		case "dot":
			alias = "."
		case "interpreted_string_literal":
			raw := g.text(child)
			if len(raw) >= 2 {
				path = raw[1 : len(raw)-1]
			}
		}
	}
	if path == "" {
		return
	}
	if alias == "" {
		parts := strings.Split(path, "/")
		alias = parts[len(parts)-1]
	}

	line := int(spec.StartPosition().Row) + 1
	g.result.Imports = append(g.result.Imports, types.ImportInfo{
		FilePath: g.path,
		Source:   path,
		Default:  alias,
		Line:     line,
	})
}

func (g *goWalker) addPackageVars(decl *sitter.Node, isConst bool) {
	kind := types.EntityVariable
	for _, ident := range collectByKind(decl, "identifier") {
		name := g.text(ident)
		if name == "" || name == "_" {
			continue
		}
		line := int(ident.StartPosition().Row) + 1
		id := entityID(g.path, kind, name, line)
		g.result.Entities = append(g.result.Entities, types.CodeEntity{
			ID: id, Kind: kind, Name: name, FilePath: g.path, Line: line,
		})
		g.recordExport(name, line, isConst)
		if _, exists := g.byName[name]; !exists {
			g.byName[name] = id
		}
	}
}

func (g *goWalker) recordExport(name string, line int, _ bool) {
	if !isExportedGoName(name) {
		return
	}
	g.result.Exports = append(g.result.Exports, types.ExportInfo{
		FilePath: g.path, Name: name, Kind: types.ExportNamed, Line: line,
	})
}

func (g *goWalker) addFunctionOrMethod(node *sitter.Node, isMethod bool) {
	nameNode := findChildByKind(node, "identifier")
	if isMethod {
		nameNode = findChildByKind(node, "field_identifier")
	}
	if nameNode == nil {
		return
	}
	name := g.text(nameNode)
	line := int(nameNode.StartPosition().Row) + 1

	fullName := name
	if isMethod {
		if recv := g.receiverTypeName(node); recv != "" {
			fullName = recv + "." + name
		}
	}

	id := entityID(g.path, types.EntityFunction, fullName, line)
	g.result.Entities = append(g.result.Entities, types.CodeEntity{
		ID:        id,
		Kind:      types.EntityFunction,
		Name:      fullName,
		FilePath:  g.path,
		Line:      line,
		Signature: g.functionSignature(node, nameNode),
	})
	g.recordExport(name, line, false)
	if _, exists := g.byName[fullName]; !exists {
		g.byName[fullName] = id
	}
	if _, exists := g.byName[name]; !exists {
		g.byName[name] = id
	}
}

func (g *goWalker) receiverTypeName(method *sitter.Node) string {
	paramList := findChildByKind(method, "parameter_list")
	if paramList == nil {
		return ""
	}
	for i := uint(0); i < paramList.ChildCount(); i++ {
		param := paramList.Child(i)
		if param == nil || param.Kind() != "parameter_declaration" {
			continue
		}
		if t := findChildByKind(param, "type_identifier"); t != nil {
			return g.text(t)
		}
		if ptr := findChildByKind(param, "pointer_type"); ptr != nil {
			if t := findChildByKind(ptr, "type_identifier"); t != nil {
				return g.text(t)
			}
		}
	}
	return ""
}

func (g *goWalker) functionSignature(node, nameNode *sitter.Node) string {
	start := nameNode.StartByte()
	end := start
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "parameter_list", "result", "type_identifier":
			if child.EndByte() > end {
				end = child.EndByte()
			}
		}
	}
	if end <= start || int(end) > len(g.src) {
		return ""
	}
	return string(g.src[start:end])
}

func (g *goWalker) addTypeDeclaration(decl *sitter.Node) {
	spec := findChildByKind(decl, "type_spec")
	if spec == nil {
		spec = findChildByKind(decl, "type_alias")
	}
	if spec == nil {
		return
	}
	nameNode := findChildByKind(spec, "type_identifier")
	if nameNode == nil {
		return
	}
	name := g.text(nameNode)
	line := int(nameNode.StartPosition().Row) + 1

	kind := types.EntityType
	if findChildByKind(spec, "struct_type") != nil {
		kind = types.EntityClass
	} else if findChildByKind(spec, "interface_type") != nil {
		kind = types.EntityInterface
	}

	id := entityID(g.path, kind, name, line)
	g.result.Entities = append(g.result.Entities, types.CodeEntity{
		ID: id, Kind: kind, Name: name, FilePath: g.path, Line: line,
	})
	g.recordExport(name, line, false)
	if _, exists := g.byName[name]; !exists {
		g.byName[name] = id
	}
}

// walkCalls scans every call_expression in the file and, for calls to
// a bare identifier, records a Calls relationship from the enclosing
// function to either the matching local entity or an external
// placeholder for C5's call-resolution stage to rewrite.
func (g *goWalker) walkCalls(root *sitter.Node) {
	for i := uint(0); i < root.ChildCount(); i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "function_declaration", "method_declaration":
			g.walkCallsWithin(child, g.enclosingID(child))
		}
	}
}

func (g *goWalker) enclosingID(node *sitter.Node) string {
	nameNode := findChildByKind(node, "identifier")
	isMethod := node.Kind() == "method_declaration"
	if isMethod {
		nameNode = findChildByKind(node, "field_identifier")
	}
	if nameNode == nil {
		return ""
	}
	name := g.text(nameNode)
	if isMethod {
		if recv := g.receiverTypeName(node); recv != "" {
			name = recv + "." + name
		}
	}
	if id, ok := g.byName[name]; ok {
		return id
	}
	return ""
}

func (g *goWalker) walkCallsWithin(node *sitter.Node, enclosingID string) {
	if node == nil || enclosingID == "" {
		return
	}
	for _, call := range collectByKind(node, "call_expression") {
		fn := findChildByKind(call, "identifier")
		if fn == nil {
			continue
		}
		name := g.text(fn)
		target, known := g.byName[name]
		if !known {
			target = "external#" + name
		}
		g.result.Relationships = append(g.result.Relationships, types.CodeRelationship{
			SourceID: enclosingID,
			TargetID: target,
			Kind:     types.RelCalls,
			FilePath: g.path,
			Line:     int(call.StartPosition().Row) + 1,
		})
	}
}
