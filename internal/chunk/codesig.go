package chunk

import "strings"

// codeSignalNodeTypes lists tree-sitter node types per language that mark a
// chunk as code even when it is a partial function body (no top-level
// declaration). No function reads this table: OverlapChunker.codeSignal sets
// has-code from whether the chunk parses cleanly or looksLikeCode accepts it.
var codeSignalNodeTypes = map[string][]string{
	"go":         {"function_declaration", "method_declaration", "type_declaration", "var_declaration", "const_declaration", "if_statement", "for_statement", "call_expression"},
	"typescript": {"function_declaration", "class_declaration", "interface_declaration", "method_definition", "arrow_function", "call_expression"},
	"javascript": {"function_declaration", "class_declaration", "method_definition", "arrow_function", "call_expression"},
	"python":     {"function_definition", "class_definition", "if_statement", "for_statement", "call"},
}

// symbolsFromTree collects the symbol-bearing nodes, at any depth, of an already
// parsed chunk, reusing the registry's declared function/class/interface/
// method/type node types (the same vocabulary CodeChunker's findSymbolNodes
// uses for whole-file parsing, here applied to one chunk's sub-tree).
func symbolsFromTree(tree *Tree, language string) []*Symbol {
	if tree == nil || tree.Root == nil {
		return nil
	}
	registry := DefaultRegistry()
	cfg, ok := registry.GetByName(language)
	if !ok {
		return nil
	}

	var symbols []*Symbol
	collect := func(types []string, kind SymbolType) {
		for _, t := range types {
			for _, n := range tree.Root.FindAllByType(t) {
				name := symbolName(n, cfg, tree.Source)
				if name == "" {
					continue
				}
				symbols = append(symbols, &Symbol{
					Name:      name,
					Type:      kind,
					StartLine: int(n.StartPoint.Row) + 1,
					EndLine:   int(n.EndPoint.Row) + 1,
				})
			}
		}
	}
	collect(cfg.FunctionTypes, SymbolTypeFunction)
	collect(cfg.ClassTypes, SymbolTypeClass)
	collect(cfg.InterfaceTypes, SymbolTypeInterface)
	collect(cfg.MethodTypes, SymbolTypeMethod)
	collect(cfg.TypeDefTypes, SymbolTypeType)
	return symbols
}

func symbolName(n *Node, cfg *LanguageConfig, source []byte) string {
	nameField := cfg.NameField
	if nameField == "" {
		nameField = "identifier"
	}
	if nameNode := n.FindChildByType(nameField); nameNode != nil {
		return nameNode.GetContent(source)
	}
	for _, child := range n.Children {
		if strings.Contains(child.Type, "identifier") {
			return child.GetContent(source)
		}
	}
	return ""
}

// looksLikeCode is the fallback has-code heuristic used when no tree-sitter
// grammar matches the document's language (plain text, markdown prose,
// unrecognized extensions): a density of code-punctuation tokens relative to
// line count is taken as a signal, cheap enough to run on every chunk.
func looksLikeCode(content string) bool {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return false
	}
	codeLines := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, "{") || strings.HasSuffix(trimmed, ";") ||
			strings.HasSuffix(trimmed, "}") || strings.Contains(trimmed, "=>") ||
			strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "func ") ||
			strings.HasPrefix(trimmed, "class ") || strings.HasPrefix(trimmed, "import ") {
			codeLines++
		}
	}
	return len(lines) > 0 && float64(codeLines)/float64(len(lines)) > 0.2
}
