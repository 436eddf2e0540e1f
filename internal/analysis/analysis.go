// Package analysis answers two questions about a parsed bash file: which
// names it defines for anyone who sources it, and which names are visible
// from a given node. Scoping is approximated from tree shape alone — no
// control- or data-flow analysis — so declarations in branches that never
// execute are still reported. That imprecision is deliberate.
package analysis

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"go.lsp.dev/protocol"

	"github.com/xonecas/shls/internal/tree"
)

// parseErrorMessage is attached to every top-level ERROR node diagnostic.
const parseErrorMessage = "Failed to parse"

// Declarations maps a declared name to the symbols found for it. The global
// collector keeps at most one symbol per name (last definition wins); the
// local collector appends every symbol it finds, nearest scope first.
type Declarations map[string][]protocol.SymbolInformation

// Globals is the result of collecting a file's top-level declarations.
type Globals struct {
	Diagnostics  []protocol.Diagnostic
	Declarations Declarations
}

// kindFor maps a definition node's kind to an LSP symbol kind. Unmapped
// definition kinds fall back to Variable.
func kindFor(k tree.Kind) protocol.SymbolKind {
	switch k {
	case tree.KindFunctionDefinition:
		return protocol.SymbolKindFunction
	case tree.KindVariableAssignment, tree.KindEnvironmentVariableAssignment:
		return protocol.SymbolKindVariable
	default:
		return protocol.SymbolKindVariable
	}
}

// symbolFromNode classifies a definition node into a symbol record. The name
// is the verbatim text of the node's first named child; nil is returned when
// there is none (degenerate or partial parses). The container is the name of
// the nearest enclosing function definition, empty at file scope — the
// search starts at the parent, so a function is never its own container.
func symbolFromNode(n *sitter.Node, src []byte, docURI protocol.DocumentURI) *protocol.SymbolInformation {
	named := n.NamedChild(0)
	if named == nil {
		return nil
	}

	containerName := ""
	if fn := tree.FindParent(n, func(p *sitter.Node) bool {
		return tree.KindOf(p) == tree.KindFunctionDefinition
	}); fn != nil {
		if fnName := fn.NamedChild(0); fnName != nil {
			containerName = fnName.Content(src)
		}
	}

	return &protocol.SymbolInformation{
		Name: named.Content(src),
		Kind: kindFor(tree.KindOf(n)),
		Location: protocol.Location{
			URI:   docURI,
			Range: tree.Range(n),
		},
		ContainerName: containerName,
	}
}

// globalAccumulator threads the global collector's state through the walk.
type globalAccumulator struct {
	src    []byte
	docURI protocol.DocumentURI
	result Globals
}

func (a *globalAccumulator) visit(n *sitter.Node) {
	// Only direct children of the program root count as globals.
	if tree.KindOf(n.Parent()) != tree.KindProgram {
		return
	}

	if tree.KindOf(n) == tree.KindError {
		a.result.Diagnostics = append(a.result.Diagnostics, protocol.Diagnostic{
			Range:    tree.Range(n),
			Severity: protocol.DiagnosticSeverityError,
			Message:  parseErrorMessage,
		})
		return
	}

	if !tree.IsDefinition(n) {
		return
	}
	sym := symbolFromNode(n, a.src, a.docURI)
	if sym == nil {
		return
	}
	// Last definition wins: sourcing the file top to bottom leaves the
	// furthest-down assignment in effect.
	a.result.Declarations[sym.Name] = []protocol.SymbolInformation{*sym}
}

// GlobalDeclarations collects the declarations a file exposes to anyone who
// sources it, plus a diagnostic for every malformed top-level construct.
func GlobalDeclarations(root *sitter.Node, src []byte, docURI protocol.DocumentURI) Globals {
	acc := globalAccumulator{
		src:    src,
		docURI: docURI,
		result: Globals{Declarations: make(Declarations)},
	}
	tree.Visit(root, acc.visit)
	return acc.result
}

// Symbols flattens the collected declarations into document order.
func (g Globals) Symbols() []protocol.SymbolInformation {
	syms := make([]protocol.SymbolInformation, 0, len(g.Declarations))
	for _, recs := range g.Declarations {
		syms = append(syms, recs...)
	}
	sort.Slice(syms, func(i, j int) bool {
		a, b := syms[i].Location.Range.Start, syms[j].Location.Range.Start
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Character < b.Character
	})
	return syms
}

// localAccumulator threads the local collector's state through the walk.
type localAccumulator struct {
	src    []byte
	docURI protocol.DocumentURI
	decls  Declarations
}

// scanLevel examines the direct children of one ancestor level. A
// declaration_command contributes exactly one record, taken from its first
// inner variable_assignment; it is never classified on its own, so local x=1
// cannot be double counted.
func (a *localAccumulator) scanLevel(n *sitter.Node) {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)

		var sym *protocol.SymbolInformation
		if tree.KindOf(child) == tree.KindDeclarationCommand {
			for j := 0; j < int(child.ChildCount()); j++ {
				if inner := child.Child(j); tree.KindOf(inner) == tree.KindVariableAssignment {
					sym = symbolFromNode(inner, a.src, a.docURI)
					break
				}
			}
		} else if tree.IsDefinition(child) {
			sym = symbolFromNode(child, a.src, a.docURI)
		}

		if sym != nil {
			a.decls[sym.Name] = append(a.decls[sym.Name], *sym)
		}
	}
}

// LocalDeclarations collects every declaration visible from start, walking
// outward to the file root. Each ancestor level's direct children are
// scanned in document order before moving up, so for a shadowed name the
// innermost declaration appears first in its slice. Nothing is deduplicated:
// consumers wanting the nearest declaration take the first record, consumers
// resolving references take them all. A nil start yields an empty map.
func LocalDeclarations(start *sitter.Node, src []byte, docURI protocol.DocumentURI) Declarations {
	acc := localAccumulator{src: src, docURI: docURI, decls: make(Declarations)}
	for n := start; n != nil; n = n.Parent() {
		acc.scanLevel(n)
	}
	return acc.decls
}
