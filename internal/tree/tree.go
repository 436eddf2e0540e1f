// Package tree provides walking and classification helpers over tree-sitter
// syntax nodes for bash source.
package tree

import (
	sitter "github.com/smacker/go-tree-sitter"
	"go.lsp.dev/protocol"
)

// Kind is a closed classification of the bash grammar node types this server
// cares about. Every other grammar category maps to KindOther.
type Kind uint8

const (
	KindOther Kind = iota
	KindProgram
	KindFunctionDefinition
	KindVariableAssignment
	KindEnvironmentVariableAssignment
	KindDeclarationCommand
	KindCommand
	KindWord
	KindVariableName
	KindError
)

// KindOf ingests a raw grammar category into the closed Kind set.
func KindOf(n *sitter.Node) Kind {
	if n == nil {
		return KindOther
	}
	switch n.Type() {
	case "program":
		return KindProgram
	case "function_definition":
		return KindFunctionDefinition
	case "variable_assignment":
		return KindVariableAssignment
	case "environment_variable_assignment":
		return KindEnvironmentVariableAssignment
	case "declaration_command":
		return KindDeclarationCommand
	case "command":
		return KindCommand
	case "word":
		return KindWord
	case "variable_name":
		return KindVariableName
	case "ERROR":
		return KindError
	default:
		return KindOther
	}
}

// IsDefinition reports whether a node declares a name. Only plain variable
// assignments and function definitions count; a declaration_command wrapper
// (local/declare/typeset/export) is not itself a definition — its inner
// variable_assignment is.
func IsDefinition(n *sitter.Node) bool {
	switch KindOf(n) {
	case KindVariableAssignment, KindFunctionDefinition:
		return true
	default:
		return false
	}
}

// Visit walks the subtree rooted at n in pre-order, calling fn for every
// node including n itself.
func Visit(n *sitter.Node, fn func(*sitter.Node)) {
	if n == nil {
		return
	}
	fn(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		Visit(n.Child(i), fn)
	}
}

// FindParent returns the nearest ancestor of n satisfying pred, or nil.
// The search starts at n's parent: a node never matches itself.
func FindParent(n *sitter.Node, pred func(*sitter.Node) bool) *sitter.Node {
	if n == nil {
		return nil
	}
	for p := n.Parent(); p != nil; p = p.Parent() {
		if pred(p) {
			return p
		}
	}
	return nil
}

// Range converts a node's span to a zero-based LSP range.
func Range(n *sitter.Node) protocol.Range {
	return protocol.Range{
		Start: Position(n.StartPoint()),
		End:   Position(n.EndPoint()),
	}
}

// Position converts a tree-sitter point to an LSP position. Both are
// zero-based, so this is a straight field mapping.
func Position(p sitter.Point) protocol.Position {
	return protocol.Position{Line: p.Row, Character: p.Column}
}

// PointAt converts an LSP position back to a tree-sitter point.
func PointAt(p protocol.Position) sitter.Point {
	return sitter.Point{Row: p.Line, Column: p.Character}
}
