package server

import (
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"
	"mvdan.cc/sh/v3/syntax"

	"github.com/xonecas/shls/internal/analysis"
	"github.com/xonecas/shls/internal/document"
	"github.com/xonecas/shls/internal/tree"
)

// reservedWords are completion candidates that exist in every script.
var reservedWords = []string{
	"break", "case", "cd", "continue", "declare", "do", "done", "echo",
	"elif", "else", "esac", "eval", "exec", "exit", "export", "fi", "for",
	"function", "if", "in", "local", "printf", "read", "return", "set",
	"shift", "source", "then", "trap", "typeset", "unset", "until",
	"while",
}

// documentSymbol returns the file's top-level declarations in document order.
func (s *Server) documentSymbol(docURI protocol.DocumentURI) []protocol.SymbolInformation {
	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil
	}
	return analysis.GlobalDeclarations(doc.Root(), doc.Text, docURI).Symbols()
}

// completion offers names visible at the cursor: local declarations first,
// then workspace globals from other files, then shell reserved words.
func (s *Server) completion(docURI protocol.DocumentURI, pos protocol.Position) []protocol.CompletionItem {
	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil
	}

	var items []protocol.CompletionItem
	seen := make(map[string]bool)

	locals := analysis.LocalDeclarations(doc.NodeAt(pos), doc.Text, docURI)
	for name, recs := range locals {
		// The first record is the nearest enclosing declaration.
		rec := recs[0]
		seen[name] = true
		items = append(items, protocol.CompletionItem{
			Label:  name,
			Kind:   completionKind(rec.Kind),
			Detail: symbolDetail(rec),
		})
	}

	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if idx != nil {
		for _, rec := range idx.Symbols() {
			if rec.Location.URI == docURI || seen[rec.Name] {
				continue
			}
			seen[rec.Name] = true
			items = append(items, protocol.CompletionItem{
				Label:  rec.Name,
				Kind:   completionKind(rec.Kind),
				Detail: symbolDetail(rec),
			})
		}
	}

	for _, w := range reservedWords {
		if !seen[w] {
			items = append(items, protocol.CompletionItem{
				Label: w,
				Kind:  protocol.CompletionItemKindKeyword,
			})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

// definition resolves the word at the cursor to its declaration: the nearest
// visible local one, or any workspace match as a fallback.
func (s *Server) definition(docURI protocol.DocumentURI, pos protocol.Position) []protocol.Location {
	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil
	}
	word := doc.WordAt(pos)
	if word == "" {
		return nil
	}

	locals := analysis.LocalDeclarations(doc.NodeAt(pos), doc.Text, docURI)
	if recs := locals[word]; len(recs) > 0 {
		return []protocol.Location{recs[0].Location}
	}

	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if idx == nil {
		return nil
	}
	var out []protocol.Location
	for _, rec := range idx.Lookup(word) {
		out = append(out, rec.Location)
	}
	return out
}

// references finds every occurrence of the word at the cursor in the
// current document.
func (s *Server) references(docURI protocol.DocumentURI, pos protocol.Position) []protocol.Location {
	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil
	}
	word := doc.WordAt(pos)
	if word == "" {
		return nil
	}
	return wordOccurrences(doc, word)
}

// hover describes the declaration the cursor's word resolves to.
func (s *Server) hover(docURI protocol.DocumentURI, pos protocol.Position) *protocol.Hover {
	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil
	}
	node := doc.NodeAt(pos)
	word := doc.WordAt(pos)
	if word == "" {
		return nil
	}

	rec := s.resolve(doc, node, word)
	if rec == nil {
		return nil
	}

	value := fmt.Sprintf("**%s** `%s`", symbolLabel(rec.Kind), rec.Name)
	if rec.ContainerName != "" {
		value += fmt.Sprintf(" — declared in `%s`", rec.ContainerName)
	}
	r := tree.Range(node)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.Markdown, Value: value},
		Range:    &r,
	}
}

// rename rewrites every occurrence of the cursor's word in the current
// document. The new name must be a valid shell identifier.
func (s *Server) rename(docURI protocol.DocumentURI, pos protocol.Position, newName string) (*protocol.WorkspaceEdit, error) {
	if !syntax.ValidName(newName) {
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: fmt.Sprintf("%q is not a valid shell name", newName),
		}
	}

	doc := s.docs.Get(docURI)
	if doc == nil {
		return nil, nil
	}
	word := doc.WordAt(pos)
	if word == "" {
		return nil, nil
	}

	var edits []protocol.TextEdit
	for _, loc := range wordOccurrences(doc, word) {
		edits = append(edits, protocol.TextEdit{Range: loc.Range, NewText: newName})
	}
	if len(edits) == 0 {
		return nil, nil
	}
	return &protocol.WorkspaceEdit{
		Changes: map[protocol.DocumentURI][]protocol.TextEdit{docURI: edits},
	}, nil
}

// workspaceSymbol searches the index by substring.
func (s *Server) workspaceSymbol(query string) []protocol.SymbolInformation {
	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if idx == nil {
		return nil
	}
	return idx.Query(query)
}

// resolve finds the declaration a word refers to, preferring the nearest
// visible local one.
func (s *Server) resolve(doc *document.Document, node *sitter.Node, word string) *protocol.SymbolInformation {
	locals := analysis.LocalDeclarations(node, doc.Text, doc.URI)
	if recs := locals[word]; len(recs) > 0 {
		return &recs[0]
	}

	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if idx != nil {
		if recs := idx.Lookup(word); len(recs) > 0 {
			return &recs[0]
		}
	}
	return nil
}

// wordOccurrences scans the whole document for identifier nodes with the
// given text, in document order.
func wordOccurrences(doc *document.Document, word string) []protocol.Location {
	var out []protocol.Location
	tree.Visit(doc.Root(), func(n *sitter.Node) {
		switch tree.KindOf(n) {
		case tree.KindWord, tree.KindVariableName:
			if n.Content(doc.Text) == word {
				out = append(out, protocol.Location{URI: doc.URI, Range: tree.Range(n)})
			}
		}
	})
	return out
}

func completionKind(k protocol.SymbolKind) protocol.CompletionItemKind {
	if k == protocol.SymbolKindFunction {
		return protocol.CompletionItemKindFunction
	}
	return protocol.CompletionItemKindVariable
}

func symbolLabel(k protocol.SymbolKind) string {
	if k == protocol.SymbolKindFunction {
		return "function"
	}
	return "variable"
}

func symbolDetail(rec protocol.SymbolInformation) string {
	if rec.ContainerName != "" {
		return fmt.Sprintf("%s (%s)", symbolLabel(rec.Kind), rec.ContainerName)
	}
	return symbolLabel(rec.Kind)
}
