// Package document parses bash source with tree-sitter and tracks the files
// an editor has open.
package document

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"go.lsp.dev/protocol"

	"github.com/xonecas/shls/internal/tree"
)

// Parse parses bash source into a fresh syntax tree. The caller owns the
// returned tree; single-goroutine callers may Close it, everything else can
// leave release to the runtime finalizer.
func Parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(bash.GetLanguage())

	t, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse bash: %w", err)
	}
	return t, nil
}

// Document is one open editor file with its current parse tree.
type Document struct {
	URI     protocol.DocumentURI
	Version int32
	Text    []byte
	Tree    *sitter.Tree
}

// Root returns the tree root, or nil when the document has no tree.
func (d *Document) Root() *sitter.Node {
	if d == nil || d.Tree == nil {
		return nil
	}
	return d.Tree.RootNode()
}

// NodeAt returns the smallest named node containing the given position, or
// nil when the document has no tree.
func (d *Document) NodeAt(pos protocol.Position) *sitter.Node {
	root := d.Root()
	if root == nil {
		return nil
	}
	p := tree.PointAt(pos)
	return root.NamedDescendantForPointRange(p, p)
}

// WordAt returns the identifier text under the given position. Only leaf
// word and variable_name nodes count; anything else yields "".
func (d *Document) WordAt(pos protocol.Position) string {
	n := d.NodeAt(pos)
	if n == nil {
		return ""
	}
	switch tree.KindOf(n) {
	case tree.KindWord, tree.KindVariableName:
		return n.Content(d.Text)
	default:
		return ""
	}
}

// Store tracks open documents keyed by URI.
type Store struct {
	mu   sync.RWMutex
	docs map[protocol.DocumentURI]*Document
}

// NewStore creates an empty document store.
func NewStore() *Store {
	return &Store{docs: make(map[protocol.DocumentURI]*Document)}
}

// Open parses text and begins tracking the document. Reopening an already
// tracked URI replaces it.
func (s *Store) Open(ctx context.Context, docURI protocol.DocumentURI, version int32, text string) (*Document, error) {
	t, err := Parse(ctx, []byte(text))
	if err != nil {
		return nil, err
	}
	doc := &Document{URI: docURI, Version: version, Text: []byte(text), Tree: t}

	// Request handlers on other goroutines may still hold the replaced
	// document, so its tree must not be closed here; the finalizer releases
	// it once the last reference drops.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docURI] = doc
	return doc, nil
}

// Update replaces a tracked document's full text and reparses it. A version
// at or below the tracked one is stale (notifications can arrive reordered)
// and leaves the document untouched. Updating an unknown URI is treated as
// an open; editors disagree on ordering here and a stale tree is worse than
// a lenient one.
func (s *Store) Update(ctx context.Context, docURI protocol.DocumentURI, version int32, text string) (*Document, error) {
	if cur := s.Get(docURI); cur != nil && version <= cur.Version {
		return cur, nil
	}
	return s.Open(ctx, docURI, version, text)
}

// Close stops tracking a document. The tree stays alive for any handler
// still holding it.
func (s *Store) Close(docURI protocol.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docURI)
}

// Get returns a tracked document, or nil if the URI is not open.
func (s *Store) Get(docURI protocol.DocumentURI) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docURI]
}
