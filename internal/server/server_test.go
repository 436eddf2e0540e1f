package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/xonecas/shls/internal/config"
)

const testURI = protocol.DocumentURI("file:///ws/test.sh")

func newTestServer() *Server {
	return New(&config.Config{})
}

func openDoc(t *testing.T, s *Server, text string) {
	t.Helper()
	doc, err := s.docs.Open(context.Background(), testURI, 1, text)
	if err != nil {
		t.Fatalf("open document: %v", err)
	}
	s.refresh(context.Background(), doc)
}

func TestInitialize(t *testing.T) {
	s := newTestServer()
	res, err := s.initialize(&protocol.InitializeParams{RootURI: uri.File("/ws")})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Capabilities.CompletionProvider == nil {
		t.Error("no completion capability advertised")
	}
	if res.Capabilities.DefinitionProvider != true {
		t.Error("no definition capability advertised")
	}
	if s.rootPath != "/ws" {
		t.Errorf("rootPath = %q, want /ws", s.rootPath)
	}
}

func TestDocumentSymbol(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "x=1\nfoo() { :; }\n")

	syms := s.documentSymbol(testURI)
	if len(syms) != 2 {
		t.Fatalf("symbols = %d, want 2", len(syms))
	}
	if syms[0].Name != "x" || syms[1].Name != "foo" {
		t.Errorf("order = %q, %q, want x then foo", syms[0].Name, syms[1].Name)
	}

	if got := s.documentSymbol("file:///ws/unknown.sh"); got != nil {
		t.Errorf("unknown document symbols = %v", got)
	}
}

func TestCompletion(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "x=1\nfoo() {\n  local y=2\n  x=3\n}\n")

	items := s.completion(testURI, protocol.Position{Line: 3, Character: 2})

	byLabel := map[string]protocol.CompletionItem{}
	for _, it := range items {
		if _, dup := byLabel[it.Label]; dup {
			t.Errorf("duplicate completion %q", it.Label)
		}
		byLabel[it.Label] = it
	}

	y, ok := byLabel["y"]
	if !ok {
		t.Fatal("local y missing from completion")
	}
	if y.Kind != protocol.CompletionItemKindVariable {
		t.Errorf("y kind = %v", y.Kind)
	}
	if y.Detail != "variable (foo)" {
		t.Errorf("y detail = %q", y.Detail)
	}

	if foo, ok := byLabel["foo"]; !ok {
		t.Error("foo missing from completion")
	} else if foo.Kind != protocol.CompletionItemKindFunction {
		t.Errorf("foo kind = %v", foo.Kind)
	}
	if _, ok := byLabel["x"]; !ok {
		t.Error("x missing from completion")
	}
	if kw, ok := byLabel["if"]; !ok {
		t.Error("reserved word if missing from completion")
	} else if kw.Kind != protocol.CompletionItemKindKeyword {
		t.Errorf("if kind = %v", kw.Kind)
	}

	for i := 1; i < len(items); i++ {
		if items[i-1].Label > items[i].Label {
			t.Fatalf("items not sorted: %q before %q", items[i-1].Label, items[i].Label)
		}
	}
}

func TestDefinition(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "foo() {\n  echo hi\n}\nfoo\n")

	locs := s.definition(testURI, protocol.Position{Line: 3, Character: 1})
	if len(locs) != 1 {
		t.Fatalf("locations = %d, want 1", len(locs))
	}
	if locs[0].Range.Start.Line != 0 {
		t.Errorf("definition at line %d, want 0", locs[0].Range.Start.Line)
	}

	// Shadowing: the nearest enclosing declaration wins.
	s2 := newTestServer()
	openDoc(t, s2, "x=1\nfoo() {\n  x=3\n  echo \"$x\"\n}\n")
	locs = s2.definition(testURI, protocol.Position{Line: 2, Character: 2})
	if len(locs) != 1 {
		t.Fatalf("locations = %d, want 1", len(locs))
	}
	if locs[0].Range.Start.Line != 2 {
		t.Errorf("nearest x is at line %d, want 2", locs[0].Range.Start.Line)
	}
}

func TestReferences(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "foo() {\n  echo hi\n}\nfoo\nfoo\n")

	locs := s.references(testURI, protocol.Position{Line: 3, Character: 1})
	if len(locs) != 3 {
		t.Fatalf("references = %d, want 3 (definition plus two calls)", len(locs))
	}
	if locs[0].Range.Start.Line != 0 {
		t.Errorf("first reference at line %d, want 0", locs[0].Range.Start.Line)
	}
}

func TestHover(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "foo() {\n  echo hi\n}\nfoo\n")

	h := s.hover(testURI, protocol.Position{Line: 3, Character: 1})
	if h == nil {
		t.Fatal("no hover")
	}
	if !strings.Contains(h.Contents.Value, "**function** `foo`") {
		t.Errorf("hover = %q", h.Contents.Value)
	}

	if h := s.hover(testURI, protocol.Position{Line: 1, Character: 7}); h != nil && strings.Contains(h.Contents.Value, "function") {
		t.Errorf("unexpected function hover on argument: %q", h.Contents.Value)
	}
}

func TestRename(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "count=1\necho \"$count\"\ncount=2\n")

	edit, err := s.rename(testURI, protocol.Position{Line: 0, Character: 0}, "total")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if edit == nil {
		t.Fatal("no edit returned")
	}
	edits := edit.Changes[testURI]
	if len(edits) != 3 {
		t.Fatalf("edits = %d, want 3", len(edits))
	}
	for _, e := range edits {
		if e.NewText != "total" {
			t.Errorf("edit text = %q", e.NewText)
		}
	}
}

func TestRenameRejectsInvalidName(t *testing.T) {
	s := newTestServer()
	openDoc(t, s, "count=1\n")

	_, err := s.rename(testURI, protocol.Position{}, "1bad")
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want a jsonrpc2 error", err)
	}
	if rpcErr.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("code = %d, want invalid params", rpcErr.Code)
	}
}

func TestWorkspaceSymbolWithoutIndex(t *testing.T) {
	s := newTestServer()
	if got := s.workspaceSymbol("x"); got != nil {
		t.Errorf("workspaceSymbol without index = %v", got)
	}
}

func TestHandleDispatch(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	open, _ := json.Marshal(protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        testURI,
			LanguageID: "shellscript",
			Version:    1,
			Text:       "x=1\n",
		},
	})
	raw := json.RawMessage(open)
	if _, err := s.handle(ctx, nil, &jsonrpc2.Request{Method: "textDocument/didOpen", Params: &raw, Notif: true}); err != nil {
		t.Fatalf("didOpen: %v", err)
	}

	symParams, _ := json.Marshal(protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
	})
	raw = json.RawMessage(symParams)
	res, err := s.handle(ctx, nil, &jsonrpc2.Request{Method: "textDocument/documentSymbol", Params: &raw})
	if err != nil {
		t.Fatalf("documentSymbol: %v", err)
	}
	syms, ok := res.([]protocol.SymbolInformation)
	if !ok || len(syms) != 1 || syms[0].Name != "x" {
		t.Errorf("documentSymbol result = %#v", res)
	}
}

func TestSyncNotificationsAppliedInOrder(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	handler := jsonrpc2.HandlerWithError(s.handle)
	d := dispatcher{sync: handler, async: jsonrpc2.AsyncHandler(handler)}

	open, _ := json.Marshal(protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        testURI,
			LanguageID: "shellscript",
			Version:    2,
			Text:       "current=1\n",
		},
	})
	raw := json.RawMessage(open)
	d.Handle(ctx, nil, &jsonrpc2.Request{Method: "textDocument/didOpen", Params: &raw, Notif: true})

	// Sync notifications run on the caller, so the document is visible as
	// soon as Handle returns.
	doc := s.docs.Get(testURI)
	if doc == nil || string(doc.Text) != "current=1\n" {
		t.Fatal("didOpen not applied synchronously")
	}

	// A reordered older change must not win over the newer content.
	change, _ := json.Marshal(protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: testURI},
			Version:                1,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "stale=1\n"}},
	})
	raw = json.RawMessage(change)
	d.Handle(ctx, nil, &jsonrpc2.Request{Method: "textDocument/didChange", Params: &raw, Notif: true})

	doc = s.docs.Get(testURI)
	if string(doc.Text) != "current=1\n" || doc.Version != 2 {
		t.Errorf("document = %q v%d, want current=1 v2", doc.Text, doc.Version)
	}
}

func TestDidCloseClearsDiagnostics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSide, clientSide := net.Pipe()
	s := newTestServer()
	go s.run(ctx, serverSide)

	published := make(chan protocol.PublishDiagnosticsParams, 4)
	client := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			if req.Method == "textDocument/publishDiagnostics" && req.Params != nil {
				var p protocol.PublishDiagnosticsParams
				if err := json.Unmarshal(*req.Params, &p); err == nil {
					published <- p
				}
			}
			return nil, nil
		}))
	defer client.Close()

	if err := client.Notify(ctx, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        testURI,
			LanguageID: "shellscript",
			Version:    1,
			Text:       "x=1\n)\n",
		},
	}); err != nil {
		t.Fatalf("didOpen: %v", err)
	}
	first := waitPublished(t, published)
	if first.URI != testURI {
		t.Fatalf("first publish for %v, want %v", first.URI, testURI)
	}
	if len(first.Diagnostics) == 0 {
		t.Error("no parse diagnostics published for broken source")
	}

	if err := client.Notify(ctx, "textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
	}); err != nil {
		t.Fatalf("didClose: %v", err)
	}
	second := waitPublished(t, published)
	if second.URI != testURI || len(second.Diagnostics) != 0 {
		t.Errorf("didClose published %d diagnostics for %v, want 0", len(second.Diagnostics), second.URI)
	}
}

func waitPublished(t *testing.T, ch <-chan protocol.PublishDiagnosticsParams) protocol.PublishDiagnosticsParams {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published diagnostics")
		return protocol.PublishDiagnosticsParams{}
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	_, err := s.handle(ctx, nil, &jsonrpc2.Request{Method: "textDocument/codeLens"})
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("err = %v, want method-not-found", err)
	}

	// Unknown notifications are ignored, not errors.
	if _, err := s.handle(ctx, nil, &jsonrpc2.Request{Method: "$/cancelRequest", Notif: true}); err != nil {
		t.Errorf("notification err = %v", err)
	}
}
