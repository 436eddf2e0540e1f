// Package server implements the shell-script language server over JSON-RPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/xonecas/shls/internal/analysis"
	"github.com/xonecas/shls/internal/config"
	"github.com/xonecas/shls/internal/document"
	"github.com/xonecas/shls/internal/index"
)

const serverName = "shls"

// Server handles LSP requests for shell scripts.
type Server struct {
	cfg  *config.Config
	docs *document.Store

	mu       sync.Mutex
	conn     *jsonrpc2.Conn
	idx      *index.Index
	cache    *index.Cache
	rootPath string
	shutdown bool
}

// New creates a server with the given configuration.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:  cfg,
		docs: document.NewStore(),
	}
}

// RunStdio serves LSP over stdin/stdout until the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.run(ctx, stdrwc{})
}

func (s *Server) run(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.HandlerWithError(s.handle)
	conn := jsonrpc2.NewConn(ctx, stream, dispatcher{
		sync:  handler,
		async: jsonrpc2.AsyncHandler(handler),
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	<-conn.DisconnectNotify()
	log.Info().Msg("server: client disconnected")

	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	return cache.Close()
}

// dispatcher keeps document-sync notifications on the read loop so they are
// applied in wire order, while requests run concurrently. Running didChange
// concurrently would let an older full-text sync land after a newer one.
type dispatcher struct {
	sync  jsonrpc2.Handler
	async jsonrpc2.Handler
}

func (d dispatcher) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "textDocument/didOpen", "textDocument/didChange", "textDocument/didClose":
		d.sync.Handle(ctx, conn, req)
	default:
		d.async.Handle(ctx, conn, req)
	}
}

// handle dispatches one request or notification.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	log.Debug().Str("method", req.Method).Bool("notif", req.Notif).Msg("server: request")

	switch req.Method {
	case "initialize":
		var p protocol.InitializeParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.initialize(&p)

	case "initialized":
		s.startIndexing(ctx)
		return nil, nil

	case "shutdown":
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		return nil, nil

	case "exit":
		conn.Close()
		return nil, nil

	case "textDocument/didOpen":
		var p protocol.DidOpenTextDocumentParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		doc, err := s.docs.Open(ctx, p.TextDocument.URI, p.TextDocument.Version, p.TextDocument.Text)
		if err != nil {
			return nil, err
		}
		s.refresh(ctx, doc)
		return nil, nil

	case "textDocument/didChange":
		var p protocol.DidChangeTextDocumentParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		if len(p.ContentChanges) == 0 {
			return nil, nil
		}
		// Full-text sync: the last change carries the whole document.
		text := p.ContentChanges[len(p.ContentChanges)-1].Text
		doc, err := s.docs.Update(ctx, p.TextDocument.URI, p.TextDocument.Version, text)
		if err != nil {
			return nil, err
		}
		s.refresh(ctx, doc)
		return nil, nil

	case "textDocument/didClose":
		var p protocol.DidCloseTextDocumentParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		doc := s.docs.Get(p.TextDocument.URI)
		s.docs.Close(p.TextDocument.URI)
		if doc != nil {
			// Parse errors belong to the open editor buffer, not the file.
			s.publishDiagnostics(ctx, doc, []protocol.Diagnostic{})
		}
		return nil, nil

	case "textDocument/documentSymbol":
		var p protocol.DocumentSymbolParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.documentSymbol(p.TextDocument.URI), nil

	case "textDocument/completion":
		var p protocol.CompletionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.completion(p.TextDocument.URI, p.Position), nil

	case "textDocument/definition":
		var p protocol.DefinitionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.definition(p.TextDocument.URI, p.Position), nil

	case "textDocument/references":
		var p protocol.ReferenceParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.references(p.TextDocument.URI, p.Position), nil

	case "textDocument/hover":
		var p protocol.HoverParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.hover(p.TextDocument.URI, p.Position), nil

	case "textDocument/rename":
		var p protocol.RenameParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.rename(p.TextDocument.URI, p.Position, p.NewName)

	case "workspace/symbol":
		var p protocol.WorkspaceSymbolParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.workspaceSymbol(p.Query), nil

	default:
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
	}
}

// initialize records the workspace root and advertises capabilities.
func (s *Server) initialize(p *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	root := ""
	if p.RootURI != "" {
		root = p.RootURI.Filename()
	} else if p.RootPath != "" {
		root = p.RootPath
	}

	s.mu.Lock()
	s.rootPath = root
	s.mu.Unlock()

	log.Info().Str("root", root).Msg("server: initialize")

	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindFull,
			},
			CompletionProvider: &protocol.CompletionOptions{
				TriggerCharacters: []string{"$"},
			},
			HoverProvider:           true,
			DefinitionProvider:      true,
			ReferencesProvider:      true,
			RenameProvider:          true,
			DocumentSymbolProvider:  true,
			WorkspaceSymbolProvider: true,
		},
		ServerInfo: &protocol.ServerInfo{Name: serverName},
	}, nil
}

// startIndexing builds the workspace index in the background.
func (s *Server) startIndexing(ctx context.Context) {
	if !s.cfg.Index.EnabledOrDefault() {
		return
	}

	s.mu.Lock()
	root := s.rootPath
	s.mu.Unlock()
	if root == "" {
		return
	}

	var cache *index.Cache
	if path := s.cfg.Cache.PathOrDefault(); path != "" {
		c, err := index.OpenCache(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("server: index cache unavailable")
		} else {
			cache = c
		}
	}

	idx := index.New(root, cache)
	s.mu.Lock()
	s.idx = idx
	s.cache = cache
	s.mu.Unlock()

	go func() {
		if err := idx.Build(ctx); err != nil {
			log.Error().Err(err).Msg("server: index build")
		}
	}()
}

// refresh recomputes a document's globals, publishes its parse diagnostics,
// and updates the workspace index.
func (s *Server) refresh(ctx context.Context, doc *document.Document) {
	globals := analysis.GlobalDeclarations(doc.Root(), doc.Text, doc.URI)

	diags := globals.Diagnostics
	if diags == nil {
		// An empty array clears previously published diagnostics.
		diags = []protocol.Diagnostic{}
	}
	s.publishDiagnostics(ctx, doc, diags)

	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if idx != nil {
		idx.Update(doc.URI, globals.Symbols())
	}
}

func (s *Server) publishDiagnostics(ctx context.Context, doc *document.Document, diags []protocol.Diagnostic) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	params := protocol.PublishDiagnosticsParams{
		URI:         doc.URI,
		Version:     uint32(doc.Version),
		Diagnostics: diags,
	}
	if err := conn.Notify(ctx, "textDocument/publishDiagnostics", params); err != nil {
		log.Error().Err(err).Str("uri", string(doc.URI)).Msg("server: publish diagnostics")
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeParseError, Message: err.Error()}
	}
	return nil
}

// stdrwc glues stdin and stdout into one stream for jsonrpc2.
type stdrwc struct{}

func (stdrwc) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdrwc) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdrwc) Close() error {
	if err := os.Stdin.Close(); err != nil {
		return err
	}
	return os.Stdout.Close()
}
