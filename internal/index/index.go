// Package index maintains a workspace-wide map of shell script declarations
// for go-to-definition and workspace symbol search.
package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"mvdan.cc/sh/v3/fileutil"

	"github.com/xonecas/shls/internal/analysis"
	"github.com/xonecas/shls/internal/document"
)

// maxFileSize caps how large a script the indexer will parse.
const maxFileSize = 1 << 20

// Index holds the global declarations of every shell script in a workspace.
type Index struct {
	mu    sync.RWMutex
	files map[protocol.DocumentURI][]protocol.SymbolInformation
	flat  []protocol.SymbolInformation // invalidated on every mutation
	root  string
	cache *Cache
}

// New creates an empty index rooted at dir. cache may be nil to disable
// persistent caching.
func New(root string, cache *Cache) *Index {
	return &Index{
		files: make(map[protocol.DocumentURI][]protocol.SymbolInformation),
		root:  root,
		cache: cache,
	}
}

// Build walks the workspace, collecting global declarations from every shell
// script. Skips .git, gitignored paths, and files larger than maxFileSize.
// Unchanged files are served from the cache without re-parsing.
func (idx *Index) Build(ctx context.Context) error {
	ignore, err := loadIgnoreList(idx.root)
	if err != nil {
		ignore = &ignoreList{}
	}

	indexed := 0
	err = filepath.WalkDir(idx.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(idx.root, path)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if d.Name() == ".git" || ignore.Skip(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.Skip(rel, false) {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}
		if !isShellScript(path) {
			return nil
		}

		if idx.indexFile(ctx, path, rel, info.ModTime().Unix()) {
			indexed++
		}
		return nil
	})

	log.Info().Int("files", indexed).Str("root", idx.root).Msg("index: build done")
	return err
}

// indexFile parses one script (or loads it from the cache) and records its
// global declarations. Reports whether the file ended up in the index.
func (idx *Index) indexFile(ctx context.Context, absPath, rel string, mtime int64) bool {
	docURI := protocol.DocumentURI(uri.File(absPath))

	if decls, ok := idx.cache.Get(rel, mtime, docURI); ok {
		idx.set(docURI, decls)
		return len(decls) > 0
	}

	src, err := os.ReadFile(absPath)
	if err != nil {
		return false
	}
	t, err := document.Parse(ctx, src)
	if err != nil {
		log.Debug().Err(err).Str("path", rel).Msg("index: parse failed")
		return false
	}
	defer t.Close()

	decls := analysis.GlobalDeclarations(t.RootNode(), src, docURI).Symbols()
	idx.cache.Put(rel, mtime, decls)
	if len(decls) == 0 {
		return false
	}
	idx.set(docURI, decls)
	return true
}

// Update replaces the indexed declarations for one document. Used by the
// server as the editor reports opens and edits.
func (idx *Index) Update(docURI protocol.DocumentURI, decls []protocol.SymbolInformation) {
	idx.set(docURI, decls)
}

// Remove drops a document from the index.
func (idx *Index) Remove(docURI protocol.DocumentURI) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.files, docURI)
	idx.flat = nil
}

// Lookup returns every indexed declaration with exactly the given name.
func (idx *Index) Lookup(name string) []protocol.SymbolInformation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []protocol.SymbolInformation
	for _, decls := range idx.files {
		for _, d := range decls {
			if d.Name == name {
				out = append(out, d)
			}
		}
	}
	return out
}

// Query returns indexed declarations whose name contains the query,
// case-insensitively. An empty query matches everything.
func (idx *Index) Query(query string) []protocol.SymbolInformation {
	if query == "" {
		return idx.Symbols()
	}
	q := strings.ToLower(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []protocol.SymbolInformation
	for _, decls := range idx.files {
		for _, d := range decls {
			if strings.Contains(strings.ToLower(d.Name), q) {
				out = append(out, d)
			}
		}
	}
	return out
}

// Symbols returns every indexed declaration. The flattened slice is cached
// between mutations so per-keystroke callers skip the per-file loop; callers
// must not modify it.
func (idx *Index) Symbols() []protocol.SymbolInformation {
	idx.mu.RLock()
	flat := idx.flat
	idx.mu.RUnlock()
	if flat != nil {
		return flat
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.flat == nil {
		flat = make([]protocol.SymbolInformation, 0, len(idx.files))
		for _, decls := range idx.files {
			flat = append(flat, decls...)
		}
		idx.flat = flat
	}
	return idx.flat
}

// Files returns the URIs currently in the index.
func (idx *Index) Files() []protocol.DocumentURI {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	uris := make([]protocol.DocumentURI, 0, len(idx.files))
	for u := range idx.files {
		uris = append(uris, u)
	}
	return uris
}

func (idx *Index) set(docURI protocol.DocumentURI, decls []protocol.SymbolInformation) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.flat = nil
	if len(decls) == 0 {
		delete(idx.files, docURI)
		return
	}
	idx.files[docURI] = decls
}

// isShellScript reports whether a file looks like a shell script, by
// extension or, for extensionless files, by shebang.
func isShellScript(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	switch fileutil.CouldBeScript(info) {
	case fileutil.ConfIsScript:
		return true
	case fileutil.ConfIfShebang:
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		defer f.Close()
		buf := make([]byte, 32)
		n, _ := f.Read(buf)
		return fileutil.HasShebang(buf[:n])
	default:
		return false
	}
}
