package index

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.lsp.dev/protocol"
	_ "modernc.org/sqlite" // register sqlite driver
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS files (
	path   TEXT PRIMARY KEY,
	mtime  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS declarations (
	path       TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	container  TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	start_char INTEGER NOT NULL,
	end_line   INTEGER NOT NULL,
	end_char   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_declarations_path ON declarations(path);
`

// Cache is a SQLite-backed store of per-file declarations, keyed by path and
// mtime, so unchanged files skip re-parsing across server restarts.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenCache creates or opens the declaration cache at the given path.
func OpenCache(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index cache: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the database. Safe on a nil receiver.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached declarations for path if its recorded mtime
// matches. Safe on a nil receiver (always a miss).
func (c *Cache) Get(path string, mtime int64, docURI protocol.DocumentURI) ([]protocol.SymbolInformation, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var stored int64
	err := c.db.QueryRow("SELECT mtime FROM files WHERE path = ?", path).Scan(&stored)
	if err != nil || stored != mtime {
		return nil, false
	}

	rows, err := c.db.Query(
		"SELECT name, kind, container, start_line, start_char, end_line, end_char FROM declarations WHERE path = ? ORDER BY start_line, start_char",
		path,
	)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var decls []protocol.SymbolInformation
	for rows.Next() {
		var (
			name, container string
			kind            int
			sl, sc, el, ec  uint32
		)
		if err := rows.Scan(&name, &kind, &container, &sl, &sc, &el, &ec); err != nil {
			return nil, false
		}
		decls = append(decls, protocol.SymbolInformation{
			Name: name,
			Kind: protocol.SymbolKind(kind),
			Location: protocol.Location{
				URI: docURI,
				Range: protocol.Range{
					Start: protocol.Position{Line: sl, Character: sc},
					End:   protocol.Position{Line: el, Character: ec},
				},
			},
			ContainerName: container,
		})
	}
	if rows.Err() != nil {
		return nil, false
	}
	return decls, true
}

// Put stores the declarations for path at the given mtime, replacing any
// previous entry. No-op on a nil receiver.
func (c *Cache) Put(path string, mtime int64, decls []protocol.SymbolInformation) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index: cache put begin")
		return
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec("DELETE FROM declarations WHERE path = ?", path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index: cache put clear")
		return
	}
	for _, d := range decls {
		r := d.Location.Range
		if _, err := tx.Exec(
			"INSERT INTO declarations (path, name, kind, container, start_line, start_char, end_line, end_char) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			path, d.Name, int(d.Kind), d.ContainerName,
			r.Start.Line, r.Start.Character, r.End.Line, r.End.Character,
		); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("index: cache put insert")
			return
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO files (path, mtime) VALUES (?, ?)", path, mtime); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index: cache put mtime")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index: cache put commit")
	}
}

// Forget drops a file's cache entry. No-op on a nil receiver.
func (c *Cache) Forget(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index: cache forget")
	}
	c.db.Exec("DELETE FROM declarations WHERE path = ?", path) //nolint:errcheck // best-effort
}
