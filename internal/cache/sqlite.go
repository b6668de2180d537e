// Package cache persists a warm-start copy of each session's transcript.
// The server-side session stays authoritative; this cache only lets a
// freshly mounted client render something before (or instead of) a
// reconnect.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if needed) the cache database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			session_id  TEXT PRIMARY KEY,
			agent       TEXT NOT NULL,
			messages    BLOB NOT NULL,
			total_cost  REAL NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transcripts_agent_idx ON transcripts(agent);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap cache schema: %w", err)
		}
	}
	return nil
}
