package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".gateflow"
	defaultDBName = "gateflow.db"
)

type Config struct {
	Workspace string
	// Memory opens a private in-memory database instead of the workspace file.
	Memory bool
}

// Dir returns the state directory for a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), defaultDBName)
}

// Open opens the SQLite database with foreign keys on and a busy timeout so
// the bot and CLI can share the file.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Memory {
		conn, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(1)
		return conn, nil
	}
	if err := os.MkdirAll(Dir(cfg.Workspace), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
