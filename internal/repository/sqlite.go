package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "./kestrel.db"

// sqlitePragmas are applied on every connection. WAL keeps the hot
// evaluation path from blocking on review-queue writes; busy_timeout
// covers the brief writer lock during rule reloads.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the embedded database used by the community tier.
// modernc.org/sqlite is pure Go, so no CGO toolchain is needed.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(path)
	for i, pragma := range sqlitePragmas {
		if i == 0 {
			dsn.WriteString("?_pragma=")
		} else {
			dsn.WriteString("&_pragma=")
		}
		dsn.WriteString(pragma)
	}

	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	return db, nil
}
