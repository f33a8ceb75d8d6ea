// Package store persists usagegate's relational state: workspaces, plans,
// subscriptions, endpoint costs, API keys, the usage ledger, and admin
// accounts. SQLite is the default backend; PostgreSQL and MySQL are supported
// for shared deployments.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps the database handle with typed query methods per entity.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured backend and runs migrations. driver is one
// of "sqlite" (default when empty), "postgres", or "mysql"; dsn is
// driver-specific and may be empty for an in-memory SQLite database.
func Open(driver, dsn string) (*Store, error) {
	var driverName string
	switch driver {
	case "", "sqlite":
		driverName = "sqlite"
		if dsn == "" {
			dsn = ":memory:?_journal_mode=WAL"
		}
	case "postgres":
		driverName = "pgx"
	case "mysql":
		driverName = "mysql"
		if dsn != "" {
			dsn = dsn + "?parseTime=true"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driverName == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driverName}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// OpenDir opens a file-backed SQLite store under dataDir, creating the
// directory if needed. Pass empty string for in-memory.
func OpenDir(dataDir string) (*Store, error) {
	if dataDir == "" {
		return Open("sqlite", "")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, "usagegate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	return Open("sqlite", dsn)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind translates ?-style placeholders to the connected driver's bindvar
// syntax so query methods stay portable across backends.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
