// Package sqlite is the embedded datastore backend, used for local runs and
// tests. Uniqueness is enforced by indexes; violations surface as
// store.ErrConflict.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/store"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	driverName = "sqlite"
	timeLayout = time.RFC3339Nano
	dateLayout = "2006-01-02"
)

// Repository implements store.Repository on SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Repository = (*Repository)(nil)

// DSN builds a connection string with the pragmas the schema relies on.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// Open creates the database file if needed, runs migrations and returns a
// ready repository.
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("Open: create db directory: %w", err)
		}
	}

	dsn := DSN(path)
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: open sqlite database: %w", err)
	}
	// A single writer connection keeps concurrent statements from tripping
	// SQLITE_BUSY; busy_timeout covers the migration connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: ping database: %w", err)
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(timeLayout)
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var serr *sqlitedrv.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", store.ErrConflict, serr.Error())
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(serr.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", store.ErrConflict, serr.Error())
			}
		}
	}
	return err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
