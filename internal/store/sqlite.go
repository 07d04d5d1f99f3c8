package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/gitswarm/gitswarm/internal/errkind"

	// Embedded SQLite driver (WASM build, no cgo).
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteStore is the embedded backend. One writer at a time; busy_timeout
// plus immediate transactions serialize concurrent local processes.
type sqliteStore struct {
	db      *sql.DB
	lockDir string
}

// OpenSQLite opens (creating if needed) the federation database at path.
// Advisory locks are flock files next to the database.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite has one writer and the pool otherwise
	// multiplies lock contention.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &sqliteStore{db: db, lockDir: filepath.Dir(path)}, nil
}

func (s *sqliteStore) Backend() Backend { return BackendSQLite }

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, sqlitePlaceholders(query), args...)
	return res, classifySQLite(err)
}

func (s *sqliteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePlaceholders(query), args...)
	return rows, classifySQLite(err)
}

func (s *sqliteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, sqlitePlaceholders(query), args...)
}

// sqliteTx adapts *sql.Tx to Querier with the same rewriting.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, sqlitePlaceholders(query), args...)
	return res, classifySQLite(err)
}

func (t *sqliteTx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, sqlitePlaceholders(query), args...)
	return rows, classifySQLite(err)
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, sqlitePlaceholders(query), args...)
}

func (s *sqliteStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(err)
	}
	return nil
}

// AcquireLock takes a flock-backed advisory lock. The returned release
// function must be called exactly once.
func (s *sqliteStore) AcquireLock(ctx context.Context, name string) (func() error, error) {
	fl := flock.New(filepath.Join(s.lockDir, name+".lock"))

	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err, "acquire lock %s", name)
	}
	if !ok {
		return nil, errkind.New(errkind.Transient, "lock %s held elsewhere", name)
	}
	return fl.Unlock, nil
}

// classifySQLite maps SQLite driver errors onto the kind taxonomy. The
// driver reports constraint failures as text; match on the stable fragments.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errkind.Wrap(errkind.Duplicate, err, "unique violation")
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errkind.Wrap(errkind.InvalidInput, err, "fk violation")
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return errkind.Wrap(errkind.Transient, err, "database busy")
	case strings.Contains(msg, "interrupted"), strings.Contains(msg, "context deadline"):
		return errkind.Wrap(errkind.Transient, err, "interrupted")
	default:
		return errkind.Wrap(errkind.Fatal, err, "sqlite")
	}
}
