// Package store abstracts over the two SQL backends of the federation
// engine: an embedded SQLite database for the local runtime and a networked
// PostgreSQL database for the server runtime.
//
// Queries are written once, in the canonical dialect: `$1, $2, ...`
// placeholders and unprefixed logical table names. Each backend rewrites the
// query at execution time (placeholder form, table prefixes) so callers never
// branch on the backend. The adapter owns no state beyond the connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/gitswarm/gitswarm/internal/errkind"
)

// Backend identifies which SQL engine a Store is connected to.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Querier is the query surface shared by a Store and a transaction inside it.
type Querier interface {
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is a connected SQL backend.
//
// InTx runs fn inside a single transaction. On SQLite the transaction takes
// the write lock up front (immediate mode) so concurrent writers serialize
// instead of deadlocking; on PostgreSQL it runs at serializable isolation.
// A serialization failure surfaces as a transient error the caller may retry.
type Store interface {
	Querier
	InTx(ctx context.Context, fn func(q Querier) error) error
	AcquireLock(ctx context.Context, name string) (release func() error, err error)
	Backend() Backend
	Close() error
}

// Logical table names subject to backend prefixing. The server backend maps
// each to gitswarm_<name>; the embedded backend uses them as-is. The git
// mechanics provider's own tables (gc_*) are never touched by the engine.
var logicalTables = []string{
	"agents",
	"repos",
	"repo_access",
	"maintainers",
	"branch_rules",
	"streams",
	"stream_parents",
	"stream_reviews",
	"stream_commits",
	"merges",
	"merge_queue",
	"conflicts",
	"tasks",
	"task_claims",
	"stabilizations",
	"promotions",
	"karma_ledger",
	"sync_events",
	"sync_state",
	"plugin_dispatch",
}

var tablePattern = regexp.MustCompile(`\b(` + strings.Join(logicalTables, "|") + `)\b`)

// prefixTables rewrites logical table names with the given prefix.
func prefixTables(query, prefix string) string {
	if prefix == "" {
		return query
	}
	return tablePattern.ReplaceAllString(query, prefix+"$1")
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// sqlitePlaceholders rewrites $N placeholders to SQLite's ?N form. Ordinal
// argument binding is preserved because ?N binds the N-th parameter.
func sqlitePlaceholders(query string) string {
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

// NotFound reports whether err is a no-rows result from QueryRow().Scan.
func NotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errkind.Is(err, errkind.NotFound)
}

// ScanOne adapts a QueryRow scan error into the kind taxonomy.
func ScanOne(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errkind.New(errkind.NotFound, "%s not found", what)
	}
	return errkind.Wrap(errkind.Fatal, err, "scan %s", what)
}
