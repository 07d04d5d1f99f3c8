package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/errkind"
)

func TestSQLitePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single", "SELECT * FROM agents WHERE id = $1", "SELECT * FROM agents WHERE id = ?1"},
		{"multiple", "INSERT INTO t (a, b) VALUES ($1, $2)", "INSERT INTO t (a, b) VALUES (?1, ?2)"},
		{"double digit", "UPDATE t SET a = $10 WHERE b = $11", "UPDATE t SET a = ?10 WHERE b = ?11"},
		{"repeated ordinal", "SELECT $1 WHERE x = $1", "SELECT ?1 WHERE x = ?1"},
		{"no placeholders", "SELECT COUNT(*) FROM agents", "SELECT COUNT(*) FROM agents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sqlitePlaceholders(tt.in); got != tt.want {
				t.Errorf("sqlitePlaceholders(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrefixTables(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"simple select",
			"SELECT id FROM streams WHERE repo_id = $1",
			"SELECT id FROM gitswarm_streams WHERE repo_id = $1",
		},
		{
			"join",
			"SELECT r.verdict FROM stream_reviews r JOIN agents a ON a.id = r.reviewer_id",
			"SELECT r.verdict FROM gitswarm_stream_reviews r JOIN gitswarm_agents a ON a.id = r.reviewer_id",
		},
		{
			"non-logical table untouched",
			"SELECT * FROM gc_operations",
			"SELECT * FROM gc_operations",
		},
		{
			"column named like a substring untouched",
			"SELECT stream_id FROM merges",
			"SELECT stream_id FROM gitswarm_merges",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prefixTables(tt.in, "gitswarm_"); got != tt.want {
				t.Errorf("prefixTables() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrefixTablesEmptyPrefix(t *testing.T) {
	q := "SELECT id FROM streams"
	if got := prefixTables(q, ""); got != q {
		t.Errorf("empty prefix should leave the query alone, got %q", got)
	}
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteExecAndQuery(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := st.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "alpha", "one"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var v string
	if err := st.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, "alpha").Scan(&v); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if v != "one" {
		t.Errorf("v = %q, want %q", v, "one")
	}
}

func TestSQLiteDuplicateClassification(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := st.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "alpha", "one"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := st.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "alpha", "two")
	if !errkind.Is(err, errkind.Duplicate) {
		t.Errorf("duplicate key error kind = %v, want duplicate", errkind.KindOf(err))
	}
}

func TestInTxRollback(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err := st.InTx(ctx, func(q Querier) error {
		if _, err := q.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "alpha", "one"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	var n int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled-back insert left %d rows", n)
	}
}

func TestInTxCommit(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	err := st.InTx(ctx, func(q Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "alpha", "one")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	var n int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("committed insert left %d rows, want 1", n)
	}
}

func TestAcquireLockReleaseAndReacquire(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	release, err := st.AcquireLock(ctx, "buffer-test")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	release, err = st.AcquireLock(ctx, "buffer-test")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestNotFoundAndScanOne(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var v string
	err := st.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, "missing").Scan(&v)
	if !NotFound(err) {
		t.Errorf("NotFound(no rows) = false, want true")
	}

	wrapped := ScanOne(err, "kv entry")
	if !errkind.Is(wrapped, errkind.NotFound) {
		t.Errorf("ScanOne kind = %v, want not_found", errkind.KindOf(wrapped))
	}
	if ScanOne(nil, "kv entry") != nil {
		t.Error("ScanOne(nil) should be nil")
	}
}

func TestBackend(t *testing.T) {
	st := openTestStore(t)
	if st.Backend() != BackendSQLite {
		t.Errorf("Backend() = %v, want sqlite", st.Backend())
	}
}
