package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgconn"

	// PostgreSQL driver via the pgx database/sql adapter.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gitswarm/gitswarm/internal/errkind"
)

const serverTablePrefix = "gitswarm_"

// postgresStore is the server backend. Federation tables carry the
// gitswarm_ prefix; queries are written against logical names and rewritten
// here.
type postgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the server database.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Backend() Backend { return BackendPostgres }

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, prefixTables(query, serverTablePrefix), args...)
	return res, classifyPostgres(err)
}

func (s *postgresStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, prefixTables(query, serverTablePrefix), args...)
	return rows, classifyPostgres(err)
}

func (s *postgresStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, prefixTables(query, serverTablePrefix), args...)
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, prefixTables(query, serverTablePrefix), args...)
	return res, classifyPostgres(err)
}

func (t *postgresTx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, prefixTables(query, serverTablePrefix), args...)
	return rows, classifyPostgres(err)
}

func (t *postgresTx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, prefixTables(query, serverTablePrefix), args...)
}

func (s *postgresStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classifyPostgres(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

// AcquireLock takes a session-scoped advisory lock on a dedicated
// connection. The connection is held until release.
func (s *postgresStore) AcquireLock(ctx context.Context, name string) (func() error, error) {
	key := lockKey(name)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err, "acquire lock %s", name)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		_ = conn.Close()
		return nil, errkind.Wrap(errkind.Transient, err, "acquire lock %s", name)
	}

	release := func() error {
		_, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		closeErr := conn.Close()
		if err != nil {
			return err
		}
		return closeErr
	}
	return release, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64()) // #nosec G115 - advisory key, wraparound is fine
}

// classifyPostgres maps SQLSTATE codes onto the kind taxonomy.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return errkind.Wrap(errkind.Duplicate, err, "unique violation")
		case "23503":
			return errkind.Wrap(errkind.InvalidInput, err, "fk violation")
		case "40001", "40P01":
			return errkind.Wrap(errkind.Transient, err, "serialization failure")
		case "57014":
			return errkind.Wrap(errkind.Transient, err, "query canceled")
		}
		return errkind.Wrap(errkind.Fatal, err, "postgres %s", pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.Transient, err, "canceled")
	}
	return errkind.Wrap(errkind.Fatal, err, "postgres")
}
