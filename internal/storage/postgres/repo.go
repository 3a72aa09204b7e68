// Package postgres implements a Postgres/CockroachDB Destination using pgx
// v5. Bulk writes go through COPY inside a transaction, which keeps each
// chunk atomic and resubmittable after a serialization retry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tshmit/foodb/internal/storage"
)

// serializationFailure is the SQLSTATE both Postgres and CockroachDB use for
// transaction conflicts that the client is expected to retry.
const serializationFailure = "40001"

// Repository is a Postgres-backed storage.Destination.
type Repository struct {
	pool *pgxpool.Pool
	cfg  storage.Config
}

var _ storage.Destination = (*Repository)(nil)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		return NewRepository(ctx, cfg)
	})
	// CockroachDB speaks the Postgres wire protocol; same backend, second name.
	storage.Register("cockroach", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		return NewRepository(ctx, cfg)
	})
}

// NewRepository opens a connection pool and verifies it with a ping.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, nil
}

// ident is the COPY target, schema-qualified when a schema is configured.
func (r *Repository) ident() pgx.Identifier {
	if r.cfg.Schema != "" {
		return pgx.Identifier{r.cfg.Schema, r.cfg.Table}
	}
	return pgx.Identifier{r.cfg.Table}
}

// BulkWrite COPYs rows into the destination table inside one transaction.
func (r *Repository) BulkWrite(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, r.ident(), r.cfg.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, classify(fmt.Errorf("copy into %s: %w", r.ident().Sanitize(), err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return n, nil
}

// RowCount returns count(*) of the destination table.
func (r *Repository) RowCount(ctx context.Context) (int64, error) {
	var n int64
	q := "SELECT count(*) FROM " + r.ident().Sanitize()
	if err := r.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("row count: %w", err))
	}
	return n, nil
}

// Exec runs one statement, e.g. CREATE TABLE or TRUNCATE.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return classify(fmt.Errorf("exec %s: %w", firstWord(stmt), err))
	}
	return nil
}

// Truncate empties the destination table.
func (r *Repository) Truncate(ctx context.Context) error {
	return r.Exec(ctx, "TRUNCATE TABLE "+r.ident().Sanitize())
}

// Close releases the pool.
func (r *Repository) Close() { r.pool.Close() }

// classify wraps serialization failures as transient so the chunk loop
// retries them; everything else passes through as fatal.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == serializationFailure {
		return storage.Transient(err)
	}
	return err
}

func firstWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
