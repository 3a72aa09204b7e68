// Package mysql implements a MySQL-backed storage.Destination. MySQL's
// fastest client-side bulk path is a multi-row INSERT; one statement per
// chunk inside a transaction keeps the atomic-chunk contract.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/tshmit/foodb/internal/storage"
)

// Retryable MySQL server errors: deadlock and lock-wait timeout.
const (
	errDeadlock    = 1213
	errLockTimeout = 1205
)

// Repository is a MySQL-backed storage.Destination.
type Repository struct {
	db  *sql.DB
	cfg storage.Config
}

var _ storage.Destination = (*Repository)(nil)

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		return NewRepository(ctx, cfg)
	})
}

// NewRepository opens a MySQL connection pool from a go-sql-driver DSN.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

func quoteIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

// table returns the destination name, schema-qualified when configured.
func (r *Repository) table() string {
	if r.cfg.Schema != "" {
		return quoteIdent(r.cfg.Schema) + "." + quoteIdent(r.cfg.Table)
	}
	return quoteIdent(r.cfg.Table)
}

// insertSQL builds one multi-row INSERT for n rows.
func (r *Repository) insertSQL(n int) string {
	cols := make([]string, len(r.cfg.Columns))
	for i, c := range r.cfg.Columns {
		cols[i] = quoteIdent(c)
	}
	marks := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", r.table(), strings.Join(cols, ", "))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(marks)
	}
	return b.String()
}

// BulkWrite inserts rows with one multi-row INSERT inside a transaction.
func (r *Repository) BulkWrite(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(rows)*len(r.cfg.Columns))
	for i, row := range rows {
		if len(row) != len(r.cfg.Columns) {
			return 0, fmt.Errorf("mysql: row %d has %d values, want %d", i, len(row), len(r.cfg.Columns))
		}
		args = append(args, row...)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("mysql: begin: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.insertSQL(len(rows)), args...)
	if err != nil {
		return 0, classify(fmt.Errorf("mysql: insert into %s: %w", r.table(), err))
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("mysql: commit: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}

// RowCount returns count(*) of the destination table.
func (r *Repository) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM "+r.table()).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("mysql: row count: %w", err))
	}
	return n, nil
}

// Exec runs one statement.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("mysql: exec: %w", err))
	}
	return nil
}

// Truncate empties the destination table.
func (r *Repository) Truncate(ctx context.Context) error {
	return r.Exec(ctx, "TRUNCATE TABLE "+r.table())
}

// Close closes the pool.
func (r *Repository) Close() { r.db.Close() }

func classify(err error) error {
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDeadlock, errLockTimeout:
			return storage.Transient(err)
		}
	}
	return err
}
