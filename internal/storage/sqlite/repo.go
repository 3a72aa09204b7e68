// Package sqlite implements a SQLite-backed storage.Destination using
// database/sql. SQLite has no COPY primitive; a prepared INSERT inside a
// transaction gives the same atomic-chunk contract at acceptable speed, and
// makes the full load path testable without a server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/tshmit/foodb/internal/storage"
)

// SQLITE_BUSY and SQLITE_LOCKED: another connection holds the file; safe to
// retry the same chunk.
const (
	codeBusy   = 5
	codeLocked = 6
)

// Repository is a SQLite-backed storage.Destination.
type Repository struct {
	db  *sql.DB
	cfg storage.Config
}

var _ storage.Destination = (*Repository)(nil)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		return NewRepository(ctx, cfg)
	})
}

// NewRepository opens the database file named by the DSN, e.g.
// "file:food.db?cache=shared" or a bare path.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Writers queue behind each other instead of failing immediately.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

// table returns the quoted destination name. SQLite has no schemas in the
// Postgres sense; a configured schema becomes a name prefix.
func (r *Repository) table() string {
	name := r.cfg.Table
	if r.cfg.Schema != "" {
		name = r.cfg.Schema + "_" + name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BulkWrite inserts rows via a prepared statement inside one transaction.
func (r *Repository) BulkWrite(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	cols := make([]string, len(r.cfg.Columns))
	marks := make([]string, len(r.cfg.Columns))
	for i, c := range r.cfg.Columns {
		cols[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
		marks[i] = "?"
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.table(), strings.Join(cols, ", "), strings.Join(marks, ", "))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("sqlite: begin: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return 0, classify(fmt.Errorf("sqlite: prepare: %w", err))
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(r.cfg.Columns) {
			return 0, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(r.cfg.Columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, classify(fmt.Errorf("sqlite: insert row %d: %w", i, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("sqlite: commit: %w", err))
	}
	return int64(len(rows)), nil
}

// RowCount returns count(*) of the destination table.
func (r *Repository) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM "+r.table()).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("sqlite: row count: %w", err))
	}
	return n, nil
}

// Exec runs one statement.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("sqlite: exec: %w", err))
	}
	return nil
}

// Truncate empties the destination table. SQLite spells it DELETE FROM.
func (r *Repository) Truncate(ctx context.Context) error {
	return r.Exec(ctx, "DELETE FROM "+r.table())
}

// Close closes the database.
func (r *Repository) Close() { r.db.Close() }

func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return storage.Transient(err)
		}
	}
	return err
}
