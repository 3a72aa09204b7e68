// Package storage contains storage-agnostic contracts and the backend
// factory. Backends (Postgres/CockroachDB, MySQL, SQLite) register
// themselves at init time; callers open a Destination through New and stay
// backend-agnostic from there.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Config holds what every backend needs to open a Destination.
type Config struct {
	Kind    string   // registered backend name, e.g. "postgres"
	DSN     string   // connection string, passed to the driver as-is
	Schema  string   // destination schema; empty means the backend default
	Table   string   // destination table name (unqualified)
	Columns []string // ordered column list for bulk writes
}

// Destination is one open destination table.
//
// BulkWrite must be atomic: either every row in the call is durably written
// or none are, so a failed chunk can be resubmitted verbatim. Implementations
// wrap retryable failures in *TransientError.
type Destination interface {
	// BulkWrite writes rows (aligned to cfg.Columns) in a single transaction
	// and returns the number of rows written.
	BulkWrite(ctx context.Context, rows [][]any) (int64, error)
	// RowCount returns the current row count of the destination table.
	RowCount(ctx context.Context) (int64, error)
	// Exec runs one statement (DDL, DROP) outside the bulk path.
	Exec(ctx context.Context, stmt string) error
	// Truncate empties the destination table.
	Truncate(ctx context.Context) error
	Close()
}

// Factory constructs a Destination for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Destination, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind. Called from backend
// packages' init() functions.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// Kinds returns the registered backend names, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Destination for cfg.Kind.
func New(ctx context.Context, cfg Config) (Destination, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend %q (registered: %v)", cfg.Kind, Kinds())
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("storage: table must not be empty")
	}
	return fn(ctx, cfg)
}

// TransientError marks a failure that is safe to retry with the same chunk:
// serialization conflicts, lock timeouts, busy databases. Everything not
// wrapped in TransientError is treated as fatal by callers.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
