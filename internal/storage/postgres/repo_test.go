package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tshmit/foodb/internal/storage"
)

func TestClassify(t *testing.T) {
	ser := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001", Message: "restart transaction"})
	if !storage.IsTransient(classify(ser)) {
		t.Fatalf("serialization failure not transient")
	}
	uniq := fmt.Errorf("copy: %w", &pgconn.PgError{Code: "23505", Message: "duplicate key"})
	if storage.IsTransient(classify(uniq)) {
		t.Fatalf("unique violation classified transient")
	}
	if storage.IsTransient(classify(fmt.Errorf("dial tcp: refused"))) {
		t.Fatalf("plain error classified transient")
	}
}

func TestIdent(t *testing.T) {
	r := &Repository{cfg: storage.Config{Table: "food"}}
	if got := r.ident(); len(got) != 1 || got[0] != "food" {
		t.Fatalf("ident=%v", got)
	}

	r.cfg.Schema = "usda"
	want := pgx.Identifier{"usda", "food"}
	got := r.ident()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ident=%v", got)
	}
	if s := got.Sanitize(); s != `"usda"."food"` {
		t.Fatalf("sanitize=%q", s)
	}
}
