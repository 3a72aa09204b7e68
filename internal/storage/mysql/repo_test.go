package mysql

import (
	"fmt"
	"strings"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/tshmit/foodb/internal/storage"
)

func TestInsertSQL(t *testing.T) {
	r := &Repository{cfg: storage.Config{Table: "food", Columns: []string{"code", "name"}}}
	got := r.insertSQL(2)
	want := "INSERT INTO `food` (`code`, `name`) VALUES (?,?),(?,?)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	r.cfg.Schema = "off"
	if got := r.insertSQL(1); !strings.HasPrefix(got, "INSERT INTO `off`.`food` ") {
		t.Fatalf("schema not qualified: %q", got)
	}
}

func TestClassify(t *testing.T) {
	deadlock := fmt.Errorf("insert: %w", &gomysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"})
	if !storage.IsTransient(classify(deadlock)) {
		t.Fatalf("deadlock not transient")
	}
	lockWait := fmt.Errorf("insert: %w", &gomysql.MySQLError{Number: errLockTimeout, Message: "Lock wait timeout"})
	if !storage.IsTransient(classify(lockWait)) {
		t.Fatalf("lock timeout not transient")
	}
	dup := fmt.Errorf("insert: %w", &gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if storage.IsTransient(classify(dup)) {
		t.Fatalf("duplicate key classified transient")
	}
	if storage.IsTransient(classify(fmt.Errorf("plain"))) {
		t.Fatalf("plain error classified transient")
	}
}
