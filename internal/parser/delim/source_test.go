package delim_test

import (
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tshmit/foodb/internal/parser/delim"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func mustOpen(t *testing.T, path string, opt delim.Options) *delim.Stream {
	t.Helper()
	st, err := delim.NewSource(path, opt).Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStreamBasics(t *testing.T) {
	path := writeFile(t, "in.tsv", "code\tname\n001\talpha\n002\tbeta\n")
	st := mustOpen(t, path, delim.Options{})

	if st.Delimiter != '\t' {
		t.Fatalf("delimiter=%q", st.Delimiter)
	}
	if len(st.Header) != 2 || st.Header[0] != "code" {
		t.Fatalf("header=%v", st.Header)
	}

	rec, err := st.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Index != 0 || st.Field(rec, "code") != "001" || st.Field(rec, "name") != "alpha" {
		t.Fatalf("rec=%+v", rec)
	}
	rec, err = st.Next()
	if err != nil || rec.Index != 1 {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}
	if _, err := st.Next(); err != io.EOF {
		t.Fatalf("want EOF, got %v", err)
	}
}

func TestBOMOnlyAffectsFirstHeaderField(t *testing.T) {
	path := writeFile(t, "in.csv", "\ufeffcode,name\n1,a\n")
	st := mustOpen(t, path, delim.Options{})
	if st.Header[0] != "code" {
		t.Fatalf("BOM leaked into header: %q", st.Header[0])
	}
	if st.Delimiter != ',' {
		t.Fatalf("delimiter=%q", st.Delimiter)
	}
}

func TestExplicitDelimiterWins(t *testing.T) {
	// Header contains more commas than pipes, but the override wins.
	path := writeFile(t, "in.txt", "a|b,c,d\nx|y,z,w\n")
	st := mustOpen(t, path, delim.Options{Delimiter: '|'})
	if st.Delimiter != '|' {
		t.Fatalf("delimiter=%q", st.Delimiter)
	}
	if st.Detected != ',' {
		t.Fatalf("detected=%q, want ','", st.Detected)
	}
	if len(st.Header) != 2 {
		t.Fatalf("header=%v", st.Header)
	}
}

func TestGzipInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte("code,name\n007,bond\n")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st := mustOpen(t, path, delim.Options{})
	rec, err := st.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if st.Field(rec, "code") != "007" {
		t.Fatalf("code=%q", st.Field(rec, "code"))
	}
}

func TestFieldCountMismatchIsRowError(t *testing.T) {
	path := writeFile(t, "in.csv", "a,b,c\n1,2,3\n4,5\n6,7,8\n")
	st := mustOpen(t, path, delim.Options{})

	if _, err := st.Next(); err != nil {
		t.Fatalf("row 0: %v", err)
	}
	_, err := st.Next()
	var re *delim.RowError
	if !errors.As(err, &re) {
		t.Fatalf("want RowError, got %v", err)
	}
	if re.Row != 1 {
		t.Fatalf("row=%d want 1", re.Row)
	}
	// The stream continues past the bad row.
	rec, err := st.Next()
	if err != nil || rec.Fields[0] != "6" {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}
}

func TestStrictUTF8IsFatal(t *testing.T) {
	path := writeFile(t, "in.csv", "code,name\n1,a\xff\xfeb\n")
	st := mustOpen(t, path, delim.Options{})
	_, err := st.Next()
	if !errors.Is(err, delim.ErrInvalidUTF8) {
		t.Fatalf("want ErrInvalidUTF8, got %v", err)
	}
}

func TestReplaceUTF8CountsSubstitutions(t *testing.T) {
	path := writeFile(t, "in.csv", "code,name\n1,a\xff\xfeb\n")
	st := mustOpen(t, path, delim.Options{ReplaceInvalidUTF8: true})
	rec, err := st.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if st.Replaced() != 2 {
		t.Fatalf("replaced=%d want 2", st.Replaced())
	}
	if got := st.Field(rec, "name"); got != "a��b" {
		t.Fatalf("name=%q", got)
	}
}

func TestRestartRereadsFromBeginning(t *testing.T) {
	path := writeFile(t, "in.tsv", "code\tname\n1\ta\n2\tb\n")
	src := delim.NewSource(path, delim.Options{})

	for attempt := 0; attempt < 2; attempt++ {
		st, err := src.Open()
		if err != nil {
			t.Fatalf("open #%d: %v", attempt, err)
		}
		rec, err := st.Next()
		if err != nil || rec.Index != 0 || rec.Fields[0] != "1" {
			t.Fatalf("attempt %d: rec=%+v err=%v", attempt, rec, err)
		}
		_ = st.Close()
	}
}

func TestEmptyFile(t *testing.T) {
	path := writeFile(t, "in.csv", "")
	if _, err := delim.NewSource(path, delim.Options{}).Open(); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestFieldSizeLimit(t *testing.T) {
	path := writeFile(t, "in.csv", "a,b\n1,22222222\n")
	st := mustOpen(t, path, delim.Options{FieldSizeLimit: 4})
	_, err := st.Next()
	var re *delim.RowError
	if !errors.As(err, &re) {
		t.Fatalf("want RowError, got %v", err)
	}
}
