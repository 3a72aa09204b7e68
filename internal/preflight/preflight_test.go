package preflight_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tshmit/foodb/internal/eventlog"
	"github.com/tshmit/foodb/internal/manifest"
	"github.com/tshmit/foodb/internal/preflight"
)

func discard() *eventlog.Logger { return eventlog.NewWriter(eventlog.Text, io.Discard) }

func writeInput(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "in.tsv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestRunProducesCensus(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, strings.Join([]string{
		"code\tname",
		"0001\ta",
		"0002\tb",
		"0001\tc",    // duplicate of 0001
		"notacode\t", // key normalizes to empty -> skipped
		"0003\td",
		"0001\te", // third occurrence of 0001
		"",
	}, "\n"))

	opt := preflight.Options{
		Path:             input,
		KeyColumn:        "code",
		TmpDir:           dir,
		RunSize:          2, // force spills
		ManifestOut:      filepath.Join(dir, "in.manifest.json"),
		DuplicateKeysOut: filepath.Join(dir, "in.dups.txt"),
	}
	m, err := preflight.Run(context.Background(), opt, discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if m.RowsTotal != 6 {
		t.Fatalf("rows_total=%d want 6", m.RowsTotal)
	}
	if m.KeysTotal != 5 {
		t.Fatalf("keys_total=%d want 5", m.KeysTotal)
	}
	if m.SkippedNoKey != 1 {
		t.Fatalf("skipped_no_key=%d want 1", m.SkippedNoKey)
	}
	if m.DuplicateKeys != 1 || m.DuplicateOccurrences != 2 || !m.DuplicatesFound {
		t.Fatalf("census=%+v", m)
	}
	if m.KeysUnique != 3 {
		t.Fatalf("keys_unique=%d want 3", m.KeysUnique)
	}

	// Side file holds the single duplicated key.
	b, err := os.ReadFile(opt.DuplicateKeysOut)
	if err != nil {
		t.Fatalf("read dups: %v", err)
	}
	if strings.TrimSpace(string(b)) != "0001" {
		t.Fatalf("dups file=%q", b)
	}

	// Manifest on disk validates against the untouched input.
	onDisk, err := manifest.Read(opt.ManifestOut)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if err := onDisk.Validate(input); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRunWithoutKeyColumn(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "a\tb\n1\t2\n3\t4\n")
	m, err := preflight.Run(context.Background(), preflight.Options{
		Path:        input,
		TmpDir:      dir,
		ManifestOut: filepath.Join(dir, "m.json"),
	}, discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.RowsTotal != 2 || m.KeysTotal != 0 || m.DuplicatesFound {
		t.Fatalf("manifest=%+v", m)
	}
}

func TestRunFailsOnMissingKeyColumn(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "a\tb\n1\t2\n")
	_, err := preflight.Run(context.Background(), preflight.Options{
		Path:        input,
		KeyColumn:   "code",
		TmpDir:      dir,
		ManifestOut: filepath.Join(dir, "m.json"),
	}, discard())
	if err == nil || !strings.Contains(err.Error(), "missing required column") {
		t.Fatalf("err=%v", err)
	}
}

func TestStrictModeFailsOnRaggedRow(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "code\tname\n1\ta\n2\n")
	_, err := preflight.Run(context.Background(), preflight.Options{
		Path:        input,
		KeyColumn:   "code",
		TmpDir:      dir,
		ManifestOut: filepath.Join(dir, "m.json"),
	}, discard())
	if err == nil {
		t.Fatalf("expected malformed-row error")
	}
}

func TestLenientModeCountsRaggedRows(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "code\tname\n1\ta\n2\n3\tb\n")
	m, err := preflight.Run(context.Background(), preflight.Options{
		Path:        input,
		KeyColumn:   "code",
		Lenient:     true,
		TmpDir:      dir,
		ManifestOut: filepath.Join(dir, "m.json"),
	}, discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.SkippedRows != 1 || m.RowsTotal != 2 {
		t.Fatalf("skipped=%d rows=%d", m.SkippedRows, m.RowsTotal)
	}
}

func TestVerifyKeySetCardinality(t *testing.T) {
	dir := t.TempDir()
	dups := filepath.Join(dir, "dups.txt")
	if err := os.WriteFile(dups, []byte("001\n002\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := &manifest.Manifest{DuplicateKeys: 2, DuplicateKeysPath: dups}
	keys, err := preflight.VerifyKeySet(filepath.Join(dir, "m.json"), m)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len=%d", len(keys))
	}

	m.DuplicateKeys = 3
	if _, err := preflight.VerifyKeySet(filepath.Join(dir, "m.json"), m); err == nil {
		t.Fatalf("expected cardinality error")
	}
}
