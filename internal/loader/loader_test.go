package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/tshmit/foodb/internal/dedup"
	"github.com/tshmit/foodb/internal/parser/delim"
	"github.com/tshmit/foodb/internal/storage"
)

// memDest is an in-memory storage.Destination. failures is a queue of errors
// returned by successive BulkWrite calls before writes start succeeding.
type memDest struct {
	rows     [][]any
	chunks   []int
	preset   int64 // RowCount before any writes, for resume tests
	failures []error
	execs    []string
	truncs   int
}

func (m *memDest) BulkWrite(ctx context.Context, rows [][]any) (int64, error) {
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return 0, err
	}
	for _, r := range rows {
		cp := make([]any, len(r))
		copy(cp, r)
		m.rows = append(m.rows, cp)
	}
	m.chunks = append(m.chunks, len(rows))
	return int64(len(rows)), nil
}

func (m *memDest) RowCount(ctx context.Context) (int64, error) {
	return m.preset + int64(len(m.rows)), nil
}

func (m *memDest) Exec(ctx context.Context, stmt string) error {
	m.execs = append(m.execs, stmt)
	return nil
}

func (m *memDest) Truncate(ctx context.Context) error {
	m.truncs++
	m.rows = nil
	return nil
}

func (m *memDest) Close() {}

// sliceSource yields prebuilt rows, interleaving row errors at given indexes.
type sliceSource struct {
	rows    []Row
	rowErrs map[int]error // emitted instead of rows[i]
	i       int
}

func (s *sliceSource) Next() (Row, error) {
	if s.i >= len(s.rows) {
		return Row{}, io.EOF
	}
	i := s.i
	s.i++
	if err, ok := s.rowErrs[i]; ok {
		return Row{}, err
	}
	return s.rows[i], nil
}

func makeRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			Number: int64(i + 1),
			Key:    fmt.Sprintf("%013d", i+1),
			Values: []any{fmt.Sprintf("%013d", i+1), fmt.Sprintf("product %d", i+1)},
		}
	}
	return rows
}

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, Backoff: time.Microsecond, MaxBackoff: time.Millisecond}
}

func TestChunkBoundaries(t *testing.T) {
	dest := &memDest{}
	res, err := Run(context.Background(), &sliceSource{rows: makeRows(25)},
		Options{Dest: dest, ChunkSize: 10}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 25 || res.ChunksCommitted != 3 {
		t.Fatalf("res=%+v", res)
	}
	want := []int{10, 10, 5}
	for i, n := range want {
		if dest.chunks[i] != n {
			t.Fatalf("chunks=%v", dest.chunks)
		}
	}
}

func TestResumeSkipsLoadedPrefix(t *testing.T) {
	dest := &memDest{preset: 30}
	res, err := Run(context.Background(), &sliceSource{rows: makeRows(100)},
		Options{Dest: dest, ChunkSize: 50, Resume: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 70 || res.RowsSkippedResume != 30 {
		t.Fatalf("res=%+v", res)
	}
	if got := dest.rows[0][0]; got != fmt.Sprintf("%013d", 31) {
		t.Fatalf("first loaded row = %v", got)
	}
}

func TestTransientRetried(t *testing.T) {
	dest := &memDest{failures: []error{
		storage.Transient(errors.New("restart transaction")),
		storage.Transient(errors.New("restart transaction")),
	}}
	res, err := Run(context.Background(), &sliceSource{rows: makeRows(5)},
		Options{Dest: dest, Retry: fastRetry(3)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 5 || res.ChunksCommitted != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestTransientExhausted(t *testing.T) {
	dest := &memDest{failures: []error{
		storage.Transient(errors.New("busy")),
		storage.Transient(errors.New("busy")),
	}}
	_, err := Run(context.Background(), &sliceSource{rows: makeRows(5)},
		Options{Dest: dest, Retry: fastRetry(1)}, nil)
	if err == nil {
		t.Fatalf("exhausted retries accepted")
	}
	if !storage.IsTransient(err) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestFatalNotRetried(t *testing.T) {
	dest := &memDest{failures: []error{errors.New("duplicate key")}}
	_, err := Run(context.Background(), &sliceSource{rows: makeRows(5)},
		Options{Dest: dest, Retry: fastRetry(5)}, nil)
	if err == nil {
		t.Fatalf("fatal write accepted")
	}
	if len(dest.failures) != 0 || len(dest.rows) != 0 {
		t.Fatalf("fatal error was retried")
	}
}

func TestMalformedStrictAborts(t *testing.T) {
	src := &sliceSource{
		rows:    makeRows(5),
		rowErrs: map[int]error{2: &delim.RowError{Row: 3, Err: errors.New("wrong field count")}},
	}
	dest := &memDest{}
	_, err := Run(context.Background(), src, Options{Dest: dest, ChunkSize: 2}, nil)
	if err == nil {
		t.Fatalf("malformed row accepted in strict mode")
	}
	var re *delim.RowError
	if !errors.As(err, &re) || re.Row != 3 {
		t.Fatalf("err=%v", err)
	}
}

func TestMalformedLenientSkips(t *testing.T) {
	src := &sliceSource{
		rows: makeRows(5),
		rowErrs: map[int]error{
			1: &delim.RowError{Row: 2, Err: errors.New("wrong field count")},
			3: &delim.RowError{Row: 4, Err: errors.New("field too large")},
		},
	}
	dest := &memDest{}
	res, err := Run(context.Background(), src, Options{Dest: dest, Lenient: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 3 || res.RowsSkippedMalformed != 2 {
		t.Fatalf("res=%+v", res)
	}
}

func TestDuplicateResolution(t *testing.T) {
	rows := []Row{
		{Key: "a", Values: []any{"a", "v1"}},
		{Key: "b", Score: dedup.Score{LastModified: 1}, Values: []any{"b", "old"}},
		{Key: "c", Values: []any{"c", "v1"}},
		{Key: "b", Score: dedup.Score{LastModified: 2}, Values: []any{"b", "new"}},
	}
	dest := &memDest{}
	res, err := Run(context.Background(), &sliceSource{rows: rows},
		Options{Dest: dest, DupKeys: map[string]struct{}{"b": {}}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 3 || res.DuplicateKeys != 1 || res.DuplicatesDropped != 1 || res.DuplicatesWithheld != 2 {
		t.Fatalf("res=%+v", res)
	}
	// Winner is appended after the straight-through rows.
	if dest.rows[2][0] != "b" || dest.rows[2][1] != "new" {
		t.Fatalf("rows=%v", dest.rows)
	}
}

func TestResumeOverDedupedOrder(t *testing.T) {
	rows := []Row{
		{Key: "a", Values: []any{"a"}},
		{Key: "b", Score: dedup.Score{LastModified: 2}, Values: []any{"b-new"}},
		{Key: "c", Values: []any{"c"}},
		{Key: "b", Score: dedup.Score{LastModified: 1}, Values: []any{"b-old"}},
		{Key: "d", Values: []any{"d"}},
	}
	dup := map[string]struct{}{"b": {}}

	// Emission order is a, c, d, b-new; resuming after 2 loads d then b-new.
	dest := &memDest{preset: 2}
	res, err := Run(context.Background(), &sliceSource{rows: rows},
		Options{Dest: dest, Resume: true, DupKeys: dup}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 2 || res.RowsSkippedResume != 2 {
		t.Fatalf("res=%+v", res)
	}
	if dest.rows[0][0] != "d" || dest.rows[1][0] != "b-new" {
		t.Fatalf("rows=%v", dest.rows)
	}
}

func TestDedupeAllBuffersWholeInput(t *testing.T) {
	rows := []Row{
		{Key: "a", Values: []any{"a", "v1"}},
		{Key: "b", Score: dedup.Score{LastModified: 1}, Values: []any{"b", "old"}},
		{Key: "c", Values: []any{"c", "v1"}},
		{Key: "b", Score: dedup.Score{LastModified: 2}, Values: []any{"b", "new"}},
	}
	dest := &memDest{}
	res, err := Run(context.Background(), &sliceSource{rows: rows},
		Options{Dest: dest, DedupeAll: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsLoaded != 3 || res.DuplicateKeys != 3 || res.DuplicatesDropped != 1 {
		t.Fatalf("res=%+v", res)
	}
	if res.DuplicatesWithheld != 4 {
		t.Fatalf("withheld=%d", res.DuplicatesWithheld)
	}
	// Everything is emitted from the buffer in first-seen key order.
	want := [][2]string{{"a", "v1"}, {"b", "new"}, {"c", "v1"}}
	for i, w := range want {
		if dest.rows[i][0] != w[0] || dest.rows[i][1] != w[1] {
			t.Fatalf("rows=%v", dest.rows)
		}
	}
}

func TestTruncateRunsFirst(t *testing.T) {
	dest := &memDest{}
	if _, err := Run(context.Background(), &sliceSource{rows: makeRows(2)},
		Options{Dest: dest, Truncate: true}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dest.truncs != 1 {
		t.Fatalf("truncs=%d", dest.truncs)
	}
}

func TestPostLoadStatements(t *testing.T) {
	dest := &memDest{}
	ddl := []string{"CREATE INDEX IF NOT EXISTS food_description_idx ON food (description)"}
	if _, err := Run(context.Background(), &sliceSource{rows: makeRows(2)},
		Options{Dest: dest, PostLoad: ddl}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dest.execs) != 1 || dest.execs[0] != ddl[0] {
		t.Fatalf("execs=%v", dest.execs)
	}
}

func TestOptionGuards(t *testing.T) {
	src := func() *sliceSource { return &sliceSource{rows: makeRows(1)} }
	ctx := context.Background()

	if _, err := Run(ctx, src(), Options{Dest: &memDest{}, Resume: true, Truncate: true}, nil); err == nil {
		t.Fatalf("resume+truncate accepted")
	}
	if _, err := Run(ctx, src(), Options{Dest: &memDest{}, Resume: true, Retry: fastRetry(3)}, nil); err == nil {
		t.Fatalf("resume+retries accepted without force")
	}
	if _, err := Run(ctx, src(), Options{Dest: &memDest{}, Resume: true, Retry: fastRetry(3), ForceRetries: true}, nil); err != nil {
		t.Fatalf("force-retries rejected: %v", err)
	}
	if _, err := Run(ctx, src(), Options{}, nil); err == nil {
		t.Fatalf("nil destination accepted")
	}
	if _, err := Run(ctx, src(), Options{Dest: &memDest{}, ChunkSize: -1}, nil); err == nil {
		t.Fatalf("negative chunk size accepted")
	}
}

func TestRetryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Hour, MaxBackoff: time.Hour}
	err := p.do(ctx, func() error { return storage.Transient(errors.New("busy")) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
