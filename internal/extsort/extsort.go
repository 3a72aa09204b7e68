// Package extsort provides a disk-backed sort over newline-delimited string
// keys, so duplicate detection stays memory-bounded on files with hundreds of
// millions of rows. Keys are buffered in memory up to a run size, spilled as
// sorted run files, and merged with a k-way heap.
//
// Run files are verified with an XXH3 digest on read-back: a truncated or
// tampered spill must fail the preflight rather than under-report duplicates.
package extsort

import (
	"bufio"
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tshmit/foodb/internal/checksum"
)

// DefaultRunSize is the number of keys held in memory before spilling.
const DefaultRunSize = 1_000_000

// Sorter accumulates keys and produces a sorted iteration over all of them.
type Sorter struct {
	tmpDir  string
	runSize int
	buf     []string
	runs    []run
	total   int64
}

type run struct {
	path   string
	digest string
}

// New builds a Sorter spilling into tmpDir. runSize <= 0 selects
// DefaultRunSize.
func New(tmpDir string, runSize int) *Sorter {
	if runSize <= 0 {
		runSize = DefaultRunSize
	}
	return &Sorter{tmpDir: tmpDir, runSize: runSize}
}

// Add appends one key. Keys must not contain newlines.
func (s *Sorter) Add(key string) error {
	if strings.ContainsRune(key, '\n') {
		return fmt.Errorf("extsort: key contains newline: %q", key)
	}
	s.buf = append(s.buf, key)
	s.total++
	if len(s.buf) >= s.runSize {
		return s.spill()
	}
	return nil
}

// Total returns how many keys were added.
func (s *Sorter) Total() int64 { return s.total }

func (s *Sorter) spill() error {
	sort.Strings(s.buf)
	var b strings.Builder
	for _, k := range s.buf {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	data := []byte(b.String())

	path := filepath.Join(s.tmpDir, fmt.Sprintf("run_%04d.keys", len(s.runs)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("extsort: write run: %w", err)
	}
	s.runs = append(s.runs, run{path: path, digest: checksum.Bytes(data)})
	s.buf = s.buf[:0]
	return nil
}

// Sort flushes the final run and returns an iterator yielding every key in
// ascending byte order (duplicates adjacent). The iterator must be closed.
func (s *Sorter) Sort() (*Iterator, error) {
	if len(s.runs) == 0 {
		// Everything fit in memory; no merge needed.
		sort.Strings(s.buf)
		return &Iterator{mem: s.buf}, nil
	}
	if len(s.buf) > 0 {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}

	it := &Iterator{}
	for _, r := range s.runs {
		data, err := os.ReadFile(r.path)
		if err != nil {
			it.Close()
			return nil, fmt.Errorf("extsort: read run: %w", err)
		}
		if got := checksum.Bytes(data); got != r.digest {
			it.Close()
			return nil, fmt.Errorf("extsort: run %s digest mismatch (spill corrupted)", r.path)
		}
		f, err := os.Open(r.path)
		if err != nil {
			it.Close()
			return nil, fmt.Errorf("extsort: open run: %w", err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		src := &runReader{f: f, sc: sc}
		it.files = append(it.files, src)
		if src.advance() {
			heap.Push(&it.h, src)
		}
	}
	return it, nil
}

// Cleanup removes all spill files. Safe to call multiple times.
func (s *Sorter) Cleanup() {
	for _, r := range s.runs {
		_ = os.Remove(r.path)
	}
	s.runs = nil
}

type runReader struct {
	f    *os.File
	sc   *bufio.Scanner
	head string
	done bool
}

func (r *runReader) advance() bool {
	if r.sc.Scan() {
		r.head = r.sc.Text()
		return true
	}
	r.done = true
	return false
}

type runHeap []*runReader

func (h runHeap) Len() int           { return len(h) }
func (h runHeap) Less(i, j int) bool { return h[i].head < h[j].head }
func (h runHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)        { *h = append(*h, x.(*runReader)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Iterator yields keys in sorted order via Next.
type Iterator struct {
	// in-memory path
	mem []string
	pos int
	// merge path
	h     runHeap
	files []*runReader
}

// Next returns the next key in order. ok is false when the sequence is
// exhausted.
func (it *Iterator) Next() (key string, ok bool) {
	if it.files == nil {
		if it.pos >= len(it.mem) {
			return "", false
		}
		k := it.mem[it.pos]
		it.pos++
		return k, true
	}
	if it.h.Len() == 0 {
		return "", false
	}
	top := it.h[0]
	k := top.head
	if top.advance() {
		heap.Fix(&it.h, 0)
	} else {
		heap.Pop(&it.h)
	}
	return k, true
}

// Close releases all run file handles.
func (it *Iterator) Close() {
	for _, f := range it.files {
		_ = f.f.Close()
	}
	it.files = nil
}
