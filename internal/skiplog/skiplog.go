// Package skiplog writes the sidecar file of rows a lenient load skipped,
// one CSV line per skip, so a run can be audited after the fact.
package skiplog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// Reasons recorded by the loader.
const (
	ReasonMalformed  = "malformed"
	ReasonBadKey     = "bad_key"
	ReasonDupDropped = "duplicate_dropped"
)

// Log is a CSV sidecar of skipped rows. A nil *Log is valid and drops
// everything, so callers never branch on whether a skip file was requested.
type Log struct {
	f      *os.File
	w      *csv.Writer
	counts map[string]int64
}

// New creates (truncating) the sidecar at path and writes the header.
func New(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("skiplog: create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"reason", "row", "key", "detail"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("skiplog: header: %w", err)
	}
	return &Log{f: f, w: w, counts: make(map[string]int64)}, nil
}

// Add records one skipped row. row is the 0-based data row index; key and
// detail may be empty.
func (l *Log) Add(reason string, row int64, key, detail string) {
	if l == nil {
		return
	}
	l.counts[reason]++
	_ = l.w.Write([]string{reason, strconv.FormatInt(row, 10), key, detail})
}

// Counts returns skips per reason so far.
func (l *Log) Counts() map[string]int64 {
	if l == nil {
		return nil
	}
	out := make(map[string]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of rows recorded.
func (l *Log) Total() int64 {
	if l == nil {
		return 0
	}
	var n int64
	for _, v := range l.counts {
		n += v
	}
	return n
}

// Close flushes and closes the sidecar.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return fmt.Errorf("skiplog: flush: %w", err)
	}
	return l.f.Close()
}
