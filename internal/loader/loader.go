// Package loader drains a row source into a storage.Destination in atomic
// chunks, with resume-by-row-count, duplicate resolution, bounded retry of
// transient write failures, and timer-gated progress reporting.
//
// Emission order is deterministic: the main stream minus withheld duplicate
// rows, followed by one winner per duplicate key in first-seen key order.
// Resume depends on this: skipping the first N emissions of the same input
// reproduces exactly the rows a previous run already committed.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tshmit/foodb/internal/dedup"
	"github.com/tshmit/foodb/internal/eventlog"
	"github.com/tshmit/foodb/internal/parser/delim"
	"github.com/tshmit/foodb/internal/skiplog"
	"github.com/tshmit/foodb/internal/storage"
)

// DefaultChunkSize balances transaction overhead against retry cost: a
// failed chunk is resubmitted whole.
const DefaultChunkSize = 10000

// DefaultProgressEvery is how often a progress event is emitted.
const DefaultProgressEvery = 10 * time.Second

// Row is one record ready for the destination.
type Row struct {
	Number int64  // 0-based data row index in the source
	Key    string // normalized key, empty when the table has no key column
	Score  dedup.Score
	Values []any // aligned to the destination column order
}

// RowSource produces rows. Next returns io.EOF at a clean end of input and
// *delim.RowError for a malformed row that the stream can continue past.
type RowSource interface {
	Next() (Row, error)
}

// Options configures one load.
type Options struct {
	Dest      storage.Destination
	ChunkSize int

	Resume   bool // skip rows already counted in the destination
	Truncate bool // empty the destination first; incompatible with Resume
	Lenient  bool // skip malformed rows instead of aborting

	Retry        RetryPolicy
	ForceRetries bool // allow retries under Resume despite the count hazard

	// DupKeys is the duplicate key set from preflight; nil disables
	// resolution (only valid when the input is known duplicate-free).
	DupKeys map[string]struct{}

	// DedupeAll resolves duplicates without a side file by keying every row
	// in memory; only safe for small inputs.
	DedupeAll bool

	ProgressEvery time.Duration
	ExpectedRows  int64 // for ETA in progress events; 0 disables

	// PostLoad statements (typically index DDL) run after a successful load.
	PostLoad []string

	SkipLog *skiplog.Log
}

// Result summarizes a finished load.
type Result struct {
	RowsLoaded           int64
	ChunksCommitted      int64
	RowsSkippedResume    int64
	RowsSkippedMalformed int64
	DuplicatesWithheld   int64 // rows buffered for resolution
	DuplicatesDropped    int64 // losing duplicate rows discarded
	DuplicateKeys        int   // duplicate groups resolved
}

func (o *Options) validate() error {
	if o.Dest == nil {
		return fmt.Errorf("loader: destination must not be nil")
	}
	if o.ChunkSize < 0 {
		return fmt.Errorf("loader: chunk size must not be negative")
	}
	if o.Resume && o.Truncate {
		return fmt.Errorf("loader: resume and truncate are mutually exclusive")
	}
	// A retried chunk can double-commit on some backends after an ambiguous
	// failure, which corrupts the row count the next resume would trust.
	if o.Resume && o.Retry.MaxRetries > 0 && !o.ForceRetries {
		return fmt.Errorf("loader: retries are disabled under resume (use force-retries to override)")
	}
	return nil
}

// Run loads src into opt.Dest. It returns the partial Result alongside any
// error, so callers can report how far a failed run got.
func Run(ctx context.Context, src RowSource, opt Options, log *eventlog.Logger) (Result, error) {
	var res Result
	if err := opt.validate(); err != nil {
		return res, err
	}
	chunkSize := opt.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	every := opt.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	retry := opt.Retry
	if opt.Resume && !opt.ForceRetries {
		retry.MaxRetries = 0
	}

	if opt.Truncate {
		if err := opt.Dest.Truncate(ctx); err != nil {
			return res, fmt.Errorf("truncate: %w", err)
		}
		log.Event("truncated", nil)
	}

	var skip int64
	if opt.Resume {
		n, err := opt.Dest.RowCount(ctx)
		if err != nil {
			return res, fmt.Errorf("resume count: %w", err)
		}
		skip = n
		log.Event("resume", eventlog.Fields{"rows_present": n})
	}

	var resolver *dedup.Resolver
	switch {
	case opt.DedupeAll:
		resolver = dedup.NewResolverAll()
	case len(opt.DupKeys) > 0:
		resolver = dedup.NewResolver(opt.DupKeys)
	}

	var (
		emitted int64
		chunk   = make([][]any, 0, chunkSize)
		start   = time.Now()
		last    = start
	)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := retry.do(ctx, func() error {
			n, err := opt.Dest.BulkWrite(ctx, chunk)
			if err != nil {
				return err
			}
			res.RowsLoaded += n
			return nil
		})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", res.ChunksCommitted+1, err)
		}
		res.ChunksCommitted++
		chunk = chunk[:0]
		return nil
	}

	emit := func(values []any) error {
		if emitted < skip {
			emitted++
			res.RowsSkippedResume++
			return nil
		}
		emitted++
		chunk = append(chunk, values)
		if len(chunk) >= chunkSize {
			return flush()
		}
		return nil
	}

	progress := func() {
		now := time.Now()
		if now.Sub(last) < every {
			return
		}
		last = now
		elapsed := now.Sub(start).Seconds()
		rps := float64(0)
		if elapsed > 0 {
			rps = float64(res.RowsLoaded) / elapsed
		}
		f := eventlog.Fields{
			"rows_loaded": humanize.Comma(res.RowsLoaded),
			"rows_sec":    fmt.Sprintf("%.0f", rps),
			"elapsed":     now.Sub(start).Truncate(time.Second).String(),
		}
		if opt.ExpectedRows > 0 && rps > 0 {
			remaining := opt.ExpectedRows - skip - res.RowsLoaded
			if remaining > 0 {
				f["eta"] = (time.Duration(float64(remaining)/rps) * time.Second).String()
			}
		}
		log.Event("progress", f)
	}

	for {
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var re *delim.RowError
			if errors.As(err, &re) {
				if opt.Lenient {
					res.RowsSkippedMalformed++
					opt.SkipLog.Add(skiplog.ReasonMalformed, re.Row, "", re.Err.Error())
					continue
				}
				return res, fmt.Errorf("malformed input: %w", err)
			}
			return res, err
		}

		if resolver != nil && resolver.Offer(row.Key, row.Score, row.Values) {
			res.DuplicatesWithheld++
			continue
		}
		if err := emit(row.Values); err != nil {
			return res, err
		}
		progress()
	}

	if resolver != nil {
		for _, w := range resolver.Winners() {
			if err := emit(w.Payload.([]any)); err != nil {
				return res, err
			}
		}
		res.DuplicatesDropped = resolver.Dropped()
		res.DuplicateKeys = resolver.Pending()
	}

	if err := flush(); err != nil {
		return res, err
	}

	for _, stmt := range opt.PostLoad {
		if err := retry.do(ctx, func() error { return opt.Dest.Exec(ctx, stmt) }); err != nil {
			return res, fmt.Errorf("post-load: %w", err)
		}
	}

	log.Event("load_done", eventlog.Fields{
		"rows_loaded":       res.RowsLoaded,
		"chunks":            res.ChunksCommitted,
		"skipped_resume":    res.RowsSkippedResume,
		"skipped_malformed": res.RowsSkippedMalformed,
		"dup_keys":          res.DuplicateKeys,
		"dup_dropped":       res.DuplicatesDropped,
		"elapsed":           time.Since(start).Truncate(time.Millisecond).String(),
	})
	return res, nil
}
