// Package preflight implements the read-only validation pass that must
// precede any load: it hashes the file, detects the delimiter, extracts and
// normalizes every natural key, finds duplicated keys with an external sort,
// and writes the manifest (plus the duplicate-keys side file) that the loader
// requires before it will write a single row.
//
// Finding duplicates is an expected, handled outcome, not a failure: the run
// succeeds either way and the census lands in the manifest.
package preflight

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tshmit/foodb/internal/checksum"
	"github.com/tshmit/foodb/internal/dedup"
	"github.com/tshmit/foodb/internal/eventlog"
	"github.com/tshmit/foodb/internal/extsort"
	"github.com/tshmit/foodb/internal/manifest"
	"github.com/tshmit/foodb/internal/normalize"
	"github.com/tshmit/foodb/internal/parser/delim"
)

// Options configures one preflight run.
type Options struct {
	// Path is the source file (.csv/.tsv, optionally .gz).
	Path string

	// KeyColumn names the natural-key column. Empty skips the duplicate
	// census (the manifest still records file identity and row count).
	KeyColumn string

	// Parse carries row-source options (delimiter override, UTF-8 policy,
	// field size limit).
	Parse delim.Options

	// Lenient skips and counts malformed rows instead of failing the run.
	Lenient bool

	// TmpDir receives external-sort spill files. Empty uses os.TempDir().
	TmpDir string

	// RunSize overrides the external sorter's in-memory run size (testing).
	RunSize int

	// DuplicateSamples caps how many duplicated keys are embedded in the
	// manifest itself. Defaults to 20.
	DuplicateSamples int

	// DuplicateKeysOut, when set, receives every duplicated key, one per
	// line; the manifest records the path.
	DuplicateKeysOut string

	// ManifestOut is where the manifest JSON is written.
	ManifestOut string
}

// Run executes the preflight pass and returns the manifest it wrote.
func Run(ctx context.Context, opt Options, log *eventlog.Logger) (*manifest.Manifest, error) {
	if opt.Path == "" {
		return nil, errors.New("preflight: missing input path")
	}
	if opt.ManifestOut == "" {
		return nil, errors.New("preflight: missing manifest output path")
	}
	if opt.DuplicateSamples <= 0 {
		opt.DuplicateSamples = 20
	}
	tmpDir := opt.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	start := time.Now()

	// Hash and scan run concurrently; each takes its own read of the file.
	var digest checksum.Digest
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := checksum.File(opt.Path)
		if err != nil {
			return err
		}
		digest = d
		return nil
	})

	sorter := extsort.New(tmpDir, opt.RunSize)
	defer sorter.Cleanup()

	var (
		rowsTotal    int64
		keysTotal    int64
		skippedNoKey int64
		skippedRows  int64
		replaced     int64
		delimiterUse rune
		delimiterDet rune
	)

	g.Go(func() error {
		st, err := delim.NewSource(opt.Path, opt.Parse).Open()
		if err != nil {
			return err
		}
		defer st.Close()

		delimiterUse = st.Delimiter
		delimiterDet = st.Detected
		log.Event("dialect", eventlog.Fields{
			"delimiter": fmt.Sprintf("%q", st.Delimiter),
			"detected":  fmt.Sprintf("%q", st.Detected),
		})

		if opt.KeyColumn != "" && !st.HasColumn(opt.KeyColumn) {
			return fmt.Errorf("input is missing required column: %s", opt.KeyColumn)
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := st.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			var re *delim.RowError
			if errors.As(err, &re) {
				if !opt.Lenient {
					return re
				}
				skippedRows++
				continue
			}
			if err != nil {
				return err
			}
			rowsTotal++
			if opt.KeyColumn == "" {
				continue
			}
			key := normalize.Code(st.Field(rec, opt.KeyColumn))
			if key == "" {
				skippedNoKey++
				continue
			}
			if err := sorter.Add(key); err != nil {
				return err
			}
			keysTotal++
		}
		replaced = st.Replaced()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	census, err := countDuplicates(sorter, opt)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{
		FormatVersion:        manifest.FormatVersion,
		CreatedAt:            time.Now().UTC(),
		FilePath:             opt.Path,
		FileBytes:            digest.Bytes,
		FileSHA256:           digest.SHA256,
		FileXXH3:             digest.XXH3,
		Delimiter:            string(delimiterUse),
		DetectedDelimiter:    string(delimiterDet),
		RowsTotal:            rowsTotal,
		KeysTotal:            keysTotal,
		KeysUnique:           keysTotal - census.occurrences,
		DuplicateKeys:        census.values,
		DuplicateOccurrences: census.occurrences,
		DuplicatesFound:      census.values > 0,
		DuplicateSamples:     census.samples,
		SkippedNoKey:         skippedNoKey,
		SkippedRows:          skippedRows,
		ReplacedBytes:        replaced,
		SortSeconds:          time.Since(start).Seconds(),
	}
	if opt.DuplicateKeysOut != "" {
		m.DuplicateKeysPath = opt.DuplicateKeysOut
	}

	if err := manifest.Write(opt.ManifestOut, m); err != nil {
		return nil, err
	}
	log.Event("preflight_done", eventlog.Fields{
		"manifest":         opt.ManifestOut,
		"rows_total":       rowsTotal,
		"keys_total":       keysTotal,
		"duplicates_found": m.DuplicatesFound,
		"duplicate_keys":   m.DuplicateKeys,
		"seconds":          time.Since(start).Round(10 * time.Millisecond).Seconds(),
	})
	return m, nil
}

type dupCensus struct {
	values      int64 // distinct keys with more than one occurrence
	occurrences int64 // surplus occurrences beyond the first of each key
	samples     []string
}

// countDuplicates walks the sorted key stream and records every key that
// appears more than once. When a side file is requested, each duplicated key
// is written exactly once.
func countDuplicates(sorter *extsort.Sorter, opt Options) (dupCensus, error) {
	var c dupCensus

	it, err := sorter.Sort()
	if err != nil {
		return c, err
	}
	defer it.Close()

	var out *bufio.Writer
	var fh *os.File
	if opt.DuplicateKeysOut != "" {
		if err := os.MkdirAll(filepath.Dir(opt.DuplicateKeysOut), 0o755); err != nil {
			return c, fmt.Errorf("duplicate keys dir: %w", err)
		}
		fh, err = os.Create(opt.DuplicateKeysOut)
		if err != nil {
			return c, fmt.Errorf("duplicate keys file: %w", err)
		}
		defer fh.Close()
		out = bufio.NewWriter(fh)
	}

	prev := ""
	prevCount := 0
	for {
		key, ok := it.Next()
		if !ok {
			break
		}
		if key == prev && prevCount > 0 {
			c.occurrences++
			prevCount++
			if prevCount == 2 {
				c.values++
				if out != nil {
					out.WriteString(key)
					out.WriteByte('\n')
				}
				if len(c.samples) < opt.DuplicateSamples {
					c.samples = append(c.samples, key)
				}
			}
			continue
		}
		prev = key
		prevCount = 1
	}

	if out != nil {
		if err := out.Flush(); err != nil {
			return c, fmt.Errorf("duplicate keys flush: %w", err)
		}
	}
	return c, nil
}

// VerifyKeySet is a convenience used by the loader path: it loads the side
// file named by the manifest and checks its cardinality against the census.
func VerifyKeySet(manifestPath string, m *manifest.Manifest) (map[string]struct{}, error) {
	path := manifest.ResolveDuplicateKeysPath(manifestPath, m)
	if path == "" {
		return nil, nil
	}
	keys, err := dedup.LoadKeySet(path)
	if err != nil {
		return nil, err
	}
	if int64(len(keys)) != m.DuplicateKeys {
		return nil, fmt.Errorf("duplicate keys file %s has %d keys, manifest reports %d",
			path, len(keys), m.DuplicateKeys)
	}
	return keys, nil
}
