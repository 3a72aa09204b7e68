// Package delim implements the row source: a lazy, restartable sequence of
// records parsed from a delimited text file that may be gzip-compressed.
//
// The stream is strict by construction: bytes are decoded as UTF-8 (invalid
// sequences are fatal unless the caller opts into replacement), the header is
// read exactly once with its BOM stripped, and a data line whose field count
// differs from the header surfaces as a RowError rather than being padded or
// truncated. Restartability means re-opening from the beginning — there is no
// seeking — so resumption is the caller's job (skip N records).
package delim

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/transform"

	"github.com/tshmit/foodb/internal/normalize"
)

// DefaultFieldSizeLimit caps individual field sizes; real exports carry very
// large free-text fields (category lists run to hundreds of KB).
const DefaultFieldSizeLimit = 2_000_000

// Options configures parsing. All fields are optional; zero values get
// sensible defaults.
type Options struct {
	// Delimiter is an explicit override. When zero the delimiter is detected
	// from the header line among DetectCandidates.
	Delimiter rune

	// DefaultDelimiter resolves detection ties and zero-count headers.
	// Defaults to '\t'.
	DefaultDelimiter rune

	// DetectCandidates lists the delimiters considered during detection.
	// Defaults to tab and comma.
	DetectCandidates []rune

	// ReplaceInvalidUTF8 switches the decoder from strict (fatal on bad
	// bytes) to lossy (replace with U+FFFD and count).
	ReplaceInvalidUTF8 bool

	// FieldSizeLimit caps the byte length of a single field. Rows exceeding
	// it surface as RowErrors. Defaults to DefaultFieldSizeLimit.
	FieldSizeLimit int

	// TrimSpace trims ASCII space from each field value.
	TrimSpace bool
}

// RowError marks a malformed data row (field-count mismatch, oversized field,
// or a CSV quoting error). Callers decide whether it is skip-and-count
// (lenient) or fatal (strict).
type RowError struct {
	Row int64 // 0-based data row index
	Err error
}

func (e *RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// Unwrap exposes the underlying cause.
func (e *RowError) Unwrap() error { return e.Err }

// Record is one data line paired with its 0-based row index.
type Record struct {
	Index  int64
	Fields []string
}

// Source describes a delimited file. Open may be called repeatedly; each call
// re-reads from the beginning, which is what makes the sequence restartable.
type Source struct {
	path string
	opt  Options
}

// NewSource builds a Source for path. ".gz" files are decompressed on the fly.
func NewSource(path string, opt Options) *Source {
	if opt.DefaultDelimiter == 0 {
		opt.DefaultDelimiter = '\t'
	}
	if len(opt.DetectCandidates) == 0 {
		opt.DetectCandidates = []rune{'\t', ','}
	}
	if opt.FieldSizeLimit <= 0 {
		opt.FieldSizeLimit = DefaultFieldSizeLimit
	}
	return &Source{path: path, opt: opt}
}

// Path returns the source file path.
func (s *Source) Path() string { return s.path }

// Stream is one in-progress read of a Source. It is not safe for concurrent
// use.
type Stream struct {
	// Header holds the raw header names, BOM-stripped.
	Header []string
	// Delimiter is the delimiter in effect (override or detected).
	Delimiter rune
	// Detected is what detection returned, for logging even when overridden.
	Detected rune

	opt      Options
	closers  []io.Closer
	cr       *csv.Reader
	index    int64
	headerIx map[string]int
	replaced *int64
}

// Open reads the header and returns a Stream positioned at the first data
// row. An empty file is an error.
func (s *Source) Open() (*Stream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	closers := []io.Closer{f}

	var r io.Reader = f
	if strings.HasSuffix(s.path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip %s: %w", s.path, err)
		}
		closers = append([]io.Closer{gz}, closers...)
		r = gz
	}

	var replaced int64
	policy := utf8Policy{replace: s.opt.ReplaceInvalidUTF8, replaced: &replaced}
	br := bufio.NewReaderSize(transform.NewReader(r, policy), 256*1024)

	headerLine, err := readLine(br)
	if err != nil {
		closeAll(closers)
		if errors.Is(err, io.EOF) && headerLine == "" {
			return nil, fmt.Errorf("empty file: %s", s.path)
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header of %s: %w", s.path, err)
		}
	}
	headerLine = normalize.StripBOM(headerLine)

	detected := normalize.DetectDelimiter(headerLine, s.opt.DetectCandidates, s.opt.DefaultDelimiter)
	delimiter := s.opt.Delimiter
	if delimiter == 0 {
		delimiter = detected
	}

	hr := csv.NewReader(strings.NewReader(headerLine))
	hr.Comma = delimiter
	header, err := hr.Read()
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("parse header of %s: %w", s.path, err)
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1 // width is enforced by Next with row context
	cr.LazyQuotes = false
	cr.ReuseRecord = true

	ix := make(map[string]int, len(header))
	for i, h := range header {
		ix[h] = i
	}

	return &Stream{
		Header:    header,
		Delimiter: delimiter,
		Detected:  detected,
		opt:       s.opt,
		closers:   closers,
		cr:        cr,
		headerIx:  ix,
		replaced:  &replaced,
	}, nil
}

// Next returns the next data record. io.EOF signals a clean end of input.
// A *RowError signals a malformed row the caller may skip under lenient
// policy; any other error is fatal for the file.
func (st *Stream) Next() (Record, error) {
	row, err := st.cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		if errors.Is(err, ErrInvalidUTF8) {
			return Record{}, fmt.Errorf("row %d: %w", st.index, ErrInvalidUTF8)
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			re := &RowError{Row: st.index, Err: err}
			st.index++
			return Record{}, re
		}
		return Record{}, err
	}

	idx := st.index
	st.index++

	if len(row) != len(st.Header) {
		return Record{}, &RowError{
			Row: idx,
			Err: fmt.Errorf("expected %d fields, got %d", len(st.Header), len(row)),
		}
	}

	fields := make([]string, len(row))
	for i, v := range row {
		if len(v) > st.opt.FieldSizeLimit {
			return Record{}, &RowError{
				Row: idx,
				Err: fmt.Errorf("field %d exceeds size limit (%d bytes)", i, len(v)),
			}
		}
		if st.opt.TrimSpace {
			v = strings.TrimSpace(v)
		}
		fields[i] = v
	}
	return Record{Index: idx, Fields: fields}, nil
}

// Field returns the named column's value in rec, or "" when the column is
// absent. Mirrors how positional header lookup behaves for ragged sources.
func (st *Stream) Field(rec Record, name string) string {
	i, ok := st.headerIx[name]
	if !ok || i >= len(rec.Fields) {
		return ""
	}
	return rec.Fields[i]
}

// HasColumn reports whether the header names the column.
func (st *Stream) HasColumn(name string) bool {
	_, ok := st.headerIx[name]
	return ok
}

// Replaced returns how many invalid bytes were substituted so far. Always
// zero under strict decoding.
func (st *Stream) Replaced() int64 { return *st.replaced }

// Close releases the underlying file (and gzip reader, when present).
func (st *Stream) Close() error {
	var first error
	for _, c := range st.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	st.closers = nil
	return first
}

// readLine reads one line including handling of \r\n, without the newline.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	return line, err
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
