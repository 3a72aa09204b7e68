package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tshmit/foodb/internal/dedup"
	"github.com/tshmit/foodb/internal/normalize"
	"github.com/tshmit/foodb/internal/parser/delim"
	"github.com/tshmit/foodb/internal/skiplog"
)

// ColumnSpec binds one source header to one destination column.
type ColumnSpec struct {
	Source string // header name exactly as the file spells it
	Name   string // destination column
	Type   string // STRING, INT8, FLOAT8, DATE
}

// FileSpec describes how records of one file become destination rows.
type FileSpec struct {
	Columns []ColumnSpec

	// KeyColumn is the source header holding the record key; empty disables
	// keying (and with it duplicate resolution).
	KeyColumn string

	// LastModified is the source header holding an epoch-seconds timestamp
	// used as the recency component of the duplicate score; optional.
	LastModified string

	// Measurements are the source headers counted as present measurements
	// in the duplicate score; optional.
	Measurements []string
}

// FileSource adapts a delimited stream into a RowSource: it types values per
// column, normalizes keys, computes duplicate scores, and drops key-less
// rows the same way every run, which resume depends on.
type FileSource struct {
	stream *delim.Stream
	spec   FileSpec
	skip   *skiplog.Log
	badKey int64
}

// NewFileSource validates that every referenced header exists and returns
// the adapter. A missing column is an input-integrity failure, caught here
// before anything is written.
func NewFileSource(stream *delim.Stream, spec FileSpec, skip *skiplog.Log) (*FileSource, error) {
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("source: no columns selected")
	}
	var missing []string
	for _, c := range spec.Columns {
		if !stream.HasColumn(c.Source) {
			missing = append(missing, c.Source)
		}
	}
	if spec.KeyColumn != "" && !stream.HasColumn(spec.KeyColumn) {
		missing = append(missing, spec.KeyColumn)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source: header is missing column(s) %s", strings.Join(missing, ", "))
	}
	return &FileSource{stream: stream, spec: spec, skip: skip}, nil
}

// Next implements RowSource. Rows whose key normalizes to nothing are
// recorded in the skip log and silently passed over; they can never be
// resolved against a duplicate census.
func (s *FileSource) Next() (Row, error) {
	for {
		rec, err := s.stream.Next()
		if err != nil {
			return Row{}, err
		}

		var key string
		if s.spec.KeyColumn != "" {
			raw := s.stream.Field(rec, s.spec.KeyColumn)
			key = normalize.Code(raw)
			if key == "" {
				s.badKey++
				s.skip.Add(skiplog.ReasonBadKey, rec.Index, "", fmt.Sprintf("unusable key %q", raw))
				continue
			}
		}

		values := make([]any, len(s.spec.Columns))
		for i, c := range s.spec.Columns {
			raw := s.stream.Field(rec, c.Source)
			if c.Source == s.spec.KeyColumn {
				raw = key
			}
			v, err := convertValue(c.Type, raw)
			if err != nil {
				return Row{}, &delim.RowError{Row: rec.Index, Err: fmt.Errorf("column %s: %w", c.Name, err)}
			}
			values[i] = v
		}

		return Row{
			Number: rec.Index,
			Key:    key,
			Score:  s.score(rec),
			Values: values,
		}, nil
	}
}

// BadKeys returns how many rows were dropped for unusable keys so far.
func (s *FileSource) BadKeys() int64 { return s.badKey }

// score builds the duplicate-resolution score for one record: newest
// last-modified wins, then most measurements present, then most fields
// populated. Field order breaks remaining ties upstream.
func (s *FileSource) score(rec delim.Record) dedup.Score {
	var sc dedup.Score
	if s.spec.LastModified != "" {
		if v := normalize.IntText(s.stream.Field(rec, s.spec.LastModified)); v != "" {
			sc.LastModified, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	for _, m := range s.spec.Measurements {
		if strings.TrimSpace(s.stream.Field(rec, m)) != "" {
			sc.Measurements++
		}
	}
	for _, f := range rec.Fields {
		if strings.TrimSpace(f) != "" {
			sc.Populated++
		}
	}
	return sc
}

// convertValue types one raw field for the destination. Empty values become
// NULL; a non-empty value that does not fit the column type is a row error.
func convertValue(typ, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}
	switch typ {
	case "INT8":
		t := normalize.IntText(v)
		if t == "" {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	case "FLOAT8":
		t := normalize.FloatText(v)
		if t == "" {
			return nil, fmt.Errorf("%q is not a number", v)
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	case "DATE":
		iso := normalize.Date(v)
		t, err := time.Parse("2006-01-02", iso)
		if err != nil {
			return nil, fmt.Errorf("%q is not a date", v)
		}
		return t, nil
	default:
		return v, nil
	}
}
