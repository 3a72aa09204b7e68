// Package eventlog emits the structured run events (run start, resume, chunk
// commits, warnings, completion) that let an operator reconstruct a load
// timeline after the fact. Two line formats are supported: human-readable
// text and JSONL for machine consumption.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Format selects the output line format.
type Format string

const (
	// Text renders "[ts] event k=v k=v" lines.
	Text Format = "text"
	// JSONL renders one JSON object per line with ts and event fields.
	JSONL Format = "jsonl"
)

// Fields carries the event payload. Values must be JSON-encodable.
type Fields map[string]any

// Logger writes events to stdout and, optionally, appends them to a file.
// It is not safe for concurrent use; the pipeline is sequential by design.
type Logger struct {
	format Format
	out    io.Writer
	fh     *os.File
	now    func() time.Time
}

// New builds a Logger. logFile may be empty; when set, its parent directory
// is created and events are appended.
func New(format Format, logFile string) (*Logger, error) {
	if format != Text && format != JSONL {
		return nil, fmt.Errorf("eventlog: unknown format %q", format)
	}
	l := &Logger{format: format, out: os.Stdout, now: time.Now}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create dir: %w", err)
		}
		fh, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open %s: %w", logFile, err)
		}
		l.fh = fh
	}
	return l, nil
}

// NewWriter builds a Logger that writes only to w. Used by tests.
func NewWriter(format Format, w io.Writer) *Logger {
	return &Logger{format: format, out: w, now: time.Now}
}

// Close releases the log file, if any.
func (l *Logger) Close() {
	if l == nil || l.fh == nil {
		return
	}
	_ = l.fh.Close()
	l.fh = nil
}

// Event emits one event line. A nil Logger is a no-op so callers can pass
// loggers through without nil checks at every site.
func (l *Logger) Event(name string, f Fields) {
	if l == nil {
		return
	}
	ts := l.now().UTC().Format(time.RFC3339)
	var line string
	if l.format == JSONL {
		payload := make(map[string]any, len(f)+2)
		for k, v := range f {
			payload[k] = v
		}
		payload["ts"] = ts
		payload["event"] = name
		b, err := json.Marshal(payload)
		if err != nil {
			b = []byte(fmt.Sprintf(`{"ts":%q,"event":%q,"marshal_error":%q}`, ts, name, err))
		}
		line = string(b)
	} else {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s", ts, name)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, f[k])
		}
		line = b.String()
	}
	fmt.Fprintln(l.out, line)
	if l.fh != nil {
		fmt.Fprintln(l.fh, line)
	}
}
