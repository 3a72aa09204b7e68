// Command preflight validates a delimited source file without writing to any
// database: it streams the file once, records its identity (size, SHA-256,
// XXH3), counts rows, and runs a disk-backed duplicate census over the key
// column. The result is a manifest JSON plus an optional side file listing
// every duplicated key, both consumed later by the load command.
//
// Duplicates are findings, not failures; the command exits 0 when the census
// is non-zero. Only integrity problems (unreadable input, invalid UTF-8 under
// strict decoding, malformed rows under strict policy) fail the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/tshmit/foodb/internal/eventlog"
	"github.com/tshmit/foodb/internal/parser/delim"
	"github.com/tshmit/foodb/internal/preflight"
)

func main() {
	var (
		input     string
		keyColumn string
		delimFlag string
		replace   bool
		lenient   bool
		manifest  string
		dupKeys   string
		tmpDir    string
		samples   int
		logFormat string
		logFile   string
	)

	flag.StringVar(&input, "input", "", "source file (.csv/.tsv, optionally .gz)")
	flag.StringVar(&keyColumn, "key", "code", "key column for the duplicate census; empty disables it")
	flag.StringVar(&delimFlag, "delimiter", "", "field delimiter override (single character; default: detect from header)")
	flag.BoolVar(&replace, "replace-invalid-utf8", false, "replace invalid UTF-8 bytes with U+FFFD instead of failing")
	flag.BoolVar(&lenient, "lenient", false, "skip and count malformed rows instead of failing")
	flag.StringVar(&manifest, "manifest", "", "manifest output path (default: <input>.manifest.json)")
	flag.StringVar(&dupKeys, "dup-keys", "", "duplicated-keys side file path (default: <input>.dupkeys)")
	flag.StringVar(&tmpDir, "tmp", "", "directory for external-sort spill files (default: system temp)")
	flag.IntVar(&samples, "samples", 20, "max duplicated keys embedded in the manifest as samples")
	flag.StringVar(&logFormat, "log-format", "text", "event log format: text or jsonl")
	flag.StringVar(&logFile, "log-file", "", "event log destination (default: stderr)")
	flag.Parse()

	if input == "" {
		fatalf("-input is required")
	}
	if manifest == "" {
		manifest = input + ".manifest.json"
	}
	if dupKeys == "" && keyColumn != "" {
		dupKeys = input + ".dupkeys"
	}

	var delimiter rune
	if delimFlag != "" {
		if utf8.RuneCountInString(delimFlag) != 1 {
			fatalf("-delimiter must be a single character, got %q", delimFlag)
		}
		delimiter, _ = utf8.DecodeRuneInString(delimFlag)
	}

	log, err := eventlog.New(eventlog.Format(logFormat), logFile)
	if err != nil {
		fatalf("%v", err)
	}
	defer log.Close()

	m, err := preflight.Run(context.Background(), preflight.Options{
		Path:      input,
		KeyColumn: keyColumn,
		Parse: delim.Options{
			Delimiter:          delimiter,
			ReplaceInvalidUTF8: replace,
		},
		Lenient:          lenient,
		TmpDir:           tmpDir,
		DuplicateSamples: samples,
		DuplicateKeysOut: dupKeys,
		ManifestOut:      manifest,
	}, log)
	if err != nil {
		fatalf("preflight: %v", err)
	}

	fmt.Printf("manifest: %s\n", manifest)
	fmt.Printf("rows=%d keys=%d unique=%d duplicate_keys=%d duplicate_occurrences=%d\n",
		m.RowsTotal, m.KeysTotal, m.KeysUnique, m.DuplicateKeys, m.DuplicateOccurrences)
	if m.DuplicatesFound {
		fmt.Printf("duplicated keys recorded in %s; the loader requires it\n", m.DuplicateKeysPath)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
