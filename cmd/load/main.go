// Command load streams a validated delimited file (or a directory bundle of
// CSV files) into a relational destination in atomic, resumable chunks.
//
// Single-file mode requires the manifest written by the preflight command (or
// an explicit -expected-sha256); the file's identity is re-verified before
// anything is written. When the manifest reports duplicate keys, the loader
// refuses to run unless the duplicate-keys side file is available or
// -dedupe-in-memory is set, so a polluted file can never load silently.
//
// Bundle mode (-dir) loads every CSV in a directory into its own table,
// USDA-style: headers drive the table shape, identifiers are sanitized,
// primary keys inferred, and an expected-row-count census file (when present)
// lets -resume mark finished tables without re-reading them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/tshmit/foodb/internal/checksum"
	"github.com/tshmit/foodb/internal/config"
	"github.com/tshmit/foodb/internal/eventlog"
	"github.com/tshmit/foodb/internal/loader"
	"github.com/tshmit/foodb/internal/manifest"
	"github.com/tshmit/foodb/internal/parser/delim"
	"github.com/tshmit/foodb/internal/preflight"
	"github.com/tshmit/foodb/internal/schema"
	"github.com/tshmit/foodb/internal/skiplog"
	"github.com/tshmit/foodb/internal/storage"

	// register all backends with the storage factory.
	_ "github.com/tshmit/foodb/internal/storage/all"
)

type options struct {
	expectedSHA  string
	columnsMode  string
	includeSalt  bool
	create       bool
	only         string
	skipTables   string
	dictionary   string
	skipLogPath  string
	progress     time.Duration
	retryBackoff time.Duration
	bench        bool
}

func main() {
	var cfg config.Run
	var o options

	flag.StringVar(&cfg.Input.Path, "input", "", "source file (.csv/.tsv, optionally .gz)")
	flag.StringVar(&cfg.Input.Dir, "dir", "", "bundle mode: directory of CSV files, one table each")
	flag.StringVar(&cfg.Input.Manifest, "manifest", "", "preflight manifest to verify the input against")
	flag.StringVar(&cfg.Input.Delimiter, "delimiter", "", "field delimiter override (single character; default: detect)")
	flag.StringVar(&cfg.Input.KeyColumn, "key", "code", "key column for duplicate resolution; empty disables keying")
	flag.BoolVar(&cfg.Input.ReplaceInvalidUTF8, "replace-invalid-utf8", false, "replace invalid UTF-8 bytes with U+FFFD instead of failing")

	flag.StringVar(&cfg.Storage.Kind, "backend", "postgres", "destination backend: postgres, cockroach, mysql, sqlite")
	flag.StringVar(&cfg.Storage.DSN, "dsn", os.Getenv("DATABASE_URL"), "connection string (default: $DATABASE_URL)")
	flag.StringVar(&cfg.Storage.Schema, "db-schema", "", "destination schema; empty uses the backend default")
	flag.StringVar(&cfg.Storage.Table, "table", "", "destination table (single-file mode)")

	flag.IntVar(&cfg.Load.ChunkSize, "chunk", loader.DefaultChunkSize, "rows per atomic write")
	flag.BoolVar(&cfg.Load.Resume, "resume", false, "skip rows already counted in the destination")
	flag.BoolVar(&cfg.Load.Truncate, "truncate", false, "empty the destination table before loading")
	flag.BoolVar(&cfg.Load.Drop, "drop", false, "drop and recreate the destination table before loading")
	flag.BoolVar(&cfg.Load.Lenient, "lenient", false, "skip malformed rows instead of aborting")
	flag.IntVar(&cfg.Load.Retries, "retries", 5, "max retries of a transient write failure (forced to 0 under -resume)")
	flag.BoolVar(&cfg.Load.ForceRetries, "force-retries", false, "allow retries together with -resume")
	flag.BoolVar(&cfg.Load.SkipIndexes, "skip-indexes", false, "skip post-load secondary index DDL")
	flag.BoolVar(&cfg.Load.DedupeInMemory, "dedupe-in-memory", false, "resolve duplicates without a side file by keying every row in memory")

	flag.StringVar(&o.expectedSHA, "expected-sha256", "", "expected input SHA-256 when no manifest is available")
	flag.StringVar(&o.columnsMode, "columns", "minimal", "single-file column selection: minimal or all")
	flag.BoolVar(&o.includeSalt, "include-salt", false, "include the salt measurement in minimal mode")
	flag.BoolVar(&o.create, "create-tables", true, "create destination tables if they do not exist")
	flag.StringVar(&o.only, "only", "", "bundle mode: comma-separated tables to load")
	flag.StringVar(&o.skipTables, "skip", "", "bundle mode: comma-separated tables to skip")
	flag.StringVar(&o.dictionary, "dictionary", "", "data dictionary text file; source headers it never names are warned about")
	flag.StringVar(&o.skipLogPath, "skiplog", "", "skipped-row sidecar CSV path")
	flag.DurationVar(&o.progress, "progress", loader.DefaultProgressEvery, "progress event interval")
	flag.DurationVar(&o.retryBackoff, "retry-backoff", 500*time.Millisecond, "first retry delay; doubles per attempt, capped at 10s")
	flag.BoolVar(&o.bench, "bench", false, "print a throughput summary after the load")

	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	logFormat := flag.String("log-format", "text", "event log format: text or jsonl")
	logFile := flag.String("log-file", "", "event log destination (default: stderr)")
	flag.Parse()

	// -resume alone should not trip the resume/retries conflict; only an
	// explicit -retries does.
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if cfg.Load.Resume && !cfg.Load.ForceRetries && !explicit["retries"] {
		cfg.Load.Retries = 0
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.FirstError(issues) != nil {
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	log, err := eventlog.New(eventlog.Format(*logFormat), *logFile)
	if err != nil {
		fatalf("%v", err)
	}
	defer log.Close()

	var slog *skiplog.Log
	if o.skipLogPath != "" {
		slog, err = skiplog.New(o.skipLogPath)
		if err != nil {
			fatalf("%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if cfg.Input.Dir != "" {
		err = runBundle(ctx, cfg, o, slog, log)
	} else {
		err = runSingle(ctx, cfg, o, slog, log)
	}

	if cerr := slog.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if n := slog.Total(); n > 0 {
		log.Event("skiplog", eventlog.Fields{"path": o.skipLogPath, "rows": n})
	}
	if err != nil {
		fatalf("load: %v", err)
	}
	if o.bench {
		fmt.Printf("completed in %s\n", time.Since(start).Truncate(time.Millisecond))
	}
}

func retryPolicy(cfg config.Run, o options) loader.RetryPolicy {
	return loader.RetryPolicy{
		MaxRetries: cfg.Load.Retries,
		Backoff:    o.retryBackoff,
		MaxBackoff: 10 * time.Second,
	}
}

func parseOptions(in config.Input) delim.Options {
	var d rune
	if in.Delimiter != "" {
		d, _ = utf8.DecodeRuneInString(in.Delimiter)
	}
	return delim.Options{Delimiter: d, ReplaceInvalidUTF8: in.ReplaceInvalidUTF8}
}

// runSingle loads one manifest-gated file into one table.
func runSingle(ctx context.Context, cfg config.Run, o options, slog *skiplog.Log, log *eventlog.Logger) error {
	dupKeys, err := verifyInput(cfg, o, log)
	if err != nil {
		return err
	}

	st, err := delim.NewSource(cfg.Input.Path, parseOptions(cfg.Input)).Open()
	if err != nil {
		return err
	}
	defer st.Close()

	cols, scoreSources, lastMod := selectColumns(cfg.Storage.Table, st.Header, cfg.Input.KeyColumn, o.columnsMode, o.includeSalt)
	src, err := loader.NewFileSource(st, loader.FileSpec{
		Columns:      cols,
		KeyColumn:    cfg.Input.KeyColumn,
		LastModified: lastMod,
		Measurements: scoreSources,
	}, slog)
	if err != nil {
		return err
	}

	names := make([]string, len(cols))
	raw := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		raw[i] = c.Source
	}

	dest, err := storage.New(ctx, storage.Config{
		Kind:    cfg.Storage.Kind,
		DSN:     cfg.Storage.DSN,
		Schema:  cfg.Storage.Schema,
		Table:   cfg.Storage.Table,
		Columns: names,
	})
	if err != nil {
		return err
	}
	defer dest.Close()

	spec := schema.TableSpec{Table: cfg.Storage.Table, RawHeaders: raw, Columns: names}
	if err := prepareTable(ctx, dest, cfg, o, spec); err != nil {
		return err
	}

	t0 := time.Now()
	res, err := loader.Run(ctx, src, loader.Options{
		Dest:          dest,
		ChunkSize:     cfg.Load.ChunkSize,
		Resume:        cfg.Load.Resume,
		Truncate:      cfg.Load.Truncate,
		Lenient:       cfg.Load.Lenient,
		Retry:         retryPolicy(cfg, o),
		ForceRetries:  cfg.Load.ForceRetries,
		DupKeys:       dupKeys,
		DedupeAll:     cfg.Load.DedupeInMemory,
		ProgressEvery: o.progress,
		SkipLog:       slog,
	}, log)
	if err != nil {
		return err
	}
	if o.bench {
		printBench(cfg.Input.Path, res.RowsLoaded, time.Since(t0))
	}
	return nil
}

// verifyInput enforces the manifest gate and returns the duplicate key set
// the loader must resolve against (nil when the input is duplicate-free or
// in-memory dedupe was requested).
func verifyInput(cfg config.Run, o options, log *eventlog.Logger) (map[string]struct{}, error) {
	if cfg.Input.Manifest == "" {
		if o.expectedSHA == "" {
			return nil, fmt.Errorf("refusing to load without -manifest or -expected-sha256")
		}
		d, err := checksum.File(cfg.Input.Path)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(d.SHA256, o.expectedSHA) {
			return nil, fmt.Errorf("sha256 mismatch: file is %s, expected %s", d.SHA256, o.expectedSHA)
		}
		log.Event("input_verified", eventlog.Fields{"sha256": d.SHA256, "bytes": d.Bytes})
		if !cfg.Load.DedupeInMemory && cfg.Input.KeyColumn != "" {
			log.Event("no_duplicate_census", eventlog.Fields{
				"detail": "no manifest; duplicates in the input will load as-is",
			})
		}
		return nil, nil
	}

	m, err := manifest.Read(cfg.Input.Manifest)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(cfg.Input.Path); err != nil {
		return nil, err
	}
	log.Event("manifest_verified", eventlog.Fields{
		"sha256":         m.FileSHA256,
		"bytes":          m.FileBytes,
		"rows":           m.RowsTotal,
		"duplicate_keys": m.DuplicateKeys,
	})

	if !m.DuplicatesFound || cfg.Load.DedupeInMemory {
		return nil, nil
	}
	keys, err := preflight.VerifyKeySet(cfg.Input.Manifest, m)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, fmt.Errorf("manifest reports %d duplicate keys but names no side file; rerun preflight with -dup-keys or pass -dedupe-in-memory", m.DuplicateKeys)
	}
	return keys, nil
}

// prepareTable applies drop/create DDL before the load.
func prepareTable(ctx context.Context, dest storage.Destination, cfg config.Run, o options, spec schema.TableSpec) error {
	if cfg.Load.Drop {
		stmt := "DROP TABLE IF EXISTS " + schema.Qualify(cfg.Storage.Schema, spec.Table)
		if err := dest.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if o.create || cfg.Load.Drop {
		if err := dest.Exec(ctx, schema.CreateTableSQL(cfg.Storage.Schema, spec)); err != nil {
			return err
		}
	}
	return nil
}

// runBundle loads every CSV in a directory into its own table.
func runBundle(ctx context.Context, cfg config.Run, o options, slog *skiplog.Log, log *eventlog.Logger) error {
	readHeader := func(path string) ([]string, error) {
		st, err := delim.NewSource(path, delim.Options{DefaultDelimiter: ','}).Open()
		if err != nil {
			return nil, err
		}
		defer st.Close()
		return st.Header, nil
	}
	specs, err := schema.Specs(cfg.Input.Dir, readHeader)
	if err != nil {
		return err
	}
	specs = filterSpecs(specs, o.only, o.skipTables)
	if len(specs) == 0 {
		return fmt.Errorf("no tables selected")
	}

	expected, err := schema.ExpectedRows(cfg.Input.Dir)
	if err != nil {
		return err
	}

	var dictionary string
	if o.dictionary != "" {
		b, err := os.ReadFile(o.dictionary)
		if err != nil {
			return err
		}
		dictionary = string(b)
	}

	for _, spec := range specs {
		if dictionary != "" {
			found, missing := schema.Coverage(dictionary, spec)
			if !found {
				log.Event("dictionary_missing_table", eventlog.Fields{"table": spec.Table})
			} else if len(missing) > 0 {
				log.Event("dictionary_missing_columns", eventlog.Fields{
					"table": spec.Table, "columns": strings.Join(missing, ","),
				})
			}
		}
		if err := loadTable(ctx, cfg, o, spec, expected[spec.Table], slog, log); err != nil {
			return fmt.Errorf("table %s: %w", spec.Table, err)
		}
	}
	return nil
}

func loadTable(ctx context.Context, cfg config.Run, o options, spec schema.TableSpec, expectRows int64, slog *skiplog.Log, log *eventlog.Logger) error {
	dest, err := storage.New(ctx, storage.Config{
		Kind:    cfg.Storage.Kind,
		DSN:     cfg.Storage.DSN,
		Schema:  cfg.Storage.Schema,
		Table:   spec.Table,
		Columns: spec.Columns,
	})
	if err != nil {
		return err
	}
	defer dest.Close()

	if err := prepareTable(ctx, dest, cfg, o, spec); err != nil {
		return err
	}

	if cfg.Load.Resume && expectRows > 0 {
		n, err := dest.RowCount(ctx)
		if err != nil {
			return err
		}
		if n >= expectRows {
			log.Event("table_complete", eventlog.Fields{"table": spec.Table, "rows": n})
			return nil
		}
	}

	st, err := delim.NewSource(spec.Path, delim.Options{DefaultDelimiter: ','}).Open()
	if err != nil {
		return err
	}
	defer st.Close()

	cols := make([]loader.ColumnSpec, len(spec.Columns))
	for i, name := range spec.Columns {
		cols[i] = loader.ColumnSpec{
			Source: spec.RawHeaders[i],
			Name:   name,
			Type:   schema.ColumnType(spec.Table, name),
		}
	}
	src, err := loader.NewFileSource(st, loader.FileSpec{Columns: cols}, slog)
	if err != nil {
		return err
	}

	var postLoad []string
	if !cfg.Load.SkipIndexes {
		postLoad = schema.SecondaryIndexDDL(cfg.Storage.Schema, map[string]bool{spec.Table: true})
	}

	log.Event("table_start", eventlog.Fields{"table": spec.Table, "file": spec.Path})
	t0 := time.Now()
	res, err := loader.Run(ctx, src, loader.Options{
		Dest:          dest,
		ChunkSize:     cfg.Load.ChunkSize,
		Resume:        cfg.Load.Resume,
		Truncate:      cfg.Load.Truncate,
		Lenient:       cfg.Load.Lenient,
		Retry:         retryPolicy(cfg, o),
		ForceRetries:  cfg.Load.ForceRetries,
		ProgressEvery: o.progress,
		ExpectedRows:  expectRows,
		PostLoad:      postLoad,
		SkipLog:       slog,
	}, log)
	if err != nil {
		return err
	}
	if o.bench {
		printBench(spec.Path, res.RowsLoaded, time.Since(t0))
	}
	return nil
}

// filterSpecs applies -only / -skip table selection.
func filterSpecs(specs []schema.TableSpec, only, skip string) []schema.TableSpec {
	tableSet := func(list string) map[string]bool {
		m := map[string]bool{}
		for _, t := range strings.Split(list, ",") {
			if t = strings.TrimSpace(t); t != "" {
				m[t] = true
			}
		}
		return m
	}
	onlySet := tableSet(only)
	skipSet := tableSet(skip)

	var out []schema.TableSpec
	for _, s := range specs {
		if len(onlySet) > 0 && !onlySet[s.Table] {
			continue
		}
		if skipSet[s.Table] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// printBench reports one load's throughput: rows/s and source MiB/s.
func printBench(path string, rows int64, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return
	}
	line := fmt.Sprintf("%s: %s rows in %s (%s rows/s",
		path, humanize.Comma(rows), elapsed.Truncate(time.Millisecond),
		humanize.Comma(int64(float64(rows)/secs)))
	if fi, err := os.Stat(path); err == nil {
		line += fmt.Sprintf(", %s/s", humanize.IBytes(uint64(float64(fi.Size())/secs)))
	}
	fmt.Println(line + ")")
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
