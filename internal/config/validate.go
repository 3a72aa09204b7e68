// This file adds a lightweight linter over Run values. It performs static
// checks and returns a list of issues (errors and warnings) that callers can
// surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates something worth surfacing that does not
	// block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into
// the config (e.g. "load.chunk_size").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// FirstError returns the first SeverityError in issues, or nil.
func FirstError(issues []Issue) error {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return iss
		}
	}
	return nil
}

// knownKinds mirrors the backends registered by internal/storage/all.
var knownKinds = map[string]struct{}{
	"postgres":  {},
	"cockroach": {},
	"mysql":     {},
	"sqlite":    {},
}

// Validate performs static validation of a Run. It does not mutate the run;
// callers decide whether warnings are fatal.
func Validate(r Run) []Issue {
	var issues []Issue
	issues = append(issues, validateInput(r.Input)...)
	issues = append(issues, validateStorage(r.Storage, r.Input)...)
	issues = append(issues, validateLoad(r.Load)...)
	return issues
}

func validateInput(in Input) []Issue {
	var issues []Issue

	hasPath := strings.TrimSpace(in.Path) != ""
	hasDir := strings.TrimSpace(in.Dir) != ""
	switch {
	case !hasPath && !hasDir:
		issues = append(issues, Issue{SeverityError, "input.path",
			"either input.path or input.dir is required"})
	case hasPath && hasDir:
		issues = append(issues, Issue{SeverityError, "input.dir",
			"input.path and input.dir are mutually exclusive"})
	}

	if in.Delimiter != "" && utf8.RuneCountInString(in.Delimiter) != 1 {
		issues = append(issues, Issue{SeverityError, "input.delimiter",
			fmt.Sprintf("delimiter must be a single character, got %q", in.Delimiter)})
	}

	if hasDir && in.Manifest != "" {
		issues = append(issues, Issue{SeverityWarning, "input.manifest",
			"manifests apply to single files; ignored in bundle mode"})
	}
	return issues
}

func validateStorage(s Storage, in Input) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind",
			"storage.kind must not be empty"})
	} else if _, ok := knownKinds[s.Kind]; !ok {
		issues = append(issues, Issue{SeverityWarning, "storage.kind",
			fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind)})
	}

	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage.dsn",
			"storage.dsn must not be empty (or set DATABASE_URL)"})
	}

	// In bundle mode tables are derived from file names.
	if strings.TrimSpace(s.Table) == "" && strings.TrimSpace(in.Dir) == "" {
		issues = append(issues, Issue{SeverityError, "storage.table",
			"storage.table is required outside bundle mode"})
	}
	return issues
}

func validateLoad(l Load) []Issue {
	var issues []Issue

	if l.ChunkSize < 0 {
		issues = append(issues, Issue{SeverityError, "load.chunk_size",
			"chunk_size must not be negative"})
	}
	if l.ChunkSize > 1_000_000 {
		issues = append(issues, Issue{SeverityWarning, "load.chunk_size",
			"chunk sizes above 1,000,000 rows make failed-chunk retries expensive"})
	}
	if l.Retries < 0 {
		issues = append(issues, Issue{SeverityError, "load.retries",
			"retries must not be negative"})
	}

	if l.Resume && l.Truncate {
		issues = append(issues, Issue{SeverityError, "load.resume",
			"resume and truncate are mutually exclusive"})
	}
	if l.Resume && l.Drop {
		issues = append(issues, Issue{SeverityError, "load.resume",
			"resume and drop are mutually exclusive"})
	}
	if l.Resume && l.Retries > 0 && !l.ForceRetries {
		issues = append(issues, Issue{SeverityError, "load.retries",
			"retries are disabled under resume because an ambiguous failure can skew the row count; set force_retries to override"})
	}
	if l.ForceRetries && !l.Resume {
		issues = append(issues, Issue{SeverityWarning, "load.force_retries",
			"force_retries has no effect without resume"})
	}
	return issues
}
