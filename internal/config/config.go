// Package config defines the JSON-serializable run model shared by the
// preflight and load commands, plus a linter over decoded values. It is
// deliberately dependency-free; the CLIs assemble a Run from flags and the
// environment, and tests decode fixtures from disk.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Run is the full configuration of one ingestion run.
type Run struct {
	Input   Input   `json:"input"`
	Storage Storage `json:"storage"`
	Load    Load    `json:"load"`
}

// Input describes the source file (or directory bundle) and how to parse it.
type Input struct {
	// Path is one delimited file, optionally gzip-compressed (.gz).
	Path string `json:"path"`

	// Dir enables bundle mode: every *.csv inside is loaded into its own
	// table. Mutually exclusive with Path.
	Dir string `json:"dir"`

	// Manifest is the preflight manifest the loader validates against.
	Manifest string `json:"manifest"`

	// Delimiter forces the field separator; empty means detect from the
	// header line.
	Delimiter string `json:"delimiter"`

	// KeyColumn names the logical key column for duplicate resolution;
	// empty disables keying.
	KeyColumn string `json:"key_column"`

	// ReplaceInvalidUTF8 substitutes U+FFFD for invalid bytes instead of
	// failing the run.
	ReplaceInvalidUTF8 bool `json:"replace_invalid_utf8"`
}

// Storage selects and addresses the destination backend.
type Storage struct {
	// Kind is a registered backend name: "postgres", "cockroach", "mysql",
	// "sqlite".
	Kind string `json:"kind"`

	// DSN is the driver connection string. CLIs default it from the
	// DATABASE_URL environment variable.
	DSN string `json:"dsn"`

	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// Load controls the write phase.
type Load struct {
	ChunkSize int  `json:"chunk_size"`
	Resume    bool `json:"resume"`
	Truncate  bool `json:"truncate"`
	Drop      bool `json:"drop"`
	Lenient   bool `json:"lenient"`

	Retries      int  `json:"retries"`
	ForceRetries bool `json:"force_retries"`

	SkipIndexes bool `json:"skip_indexes"`

	// DedupeInMemory resolves duplicates without a preflight side file by
	// keying every row in memory. Only safe for small inputs.
	DedupeInMemory bool `json:"dedupe_in_memory"`
}

// Decode reads a Run from JSON, rejecting unknown fields so typos surface
// instead of silently defaulting.
func Decode(r io.Reader) (Run, error) {
	var run Run
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&run); err != nil {
		return Run{}, fmt.Errorf("config: decode: %w", err)
	}
	return run, nil
}

// LoadFile reads a Run from a JSON file.
func LoadFile(path string) (Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return Run{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
