// Package manifest defines the preflight manifest: the immutable record of a
// source file's identity and duplicate census that gates every load. A load
// must present a manifest whose hash and byte size still match the file; any
// drift is an integrity error surfaced before a single row is written.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tshmit/foodb/internal/checksum"
)

// FormatVersion is bumped when the manifest layout changes incompatibly.
const FormatVersion = 1

// ErrMismatch marks any divergence between a manifest and the file it claims
// to describe. Loads must treat it as fatal.
var ErrMismatch = errors.New("manifest does not match file")

// Manifest records one (file content, delimiter, parse options) tuple.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`

	FilePath   string `json:"file_path"`
	FileBytes  int64  `json:"file_bytes"`
	FileSHA256 string `json:"file_sha256"`
	FileXXH3   string `json:"file_xxh3"`

	Delimiter         string `json:"delimiter"`
	DetectedDelimiter string `json:"detected_delimiter"`

	RowsTotal            int64 `json:"rows_total"`
	KeysTotal            int64 `json:"keys_total"`
	KeysUnique           int64 `json:"keys_unique"`
	DuplicateKeys        int64 `json:"duplicate_keys"`
	DuplicateOccurrences int64 `json:"duplicate_occurrences"`
	DuplicatesFound      bool  `json:"duplicates_found"`

	DuplicateSamples  []string `json:"duplicate_samples"`
	DuplicateKeysPath string   `json:"duplicate_keys_path,omitempty"`

	SkippedNoKey  int64 `json:"skipped_no_key"`
	SkippedRows   int64 `json:"skipped_rows"`
	ReplacedBytes int64 `json:"replaced_bytes"`

	SortSeconds float64 `json:"sort_seconds"`
}

// Write atomically writes m as indented JSON, creating parent directories.
func Write(path string, m *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest dir: %w", err)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest marshal: %w", err)
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("manifest write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest rename: %w", err)
	}
	return nil
}

// Read loads and minimally validates a manifest file.
func Read(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest parse %s: %w", path, err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("manifest %s: unsupported format_version %d", path, m.FormatVersion)
	}
	if m.FileSHA256 == "" {
		return nil, fmt.Errorf("manifest %s: missing file_sha256", path)
	}
	return &m, nil
}

// Validate recomputes filePath's digests and compares them with the manifest.
// Returns an error wrapping ErrMismatch on any divergence.
func (m *Manifest) Validate(filePath string) error {
	d, err := checksum.File(filePath)
	if err != nil {
		return err
	}
	if d.Bytes != m.FileBytes {
		return fmt.Errorf("%w: byte size changed (manifest %d, file %d)", ErrMismatch, m.FileBytes, d.Bytes)
	}
	// The cheap digest first; SHA-256 is authoritative but both are already
	// computed in the single pass above.
	if m.FileXXH3 != "" && d.XXH3 != m.FileXXH3 {
		return fmt.Errorf("%w: xxh3 changed (manifest %s, file %s)", ErrMismatch, m.FileXXH3, d.XXH3)
	}
	if d.SHA256 != m.FileSHA256 {
		return fmt.Errorf("%w: sha256 changed (manifest %s, file %s)", ErrMismatch, m.FileSHA256, d.SHA256)
	}
	return nil
}

// ResolveDuplicateKeysPath resolves the side-file reference relative to the
// manifest's own location when it is not absolute.
func ResolveDuplicateKeysPath(manifestPath string, m *Manifest) string {
	if m.DuplicateKeysPath == "" {
		return ""
	}
	if filepath.IsAbs(m.DuplicateKeysPath) {
		return m.DuplicateKeysPath
	}
	return filepath.Join(filepath.Dir(manifestPath), m.DuplicateKeysPath)
}
