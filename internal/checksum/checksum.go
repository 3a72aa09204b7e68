// Package checksum computes the file digests recorded in preflight manifests.
// SHA-256 is the authoritative content identity; an XXH3-128 digest is kept
// alongside it as a cheap probe (and for naming external-sort spill runs)
// because XXH3 is an order of magnitude faster than SHA-256 on large files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// Digest is the identity of one file's content at a point in time.
type Digest struct {
	SHA256 string // hex-encoded
	XXH3   string // hex-encoded 128-bit
	Bytes  int64
}

// File streams path once and returns its SHA-256, XXH3-128, and byte size.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sha := sha256.New()
	xx := xxh3.New()
	n, err := io.Copy(io.MultiWriter(sha, xx), f)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	sum := xx.Sum128()
	return Digest{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		XXH3:   fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo),
		Bytes:  n,
	}, nil
}

// Bytes returns the hex XXH3-128 digest of b. Used for spill-run integrity
// checks where a cryptographic hash would be overkill.
func Bytes(b []byte) string {
	sum := xxh3.Hash128(b)
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}
