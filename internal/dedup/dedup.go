// Package dedup selects a single winning record per natural key when the
// source file carries more than one row for the same key.
//
// The winner is chosen by a total order over records, most significant field
// first: last-modified timestamp (newest wins), then the count of populated
// measurement fields (more wins), then the count of populated descriptive
// fields (more wins). Remaining ties keep the first-seen record, so the
// outcome is a pure function of file order and reproducible across runs.
//
// Memory stays bounded through the two-pass design: preflight identifies
// which keys are duplicated (an external sort over all keys), and the loader
// hands the resolver only rows whose key appears in that set. Everything else
// streams straight through.
package dedup

import (
	"bufio"
	"fmt"
	"os"
)

// Score is the comparison tuple for one record.
type Score struct {
	// LastModified is the record's last-modified timestamp (unix seconds);
	// -1 when the source column is empty.
	LastModified int64
	// Measurements counts populated measurement (e.g. nutrient) fields.
	Measurements int
	// Populated counts populated descriptive fields.
	Populated int
}

// Beats reports whether s strictly wins over o. Equal tuples do not beat each
// other, which is what preserves the first-seen record on a full tie.
func (s Score) Beats(o Score) bool {
	if s.LastModified != o.LastModified {
		return s.LastModified > o.LastModified
	}
	if s.Measurements != o.Measurements {
		return s.Measurements > o.Measurements
	}
	return s.Populated > o.Populated
}

// Resolver tracks the current winner for each duplicated key. The payload is
// opaque to the resolver; the loader stores whatever it needs to emit later.
type Resolver struct {
	dupKeys map[string]struct{}
	all     bool
	best    map[string]candidate
	order   []string // keys in first-seen order, for deterministic emission
	dropped int64
}

type candidate struct {
	score   Score
	payload any
}

// NewResolver builds a Resolver over the preflight-reported duplicate key
// set. A nil or empty set means every row streams through untouched.
func NewResolver(dupKeys map[string]struct{}) *Resolver {
	return &Resolver{
		dupKeys: dupKeys,
		best:    make(map[string]candidate),
	}
}

// NewResolverAll builds a Resolver that treats every key as potentially
// duplicated, buffering the whole input in memory. Only suitable when no
// preflight side file exists and the input is known to be small.
func NewResolverAll() *Resolver {
	return &Resolver{all: true, best: make(map[string]candidate)}
}

// Offer presents one record. It returns true when the record belongs to a
// duplicate group and was withheld (the caller must not emit it now); the
// surviving record per key is produced by Winners after the stream ends.
func (r *Resolver) Offer(key string, score Score, payload any) bool {
	if !r.all {
		if r.dupKeys == nil {
			return false
		}
		if _, dup := r.dupKeys[key]; !dup {
			return false
		}
	}
	prev, seen := r.best[key]
	if !seen {
		r.best[key] = candidate{score: score, payload: payload}
		r.order = append(r.order, key)
		return true
	}
	r.dropped++
	if score.Beats(prev.score) {
		r.best[key] = candidate{score: score, payload: payload}
	}
	return true
}

// Winner is one resolved duplicate group.
type Winner struct {
	Key     string
	Payload any
}

// Winners returns the surviving record of every duplicate group, in the
// order the keys were first seen in the file.
func (r *Resolver) Winners() []Winner {
	out := make([]Winner, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, Winner{Key: k, Payload: r.best[k].payload})
	}
	return out
}

// Dropped returns how many non-winning duplicate rows were discarded so far.
// Withheld first-seen rows are not counted until a rival displaces them.
func (r *Resolver) Dropped() int64 { return r.dropped }

// Pending returns how many duplicate groups are buffered.
func (r *Resolver) Pending() int { return len(r.order) }

// LoadKeySet reads a duplicate-keys side file (one key per line, blank lines
// ignored) into a set.
func LoadKeySet(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("duplicate keys file: %w", err)
	}
	defer f.Close()

	keys := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		k := sc.Text()
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("duplicate keys file: %w", err)
	}
	return keys, nil
}
