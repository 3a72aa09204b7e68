// Package normalize contains the pure normalization functions shared by the
// preflight and load paths: delimiter detection, BOM stripping, product-code
// canonicalization, column-identifier sanitization, and value coercion.
//
// Everything here is deterministic and side-effect free. The same input bytes
// must always produce the same output so that repeated runs over the same
// file yield the same key set and the same column mapping.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// utf8BOM is the byte-order-mark sequence some exporters prepend to the first
// line. It must be stripped before the header is parsed, otherwise the first
// header name silently differs from every other column name.
const utf8BOM = "\ufeff"

// DetectDelimiter counts occurrences of each candidate delimiter in the
// header line and returns the candidate with strictly more occurrences than
// every other. Ties and all-zero counts resolve to def. An explicit operator
// override is applied by the caller, not here.
func DetectDelimiter(headerLine string, candidates []rune, def rune) rune {
	best := def
	bestCount := 0
	tie := false
	for _, c := range candidates {
		n := strings.Count(headerLine, string(c))
		switch {
		case n > bestCount:
			best = c
			bestCount = n
			tie = false
		case n == bestCount && n > 0 && c != best:
			tie = true
		}
	}
	if bestCount == 0 || tie {
		return def
	}
	return best
}

// StripBOM removes a single leading UTF-8 BOM from line. Lines without the
// marker are returned unchanged; only the header line should be passed here.
func StripBOM(line string) string {
	return strings.TrimPrefix(line, utf8BOM)
}

// Code canonicalizes a natural-key product code: every non-digit rune is
// removed and the result is kept as text so leading zeros survive. An empty
// result means the code is invalid and the record must be skipped; callers
// must never substitute a placeholder.
func Code(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	nonAlnumRE  = regexp.MustCompile(`[^a-z0-9]+`)
	multiUndRE  = regexp.MustCompile(`_+`)
	dateISORE   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateSlashRE = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	intRE       = regexp.MustCompile(`^-?\d+$`)
	floatRE     = regexp.MustCompile(`^-?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE]-?\d+)?$`)
)

// Identifier maps a source column or table name to its storage identifier:
// lowercase, punctuation collapsed to single underscores, BOM removed, and a
// leading digit prefixed so the result is always a legal bare SQL identifier.
// The mapping is stable across runs so the same source header always lands in
// the same storage column.
func Identifier(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, utf8BOM, "")
	v = strings.ReplaceAll(v, ".", "_")
	v = nonAlnumRE.ReplaceAllString(v, "_")
	v = multiUndRE.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_")
	if v == "" {
		v = "col"
	}
	if unicode.IsDigit(rune(v[0])) {
		v = "c_" + v
	}
	return v
}

// UniqueIdentifiers sanitizes every raw header and disambiguates collisions
// by appending _2, _3, ... in source order.
func UniqueIdentifiers(raw []string) []string {
	used := make(map[string]int, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		base := Identifier(r)
		n := used[base]
		if n == 0 {
			used[base] = 1
			out = append(out, base)
			continue
		}
		used[base] = n + 1
		out = append(out, fmt.Sprintf("%s_%d", base, n+1))
	}
	return out
}

// Date rewrites known alternate date formats to ISO (YYYY-MM-DD). Values
// already in ISO form, and values matching no known format, pass through
// unchanged; storage typing decisions are the caller's problem.
func Date(raw string) string {
	v := strings.TrimSpace(raw)
	if dateISORE.MatchString(v) {
		return v
	}
	if m := dateSlashRE.FindStringSubmatch(v); m != nil {
		month := m[1]
		day := m[2]
		if len(month) == 1 {
			month = "0" + month
		}
		if len(day) == 1 {
			day = "0" + day
		}
		return m[3] + "-" + month + "-" + day
	}
	return raw
}

// IntText returns the trimmed value when it is a valid base-10 integer, and
// "" otherwise. Used for columns that map to INT8.
func IntText(raw string) string {
	v := strings.TrimSpace(raw)
	if intRE.MatchString(v) {
		return v
	}
	return ""
}

// FloatText returns the trimmed value when it parses as a decimal float
// (optionally with exponent), and "" otherwise. Used for measurement columns.
func FloatText(raw string) string {
	v := strings.TrimSpace(raw)
	if floatRE.MatchString(v) {
		return v
	}
	return ""
}
