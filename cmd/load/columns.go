package main

import (
	"github.com/tshmit/foodb/internal/loader"
	"github.com/tshmit/foodb/internal/normalize"
	"github.com/tshmit/foodb/internal/schema"
)

// minimalDescriptive are the non-measurement columns kept in minimal mode
// when the source carries them.
var minimalDescriptive = []string{"product_name", "quantity", "brands", "last_modified_t"}

// selectColumns resolves the destination column plan for a single-file load.
// It returns the column specs, the measurement source headers that feed the
// duplicate score, and the last-modified source header ("" when absent).
func selectColumns(table string, headers []string, keyColumn, mode string, includeSalt bool) ([]loader.ColumnSpec, []string, string) {
	has := make(map[string]bool, len(headers))
	for _, h := range headers {
		has[h] = true
	}

	lastMod := ""
	if has["last_modified_t"] {
		lastMod = "last_modified_t"
	}

	measurements := schema.SelectMeasurements(mode, headers, includeSalt)

	var cols []loader.ColumnSpec
	var scoreSources []string

	if mode == "all" {
		names := normalize.UniqueIdentifiers(headers)
		for i, h := range headers {
			cols = append(cols, loader.ColumnSpec{
				Source: h,
				Name:   names[i],
				Type:   schema.ColumnType(table, names[i]),
			})
		}
		for _, m := range measurements {
			scoreSources = append(scoreSources, m.SourceField)
		}
		return cols, scoreSources, lastMod
	}

	// Minimal: key first, then curated descriptive columns, then the
	// measurement subset. Two source headers can map to the same canonical
	// measurement (energy); the first present wins.
	if keyColumn != "" && has[keyColumn] {
		cols = append(cols, loader.ColumnSpec{
			Source: keyColumn,
			Name:   normalize.Identifier(keyColumn),
			Type:   "STRING",
		})
	}
	for _, h := range minimalDescriptive {
		if h == keyColumn || !has[h] {
			continue
		}
		name := normalize.Identifier(h)
		cols = append(cols, loader.ColumnSpec{
			Source: h,
			Name:   name,
			Type:   schema.ColumnType(table, name),
		})
	}
	taken := make(map[string]bool)
	for _, m := range measurements {
		if !has[m.SourceField] || taken[m.Key] {
			continue
		}
		taken[m.Key] = true
		cols = append(cols, loader.ColumnSpec{Source: m.SourceField, Name: m.Key, Type: "FLOAT8"})
		scoreSources = append(scoreSources, m.SourceField)
	}
	return cols, scoreSources, lastMod
}
