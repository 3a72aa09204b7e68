package main

import (
	"testing"

	"github.com/tshmit/foodb/internal/schema"
)

func TestSelectColumnsMinimal(t *testing.T) {
	headers := []string{"code", "url", "product_name", "brands", "last_modified_t",
		"energy-kj_100g", "energy_100g", "fat_100g", "salt_100g"}

	cols, scoreSources, lastMod := selectColumns("products", headers, "code", "minimal", false)

	if lastMod != "last_modified_t" {
		t.Fatalf("lastMod=%q", lastMod)
	}
	if cols[0].Source != "code" || cols[0].Type != "STRING" {
		t.Fatalf("cols[0]=%+v", cols[0])
	}

	byName := map[string]loaderColumn{}
	for _, c := range cols {
		byName[c.Name] = loaderColumn{c.Source, c.Type}
	}
	if _, ok := byName["url"]; ok {
		t.Fatalf("url included in minimal mode")
	}
	if byName["product_name"].typ != "STRING" || byName["brands"].typ != "STRING" {
		t.Fatalf("descriptive columns: %v", byName)
	}
	if byName["last_modified_t"].typ != "INT8" {
		t.Fatalf("last_modified_t: %v", byName["last_modified_t"])
	}
	// energy-kj_100g and energy_100g both canonicalize to energy_kj; the
	// first listed wins.
	if byName["energy_kj"].source != "energy-kj_100g" {
		t.Fatalf("energy_kj from %q", byName["energy_kj"].source)
	}
	if _, ok := byName["salt"]; ok {
		t.Fatalf("salt included without -include-salt")
	}

	withSalt, _, _ := selectColumns("products", headers, "code", "minimal", true)
	if len(withSalt) != len(cols)+1 {
		t.Fatalf("salt not appended: %d vs %d", len(withSalt), len(cols))
	}

	for _, s := range scoreSources {
		if s == "last_modified_t" || s == "code" {
			t.Fatalf("non-measurement %q in score sources", s)
		}
	}
}

type loaderColumn struct {
	source string
	typ    string
}

func TestSelectColumnsAll(t *testing.T) {
	headers := []string{"code", "product_name", "zinc_100g", "zinc_100g"}
	cols, scoreSources, _ := selectColumns("products", headers, "code", "all", false)
	if len(cols) != 4 {
		t.Fatalf("cols=%v", cols)
	}
	// Colliding headers get deduplicated destination names.
	if cols[2].Name == cols[3].Name {
		t.Fatalf("duplicate destination names: %v", cols)
	}
	if cols[2].Type != "FLOAT8" {
		t.Fatalf("zinc type=%s", cols[2].Type)
	}
	if len(scoreSources) != 2 {
		t.Fatalf("scoreSources=%v", scoreSources)
	}
}

func TestFilterSpecs(t *testing.T) {
	specs := []schema.TableSpec{{Table: "food"}, {Table: "nutrient"}, {Table: "branded_food"}}

	got := filterSpecs(specs, "food, branded_food", "")
	if len(got) != 2 || got[0].Table != "food" || got[1].Table != "branded_food" {
		t.Fatalf("got=%v", got)
	}

	got = filterSpecs(specs, "", "nutrient")
	if len(got) != 2 {
		t.Fatalf("got=%v", got)
	}

	got = filterSpecs(specs, "", "")
	if len(got) != 3 {
		t.Fatalf("got=%v", got)
	}
}
