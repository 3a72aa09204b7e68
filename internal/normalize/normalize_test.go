package normalize_test

import (
	"testing"

	"github.com/tshmit/foodb/internal/normalize"
)

func TestDetectDelimiter(t *testing.T) {
	candidates := []rune{'\t', ','}
	cases := []struct {
		name   string
		header string
		want   rune
	}{
		{"tabs win", "a\tb\tc\td\te\tf", '\t'},
		{"commas win", "a,b,c", ','},
		{"tie resolves to default", "a,b\tc,d\te", '\t'},
		{"no occurrences resolves to default", "single_column", '\t'},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalize.DetectDelimiter(tc.header, candidates, '\t')
			if got != tc.want {
				t.Fatalf("DetectDelimiter(%q)=%q want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestStripBOM(t *testing.T) {
	if got := normalize.StripBOM("\ufeffcode\tname"); got != "code\tname" {
		t.Fatalf("BOM not stripped: %q", got)
	}
	if got := normalize.StripBOM("code\tname"); got != "code\tname" {
		t.Fatalf("header without BOM changed: %q", got)
	}
	// Only a leading marker is removed.
	if got := normalize.StripBOM("a\ufeffb"); got != "a\ufeffb" {
		t.Fatalf("interior marker removed: %q", got)
	}
}

func TestCode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"0123456789012", "0123456789012"},
		{" 00401-2345 ", "004012345"},
		{"abc", ""},
		{"", ""},
		{"4 011 200 296 908", "4011200296908"},
	}
	for _, tc := range cases {
		if got := normalize.Code(tc.in); got != tc.want {
			t.Fatalf("Code(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestCodeIdempotent(t *testing.T) {
	inputs := []string{"007", "12-34", "0", "990000000001"}
	for _, in := range inputs {
		once := normalize.Code(in)
		twice := normalize.Code(once)
		if once != twice {
			t.Fatalf("Code not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestIdentifier(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Food Category ID", "food_category_id"},
		{"energy-kcal_100g", "energy_kcal_100g"},
		{"\ufefffdc_id", "fdc_id"},
		{"nutrient.nbr", "nutrient_nbr"},
		{"  ", "col"},
		{"100g", "c_100g"},
		{"a__b", "a_b"},
	}
	for _, tc := range cases {
		if got := normalize.Identifier(tc.in); got != tc.want {
			t.Fatalf("Identifier(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestUniqueIdentifiers(t *testing.T) {
	got := normalize.UniqueIdentifiers([]string{"Name", "name", "NAME", "other"})
	want := []string{"name", "name_2", "name_3", "other"}
	if len(got) != len(want) {
		t.Fatalf("len=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%q want %q", i, got[i], want[i])
		}
	}
}

func TestDate(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2024-01-31", "2024-01-31"},
		{"1/31/2024", "2024-01-31"},
		{"12/9/1999", "1999-12-09"},
		{"31.01.2024", "31.01.2024"}, // unknown format passes through
		{"not a date", "not a date"},
	}
	for _, tc := range cases {
		if got := normalize.Date(tc.in); got != tc.want {
			t.Fatalf("Date(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestNumericText(t *testing.T) {
	if got := normalize.IntText(" 42 "); got != "42" {
		t.Fatalf("IntText=%q", got)
	}
	if got := normalize.IntText("4.2"); got != "" {
		t.Fatalf("IntText accepted float: %q", got)
	}
	if got := normalize.FloatText("1.5e-3"); got != "1.5e-3" {
		t.Fatalf("FloatText=%q", got)
	}
	if got := normalize.FloatText("12,5"); got != "" {
		t.Fatalf("FloatText accepted comma decimal: %q", got)
	}
}
