package schema

import "strings"

// MeasurementSpec describes one optional measurement column: the header it
// appears under in the source, the canonical key it is stored as, and its
// unit.
type MeasurementSpec struct {
	SourceField string
	Key         string
	Unit        string
}

// MinimalMeasurements is the curated per-100g subset extracted by default;
// the "all" mode instead extracts every *_100g header found in the file.
func MinimalMeasurements(includeSalt bool) []MeasurementSpec {
	specs := []MeasurementSpec{
		{SourceField: "energy-kcal_100g", Key: "energy_kcal", Unit: "kcal"},
		{SourceField: "energy-kj_100g", Key: "energy_kj", Unit: "kJ"},
		// Some exports carry only energy_100g; it is documented as kJ.
		{SourceField: "energy_100g", Key: "energy_kj", Unit: "kJ"},
		{SourceField: "fat_100g", Key: "fat", Unit: "g"},
		{SourceField: "saturated-fat_100g", Key: "saturated_fat", Unit: "g"},
		{SourceField: "carbohydrates_100g", Key: "carbohydrates", Unit: "g"},
		{SourceField: "sugars_100g", Key: "sugars", Unit: "g"},
		{SourceField: "fiber_100g", Key: "fiber", Unit: "g"},
		{SourceField: "proteins_100g", Key: "protein", Unit: "g"},
		{SourceField: "sodium_100g", Key: "sodium", Unit: "g"},
	}
	if includeSalt {
		specs = append(specs, MeasurementSpec{SourceField: "salt_100g", Key: "salt", Unit: "g"})
	}
	return specs
}

// MeasurementKey canonicalizes a *_100g source header into a measurement key.
func MeasurementKey(sourceField string) string {
	key := strings.TrimSuffix(sourceField, "_100g")
	return strings.ToLower(strings.ReplaceAll(key, "-", "_"))
}

// MeasurementUnit returns the unit implied by a source header; empty when
// unknown.
func MeasurementUnit(sourceField string) string {
	switch sourceField {
	case "energy-kj_100g", "energy_100g":
		return "kJ"
	case "energy-kcal_100g":
		return "kcal"
	}
	return ""
}

// SelectMeasurements resolves the measurement column set for a run. mode is
// "minimal" (curated subset, honoring includeSalt) or "all" (every *_100g
// header present in headers).
func SelectMeasurements(mode string, headers []string, includeSalt bool) []MeasurementSpec {
	if mode == "all" {
		var out []MeasurementSpec
		for _, h := range headers {
			if strings.HasSuffix(h, "_100g") {
				out = append(out, MeasurementSpec{
					SourceField: h,
					Key:         MeasurementKey(h),
					Unit:        MeasurementUnit(h),
				})
			}
		}
		return out
	}
	return MinimalMeasurements(includeSalt)
}
