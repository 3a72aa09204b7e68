// Package schema resolves destination table shapes from the source files
// themselves: the column list is data, derived from each CSV header at run
// time, sanitized into storage identifiers, typed by a small column-name
// dictionary, and rendered as idempotent CREATE TABLE DDL. Schema drift shows
// up as coverage warnings, never as a hard failure.
package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tshmit/foodb/internal/normalize"
)

// RecordCountsFile is the census file that ships with bundle downloads; it is
// metadata, not a table.
const RecordCountsFile = "all_downloaded_table_record_counts.csv"

// TableSpec is the resolved shape of one source file.
type TableSpec struct {
	Table      string   // sanitized table name (from the file stem)
	Path       string   // source CSV path
	RawHeaders []string // header names exactly as the file spells them
	Columns    []string // sanitized, de-duplicated storage identifiers
	PrimaryKey []string // nil when no key could be inferred
}

// ColumnType maps a (table, column) pair to the destination SQL type. Codes
// and numbers that must keep leading zeros are forced to STRING; everything
// unrecognized defaults to STRING, because a wrong STRING is recoverable and
// a wrong INT8 is not.
func ColumnType(table, column string) string {
	// food_category_id carries branded category names in recent releases even
	// though it is numeric for legacy rows.
	if table == "food" && column == "food_category_id" {
		return "STRING"
	}

	switch column {
	case "gtin_upc", "ndb_number", "upc_code":
		return "STRING"
	case "data_points", "food_group_id", "min_year_acquired", "seq_num",
		"sr_addmod_year", "wweia_category_code":
		return "INT8"
	case "adjusted_amount", "amount", "carbohydrate_value", "fat_value",
		"gram_weight", "loq", "max", "median", "min", "nutrient_nbr",
		"nutrient_value", "pct_weight", "percent_daily_value",
		"protein_value", "rank", "serving_size", "value":
		return "FLOAT8"
	}

	// Per-100g measurement columns and epoch-second timestamps.
	if strings.HasSuffix(column, "_100g") {
		return "FLOAT8"
	}
	if column == "last_modified_t" || column == "created_t" {
		return "INT8"
	}

	if strings.HasSuffix(column, "_date") || column == "last_updated" {
		return "DATE"
	}
	if column == "id" || strings.HasSuffix(column, "_id") {
		if strings.HasSuffix(column, "_code") || strings.HasSuffix(column, "_number") ||
			strings.HasSuffix(column, "_nbr") {
			return "STRING"
		}
		return "INT8"
	}
	return "STRING"
}

// PrimaryKeyFor infers a primary key from the table name and column set.
// Returns nil when nothing safe can be inferred; the table is then created
// without a declared key.
func PrimaryKeyFor(table string, columns []string) []string {
	has := func(c string) bool {
		for _, x := range columns {
			if x == c {
				return true
			}
		}
		return false
	}

	if has("id") {
		return []string{"id"}
	}
	if has("fdc_id") {
		switch table {
		case "branded_food", "foundation_food", "sr_legacy_food", "survey_fndds_food":
			return []string{"fdc_id"}
		}
		if len(columns) == 1 {
			return []string{"fdc_id"}
		}
	}
	switch table {
	case "acquisition_samples":
		return []string{"fdc_id_of_sample_food", "fdc_id_of_acquisition_food"}
	case "lab_method_code":
		return []string{"lab_method_id", "code"}
	case "lab_method_nutrient":
		return []string{"lab_method_id", "nutrient_id"}
	case "sub_sample_result":
		return []string{"food_nutrient_id", "lab_method_id"}
	case "market_acquisition":
		if has("acquisition_number") && has("fdc_id") {
			return []string{"fdc_id", "acquisition_number"}
		}
	case "food_calorie_conversion_factor", "food_protein_conversion_factor":
		if has("food_nutrient_conversion_factor_id") {
			return []string{"food_nutrient_conversion_factor_id"}
		}
	}
	return nil
}

// SpecFor builds a TableSpec for one CSV file from its header.
func SpecFor(path string, rawHeaders []string) TableSpec {
	table := normalize.Identifier(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	columns := normalize.UniqueIdentifiers(rawHeaders)
	return TableSpec{
		Table:      table,
		Path:       path,
		RawHeaders: rawHeaders,
		Columns:    columns,
		PrimaryKey: PrimaryKeyFor(table, columns),
	}
}

// Specs resolves a TableSpec for every *.csv in dir, alphabetically, skipping
// the record-counts census file.
func Specs(dir string, readHeader func(path string) ([]string, error)) ([]TableSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") || e.Name() == RecordCountsFile {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CSV files found in %s", dir)
	}

	specs := make([]TableSpec, 0, len(paths))
	for _, p := range paths {
		headers, err := readHeader(p)
		if err != nil {
			return nil, err
		}
		specs = append(specs, SpecFor(p, headers))
	}
	return specs, nil
}

// quoteIdent double-quotes one identifier segment.
func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// Qualify renders a quoted table reference, schema-qualified when schemaName
// is set.
func Qualify(schemaName, table string) string {
	if schemaName == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schemaName) + "." + quoteIdent(table)
}

// sqlType maps a logical column type to SQL spelled the way every supported
// backend accepts it.
func sqlType(logical string) string {
	switch logical {
	case "INT8":
		return "BIGINT"
	case "FLOAT8":
		return "DOUBLE PRECISION"
	case "DATE":
		return "DATE"
	default:
		return "TEXT"
	}
}

// CreateTableSQL renders the idempotent DDL for spec inside schemaName.
func CreateTableSQL(schemaName string, spec TableSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", Qualify(schemaName, spec.Table))
	for i, col := range spec.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "  %s %s", quoteIdent(col), sqlType(ColumnType(spec.Table, col)))
	}
	if len(spec.PrimaryKey) > 0 {
		quoted := make([]string, len(spec.PrimaryKey))
		for i, c := range spec.PrimaryKey {
			quoted[i] = quoteIdent(c)
		}
		fmt.Fprintf(&b, ",\n  PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

// SecondaryIndexDDL returns post-load index statements for the tables that
// benefit from them. Index creation during the load itself is skipped because
// index maintenance is expensive on contention-sensitive backends.
func SecondaryIndexDDL(schemaName string, tables map[string]bool) []string {
	var out []string
	if tables["food"] {
		out = append(out, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS food_description_idx ON %s (%s)",
			Qualify(schemaName, "food"), quoteIdent("description")))
	}
	if tables["branded_food"] {
		out = append(out, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS branded_food_gtin_upc_idx ON %s (%s)",
			Qualify(schemaName, "branded_food"), quoteIdent("gtin_upc")))
	}
	return out
}

// ExpectedRows parses the bundle's record-counts census file into a
// table -> expected row count map. A missing file is not an error; the
// loader simply runs without ETA totals.
func ExpectedRows(dir string) (map[string]int64, error) {
	path := filepath.Join(dir, RecordCountsFile)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	nameIx, countIx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "Table":
			nameIx = i
		case "Number of Records":
			countIx = i
		}
	}
	if nameIx < 0 || countIx < 0 {
		return nil, fmt.Errorf("%s: unexpected header %v", path, header)
	}

	out := make(map[string]int64)
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		name := row[nameIx]
		if !strings.HasSuffix(name, ".csv") {
			continue
		}
		table := normalize.Identifier(strings.TrimSuffix(name, ".csv"))
		if table == normalize.Identifier(strings.TrimSuffix(RecordCountsFile, ".csv")) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(row[countIx]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad count for %s: %w", path, name, err)
		}
		out[table] = n
	}
	return out, nil
}

// Coverage compares a table's raw headers against a plain-text data
// dictionary. It reports whether the dictionary mentions the table at all and
// which headers it never names; callers log these as warnings.
func Coverage(dictionary string, spec TableSpec) (tableFound bool, missing []string) {
	tableFound = strings.Contains(dictionary, spec.Table)
	for _, h := range spec.RawHeaders {
		token := strings.TrimSpace(h)
		if token == "" {
			continue
		}
		if !strings.Contains(dictionary, token) {
			missing = append(missing, token)
		}
	}
	return tableFound, missing
}
