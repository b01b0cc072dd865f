package ddl

import (
	"fmt"
	"strconv"
	"strings"
)

// maxIdentifierLen bounds table and column names. BigQuery allows 300 and
// Postgres 63; fixtures stay well under both.
const maxIdentifierLen = 128

// ValidateIdentifier accepts names that every supported dialect can address
// with its own quoting: a letter or underscore followed by letters, digits or
// underscores.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("name must be at most %d characters", maxIdentifierLen)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return fmt.Errorf("name must match [a-zA-Z_][a-zA-Z0-9_]*, got %q", name)
		}
	}
	return nil
}

// QuoteIdentifier double-quotes name, doubling embedded quotes. DuckDB and
// SQLite both accept the result.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral single-quotes value, doubling embedded quotes.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// columnTypes lists the base type names fixture tables may use, mapped to the
// number of parameters they accept.
var columnTypes = map[string]int{
	"BIGINT":                   0,
	"INTEGER":                  0,
	"INT":                      0,
	"SMALLINT":                 0,
	"TINYINT":                  0,
	"HUGEINT":                  0,
	"DOUBLE":                   0,
	"DOUBLE PRECISION":         0,
	"FLOAT":                    0,
	"REAL":                     0,
	"DECIMAL":                  2,
	"NUMERIC":                  2,
	"VARCHAR":                  1,
	"TEXT":                     0,
	"BOOLEAN":                  0,
	"DATE":                     0,
	"TIMESTAMP":                0,
	"TIMESTAMP WITH TIME ZONE": 0,
	"BLOB":                     0,
}

// ValidateColumnType checks typeName against the types both engines share,
// e.g. BIGINT, VARCHAR(255) or DECIMAL(10,2).
func ValidateColumnType(typeName string) error {
	if strings.TrimSpace(typeName) == "" {
		return fmt.Errorf("column type is required")
	}
	base, params, hasParams := strings.Cut(typeName, "(")
	base = strings.Join(strings.Fields(strings.ToUpper(base)), " ")
	maxParams, ok := columnTypes[base]
	if !ok {
		return fmt.Errorf("column type %q is not supported", typeName)
	}
	if !hasParams {
		return nil
	}

	params, ok = strings.CutSuffix(strings.TrimSpace(params), ")")
	if !ok {
		return fmt.Errorf("column type %q is not supported", typeName)
	}
	parts := strings.Split(params, ",")
	if len(parts) > maxParams {
		return fmt.Errorf("column type %s takes at most %d parameters", base, maxParams)
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16); err != nil {
			return fmt.Errorf("column type %q is not supported", typeName)
		}
	}
	return nil
}
