// Package ddl builds the statements that create and fill fixture tables in
// DuckDB and SQLite.
package ddl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnDef describes a column for CREATE TABLE.
type ColumnDef struct {
	Name string
	Type string
}

// CreateTable returns: CREATE TABLE "<table>" ("<col1>" TYPE1, "<col2>" TYPE2, ...).
func CreateTable(table string, columns []ColumnDef) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}

	var colDefs []string
	for _, c := range columns {
		if err := ValidateIdentifier(c.Name); err != nil {
			return "", fmt.Errorf("invalid column name %q: %w", c.Name, err)
		}
		if err := ValidateColumnType(c.Type); err != nil {
			return "", fmt.Errorf("invalid column type for %q: %w", c.Name, err)
		}
		colDefs = append(colDefs, fmt.Sprintf("%s %s", QuoteIdentifier(c.Name), c.Type))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdentifier(table), strings.Join(colDefs, ", ")), nil
}

// DropTable returns: DROP TABLE IF EXISTS "<table>".
func DropTable(table string) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	return "DROP TABLE IF EXISTS " + QuoteIdentifier(table), nil
}

// InsertRows returns one multi-row INSERT statement, or "" when rows is empty.
func InsertRows(table string, columns []string, rows [][]any) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if err := ValidateIdentifier(c); err != nil {
			return "", fmt.Errorf("invalid column name %q: %w", c, err)
		}
		quoted[i] = QuoteIdentifier(c)
	}

	tuples := make([]string, len(rows))
	for r, row := range rows {
		if len(row) != len(columns) {
			return "", fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(columns))
		}
		values := make([]string, len(row))
		for i, v := range row {
			lit, err := Literal(v)
			if err != nil {
				return "", fmt.Errorf("row %d column %s: %w", r, columns[i], err)
			}
			values[i] = lit
		}
		tuples[r] = "(" + strings.Join(values, ", ") + ")"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		QuoteIdentifier(table),
		strings.Join(quoted, ", "),
		strings.Join(tuples, ", "),
	), nil
}

// Literal renders a Go value as a SQL literal understood by DuckDB and SQLite.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return QuoteLiteral(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return Literal(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non-finite number %v", x)
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return QuoteLiteral(x.UTC().Format("2006-01-02 15:04:05")), nil
	default:
		return "", fmt.Errorf("unsupported literal of type %T", v)
	}
}
