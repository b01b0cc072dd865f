package dialect

import (
	"fmt"
	"strings"

	"mdquery/internal/ddl"
	"mdquery/internal/domain"
)

// SQLiteRewriter targets SQLite, which has neither ROLLUP nor GROUPING SETS.
// The builder falls back to UNION ALL branches for it.
type SQLiteRewriter struct{}

// NewSQLite returns the SQLite dialect.
func NewSQLite() *SQLiteRewriter { return &SQLiteRewriter{} }

func (r *SQLiteRewriter) Name() string { return SQLite }

func (r *SQLiteRewriter) TableName(name string) string {
	return qualified(name, ddl.QuoteIdentifier)
}

func (r *SQLiteRewriter) CTEName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *SQLiteRewriter) FieldName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *SQLiteRewriter) EscapeAlias(alias string) string {
	if isQuoted(alias, `"`) {
		return alias
	}
	return ddl.QuoteIdentifier(alias)
}

func (r *SQLiteRewriter) EscapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (r *SQLiteRewriter) FunctionExpression(f domain.FunctionField, operand string) (string, error) {
	if err := checkFunction(r.Name(), f); err != nil {
		return "", err
	}
	month := fmt.Sprintf("CAST(strftime('%%m', %s) AS INTEGER)", operand)
	switch strings.ToUpper(f.Function) {
	case domain.FuncYear:
		return fmt.Sprintf("CAST(strftime('%%Y', %s) AS INTEGER)", operand), nil
	case domain.FuncMonth:
		return month, nil
	default:
		return "((" + month + " + 2) / 3)", nil
	}
}

func (r *SQLiteRewriter) BinaryOperation(op domain.BinaryOperator, left, right string) (string, error) {
	return nullSafeDivide(op, r.Name(), "REAL", left, right)
}

// Grouping is never emitted for SQLite; the UNION ALL branches carry literal
// indicators instead.
func (r *SQLiteRewriter) Grouping(expr string) string { return "GROUPING(" + expr + ")" }

func (r *SQLiteRewriter) UsePartialRollupSafely() bool { return false }

func (r *SQLiteRewriter) SupportsGroupingSets() bool { return false }
