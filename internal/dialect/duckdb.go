package dialect

import (
	"strings"

	"mdquery/internal/ddl"
	"mdquery/internal/domain"
)

// DuckDBRewriter targets DuckDB. It supports partial ROLLUP natively and has
// dedicated date-part functions.
type DuckDBRewriter struct{}

// NewDuckDB returns the DuckDB dialect.
func NewDuckDB() *DuckDBRewriter { return &DuckDBRewriter{} }

func (r *DuckDBRewriter) Name() string { return DuckDB }

func (r *DuckDBRewriter) TableName(name string) string {
	return qualified(name, ddl.QuoteIdentifier)
}

func (r *DuckDBRewriter) CTEName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *DuckDBRewriter) FieldName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *DuckDBRewriter) EscapeAlias(alias string) string {
	if isQuoted(alias, `"`) {
		return alias
	}
	return ddl.QuoteIdentifier(alias)
}

func (r *DuckDBRewriter) EscapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// FunctionExpression maps YEAR(x) to year(x) and so on.
func (r *DuckDBRewriter) FunctionExpression(f domain.FunctionField, operand string) (string, error) {
	if err := checkFunction(r.Name(), f); err != nil {
		return "", err
	}
	return strings.ToLower(f.Function) + "(" + operand + ")", nil
}

func (r *DuckDBRewriter) BinaryOperation(op domain.BinaryOperator, left, right string) (string, error) {
	return nullSafeDivide(op, r.Name(), "DOUBLE", left, right)
}

func (r *DuckDBRewriter) Grouping(expr string) string { return "GROUPING(" + expr + ")" }

func (r *DuckDBRewriter) UsePartialRollupSafely() bool { return true }

func (r *DuckDBRewriter) SupportsGroupingSets() bool { return true }
