package dialect

import (
	"strings"

	"mdquery/internal/ddl"
	"mdquery/internal/domain"
)

// ANSIRewriter targets standard SQL: double-quoted identifiers, EXTRACT for
// date parts and explicit grouping sets for rollups.
type ANSIRewriter struct{}

// NewANSI returns the generic dialect.
func NewANSI() *ANSIRewriter { return &ANSIRewriter{} }

func (r *ANSIRewriter) Name() string { return ANSI }

func (r *ANSIRewriter) TableName(name string) string {
	return qualified(name, ddl.QuoteIdentifier)
}

func (r *ANSIRewriter) CTEName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *ANSIRewriter) FieldName(name string) string { return ddl.QuoteIdentifier(name) }

func (r *ANSIRewriter) EscapeAlias(alias string) string {
	if isQuoted(alias, `"`) {
		return alias
	}
	return ddl.QuoteIdentifier(alias)
}

func (r *ANSIRewriter) EscapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (r *ANSIRewriter) FunctionExpression(f domain.FunctionField, operand string) (string, error) {
	if err := checkFunction(r.Name(), f); err != nil {
		return "", err
	}
	return extract(f.Function, operand), nil
}

func (r *ANSIRewriter) BinaryOperation(op domain.BinaryOperator, left, right string) (string, error) {
	return nullSafeDivide(op, r.Name(), "", left, right)
}

func (r *ANSIRewriter) Grouping(expr string) string { return "GROUPING(" + expr + ")" }

func (r *ANSIRewriter) UsePartialRollupSafely() bool { return false }

func (r *ANSIRewriter) SupportsGroupingSets() bool { return true }
