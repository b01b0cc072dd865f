package dialect

import (
	"strings"

	"github.com/lib/pq"

	"mdquery/internal/domain"
)

// PostgresRewriter targets PostgreSQL.
type PostgresRewriter struct{}

// NewPostgres returns the PostgreSQL dialect.
func NewPostgres() *PostgresRewriter { return &PostgresRewriter{} }

func (r *PostgresRewriter) Name() string { return Postgres }

func (r *PostgresRewriter) TableName(name string) string {
	return qualified(name, pq.QuoteIdentifier)
}

func (r *PostgresRewriter) CTEName(name string) string { return pq.QuoteIdentifier(name) }

func (r *PostgresRewriter) FieldName(name string) string { return pq.QuoteIdentifier(name) }

func (r *PostgresRewriter) EscapeAlias(alias string) string {
	if isQuoted(alias, `"`) {
		return alias
	}
	return pq.QuoteIdentifier(alias)
}

func (r *PostgresRewriter) EscapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// FunctionExpression casts EXTRACT back to an integer; Postgres returns numeric.
func (r *PostgresRewriter) FunctionExpression(f domain.FunctionField, operand string) (string, error) {
	if err := checkFunction(r.Name(), f); err != nil {
		return "", err
	}
	return "CAST(" + extract(f.Function, operand) + " AS INTEGER)", nil
}

func (r *PostgresRewriter) BinaryOperation(op domain.BinaryOperator, left, right string) (string, error) {
	return nullSafeDivide(op, r.Name(), "DOUBLE PRECISION", left, right)
}

func (r *PostgresRewriter) Grouping(expr string) string { return "GROUPING(" + expr + ")" }

func (r *PostgresRewriter) UsePartialRollupSafely() bool { return true }

func (r *PostgresRewriter) SupportsGroupingSets() bool { return true }
