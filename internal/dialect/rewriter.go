// Package dialect isolates every engine-specific piece of SQL syntax behind the
// Rewriter contract. The SQL builder never branches on engine identity.
package dialect

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"mdquery/internal/domain"
)

// Rewriter supplies identifier escaping, function translation, division
// semantics and grouping capabilities for one SQL engine.
type Rewriter interface {
	// Name is the registry name of the dialect.
	Name() string
	// TableName escapes and optionally qualifies a physical table name.
	TableName(name string) string
	// CTEName escapes the name of a common table expression.
	CTEName(name string) string
	// FieldName escapes a column name.
	FieldName(name string) string
	// EscapeAlias returns an identifier legal as an output column name. It is
	// idempotent.
	EscapeAlias(alias string) string
	// EscapeSingleQuote escapes the body of a string literal.
	EscapeSingleQuote(s string) string
	// FunctionExpression applies f.Function to the already compiled operand.
	FunctionExpression(f domain.FunctionField, operand string) (string, error)
	// BinaryOperation combines two compiled operands.
	BinaryOperation(op domain.BinaryOperator, left, right string) (string, error)
	// Grouping returns the rollup indicator expression for a grouped
	// expression. It receives the compiled expression rather than its output
	// alias: none of the engines resolve select aliases inside GROUPING().
	Grouping(expr string) string
	// UsePartialRollupSafely reports native support for ROLLUP(a, b) mixed with
	// plain GROUP BY columns.
	UsePartialRollupSafely() bool
	// SupportsGroupingSets reports support for GROUP BY GROUPING SETS.
	SupportsGroupingSets() bool
}

// Registry names.
const (
	ANSI     = "ansi"
	DuckDB   = "duckdb"
	BigQuery = "bigquery"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Options carries per-deployment settings some dialects need.
type Options struct {
	// Project and Dataset qualify BigQuery table names.
	Project string
	Dataset string
}

var constructors = map[string]func(Options) Rewriter{
	ANSI:     func(Options) Rewriter { return NewANSI() },
	DuckDB:   func(Options) Rewriter { return NewDuckDB() },
	BigQuery: func(o Options) Rewriter { return NewBigQuery(o.Project, o.Dataset) },
	Postgres: func(Options) Rewriter { return NewPostgres() },
	SQLite:   func(Options) Rewriter { return NewSQLite() },
}

// New returns the rewriter registered under name.
func New(name string, opts Options) (Rewriter, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrValidation("unknown dialect %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(opts), nil
}

// Names lists the registered dialects in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultBinaryOperation emits infix SQL for +, - and *. Division is refused:
// each dialect decides its divide-by-zero behavior.
func DefaultBinaryOperation(dialect string, op domain.BinaryOperator, left, right string) (string, error) {
	switch op {
	case domain.OpPlus, domain.OpMinus, domain.OpMultiply:
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil
	case domain.OpDivide:
		return "", domain.ErrUnsupportedFeature(dialect, string(op), "division has no default translation")
	default:
		return "", domain.ErrUnsupportedFeature(dialect, string(op), "unsupported operator %q", op)
	}
}

// nullSafeDivide divides by NULLIF(right, 0) so a zero divisor yields NULL.
// cast, when set, converts the dividend to a floating point type first.
func nullSafeDivide(op domain.BinaryOperator, dialect, cast, left, right string) (string, error) {
	if op != domain.OpDivide {
		return DefaultBinaryOperation(dialect, op, left, right)
	}
	if cast != "" {
		left = fmt.Sprintf("CAST(%s AS %s)", left, cast)
	}
	return fmt.Sprintf("(%s / NULLIF(%s, 0))", left, right), nil
}

func checkFunction(dialect string, f domain.FunctionField) error {
	if !slices.Contains(domain.SupportedDateFunctions, strings.ToUpper(f.Function)) {
		return domain.ErrUnsupportedFeature(dialect, f.Function, "unsupported function %s on field %s", f.Function, f.Field.Name)
	}
	return nil
}

func extract(function, operand string) string {
	return fmt.Sprintf("EXTRACT(%s FROM %s)", strings.ToUpper(function), operand)
}

// quoteWith wraps s in q, doubling embedded occurrences of q.
func quoteWith(s, q string) string {
	return q + strings.ReplaceAll(s, q, q+q) + q
}

// isQuoted reports whether s is already a well-formed identifier quoted with q.
func isQuoted(s, q string) bool {
	if len(s) < 2*len(q) || !strings.HasPrefix(s, q) || !strings.HasSuffix(s, q) {
		return false
	}
	inner := s[len(q) : len(s)-len(q)]
	return !strings.Contains(strings.ReplaceAll(inner, q+q, ""), q)
}

// qualified quotes each dot-separated part of name.
func qualified(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}
