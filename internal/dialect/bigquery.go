package dialect

import (
	"regexp"
	"strings"
	"unicode"

	"mdquery/internal/domain"
)

// illegalBigQueryColumnChars matches characters BigQuery rejects in column names.
var illegalBigQueryColumnChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// BigQueryRewriter targets BigQuery: backtick identifiers, project/dataset
// qualified tables, SAFE_DIVIDE and no partial ROLLUP.
type BigQueryRewriter struct {
	Project string
	Dataset string
}

// NewBigQuery returns the BigQuery dialect. Unqualified table names are
// qualified with project and dataset when both are set.
func NewBigQuery(project, dataset string) *BigQueryRewriter {
	return &BigQueryRewriter{Project: project, Dataset: dataset}
}

func (r *BigQueryRewriter) Name() string { return BigQuery }

func (r *BigQueryRewriter) TableName(name string) string {
	if r.Project != "" && r.Dataset != "" && !strings.Contains(name, ".") {
		name = r.Project + "." + r.Dataset + "." + name
	}
	return backtick(name)
}

func (r *BigQueryRewriter) CTEName(name string) string { return backtick(name) }

func (r *BigQueryRewriter) FieldName(name string) string { return backtick(name) }

// EscapeAlias replaces every character outside [A-Za-z0-9_] with an underscore
// and prefixes names starting with a digit.
func (r *BigQueryRewriter) EscapeAlias(alias string) string {
	if len(alias) >= 2 && strings.HasPrefix(alias, "`") && strings.HasSuffix(alias, "`") {
		alias = alias[1 : len(alias)-1]
	}
	alias = illegalBigQueryColumnChars.ReplaceAllString(alias, "_")
	if alias == "" || unicode.IsDigit(rune(alias[0])) {
		alias = "_" + alias
	}
	return "`" + alias + "`"
}

func (r *BigQueryRewriter) EscapeSingleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}

func (r *BigQueryRewriter) FunctionExpression(f domain.FunctionField, operand string) (string, error) {
	if err := checkFunction(r.Name(), f); err != nil {
		return "", err
	}
	return extract(f.Function, operand), nil
}

// BinaryOperation maps division to SAFE_DIVIDE, which yields NULL on a zero divisor.
func (r *BigQueryRewriter) BinaryOperation(op domain.BinaryOperator, left, right string) (string, error) {
	if op == domain.OpDivide {
		return "SAFE_DIVIDE(" + left + ", " + right + ")", nil
	}
	return DefaultBinaryOperation(r.Name(), op, left, right)
}

// Grouping re-emits the full expression, as every other dialect does.
func (r *BigQueryRewriter) Grouping(expr string) string { return "GROUPING(" + expr + ")" }

func (r *BigQueryRewriter) UsePartialRollupSafely() bool { return false }

func (r *BigQueryRewriter) SupportsGroupingSets() bool { return true }

// backtick quotes a BigQuery identifier. A dotted path stays one quoted token.
func backtick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}
