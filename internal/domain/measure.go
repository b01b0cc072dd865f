package domain

import "fmt"

// Aggregation functions accepted by AggregatedMeasure.
const (
	AggSum           = "sum"
	AggMin           = "min"
	AggMax           = "max"
	AggAvg           = "avg"
	AggCount         = "count"
	AggCountDistinct = "count_distinct"
)

// CountAlias is the output column name of CountMeasure.
const CountAlias = "_contributors_count_"

// MeasureKind tags the closed set of measure variants.
type MeasureKind string

// Measure kinds.
const (
	KindAggregated MeasureKind = "aggregated"
	KindExpression MeasureKind = "expression"
	KindBinary     MeasureKind = "binary"
	KindComparison MeasureKind = "comparison"
)

// Measure is a named aggregation or derived computation producing one output
// column. Implementations: *AggregatedMeasure, *ExpressionMeasure,
// *BinaryOperationMeasure, *ComparisonMeasure.
type Measure interface {
	Alias() string
	Kind() MeasureKind
	isMeasure()
}

// AggregatedMeasure applies an aggregation function to a field. A nil Field
// stands for "*" and is only valid with count.
type AggregatedMeasure struct {
	Name        string    `json:"alias"`
	Aggregation string    `json:"aggregation"`
	Field       Field     `json:"field,omitempty"`
	Filter      *Criteria `json:"filter,omitempty"`
}

func (m *AggregatedMeasure) Alias() string     { return m.Name }
func (m *AggregatedMeasure) Kind() MeasureKind { return KindAggregated }
func (*AggregatedMeasure) isMeasure()          {}

// CountMeasure counts contributing rows.
var CountMeasure = &AggregatedMeasure{Name: CountAlias, Aggregation: AggCount}

// ExpressionMeasure is an opaque SQL expression embedded verbatim.
type ExpressionMeasure struct {
	Name       string `json:"alias"`
	Expression string `json:"expression"`
}

func (m *ExpressionMeasure) Alias() string     { return m.Name }
func (m *ExpressionMeasure) Kind() MeasureKind { return KindExpression }
func (*ExpressionMeasure) isMeasure()          {}

// BinaryOperationMeasure combines two measures.
type BinaryOperationMeasure struct {
	Name     string         `json:"alias"`
	Operator BinaryOperator `json:"operator"`
	Left     Measure        `json:"left"`
	Right    Measure        `json:"right"`
}

func (m *BinaryOperationMeasure) Alias() string     { return m.Name }
func (m *BinaryOperationMeasure) Kind() MeasureKind { return KindBinary }
func (*BinaryOperationMeasure) isMeasure()          {}

// ComparisonMethod selects how a value is compared to its reference.
type ComparisonMethod string

// Comparison methods.
const (
	CompareAbsoluteDifference ComparisonMethod = "ABSOLUTE_DIFFERENCE"
	CompareRelativeDifference ComparisonMethod = "RELATIVE_DIFFERENCE"
	CompareDivide             ComparisonMethod = "DIVIDE"
	CompareFormula            ComparisonMethod = "FORMULA"
)

// Valid reports whether c is a known method.
func (c ComparisonMethod) Valid() bool {
	switch c {
	case CompareAbsoluteDifference, CompareRelativeDifference, CompareDivide, CompareFormula:
		return true
	}
	return false
}

// ReferencePosition shifts one dimension of a row to find its reference row.
// Position is "first", "last", "<name>", "<name>-k", "<name>+k" or a literal value.
type ReferencePosition struct {
	Field    TypedField `json:"field"`
	Position string     `json:"position"`
}

// ComparisonMeasure compares a measure with the same measure at a shifted
// reference position. It is resolved outside the database.
type ComparisonMeasure struct {
	Name              string              `json:"alias"`
	Method            ComparisonMethod    `json:"method"`
	Formula           string              `json:"formula,omitempty"`
	Measure           Measure             `json:"measure"`
	ReferencePosition []ReferencePosition `json:"referencePosition"`
	ColumnSet         ColumnSetKey        `json:"columnSet,omitempty"`
}

func (m *ComparisonMeasure) Alias() string     { return m.Name }
func (m *ComparisonMeasure) Kind() MeasureKind { return KindComparison }
func (*ComparisonMeasure) isMeasure()          {}

// IsSQLEvaluable reports whether m can be compiled to SQL, i.e. no comparison
// measure appears in its tree.
func IsSQLEvaluable(m Measure) bool {
	switch m := m.(type) {
	case *AggregatedMeasure, *ExpressionMeasure:
		return true
	case *BinaryOperationMeasure:
		return IsSQLEvaluable(m.Left) && IsSQLEvaluable(m.Right)
	case *ComparisonMeasure:
		return false
	default:
		panic(fmt.Sprintf("unknown measure type %T", m))
	}
}

// MeasureOutputType infers the output type of a measure from its definition. Expression
// measures report an empty type; callers fall back to the engine's declared type.
func MeasureOutputType(m Measure) ScalarType {
	switch m := m.(type) {
	case *AggregatedMeasure:
		switch m.Aggregation {
		case AggCount, AggCountDistinct:
			return TypeInt
		case AggAvg:
			return TypeFloat
		}
		if m.Field == nil {
			return TypeInt
		}
		return m.Field.ScalarType()
	case *ExpressionMeasure:
		return ""
	case *BinaryOperationMeasure:
		l, r := MeasureOutputType(m.Left), MeasureOutputType(m.Right)
		if l == "" || r == "" {
			return TypeFloat
		}
		return arithmeticType(m.Operator, l, r)
	case *ComparisonMeasure:
		if m.Method == CompareAbsoluteDifference && MeasureOutputType(m.Measure) == TypeInt {
			return TypeInt
		}
		return TypeFloat
	default:
		panic(fmt.Sprintf("unknown measure type %T", m))
	}
}
