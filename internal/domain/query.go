package domain

import "fmt"

// QueryDto is the engine-agnostic query request. It is the stable input contract
// and round-trips through JSON.
type QueryDto struct {
	Table      *TableDto                           `json:"table,omitempty"`
	Columns    []FieldDto                          `json:"columns,omitempty"`
	Measures   []MeasureDto                        `json:"measures,omitempty"`
	Rollup     []FieldDto                          `json:"rollup,omitempty"`
	Where      *CriteriaDto                        `json:"where,omitempty"`
	ColumnSets map[ColumnSetKey]BucketColumnSetDto `json:"columnSets,omitempty"`
	Context    map[string]map[string]any           `json:"context,omitempty"`
	Limit      int                                 `json:"limit,omitempty"`
}

// TableDto is the query source: a physical table or a sub-query, plus joins.
type TableDto struct {
	Name     string    `json:"name,omitempty"`
	SubQuery *QueryDto `json:"subQuery,omitempty"`
	Joins    []JoinDto `json:"joins,omitempty"`
}

// JoinType is the SQL join flavour.
type JoinType string

// Join types.
const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinCross JoinType = "CROSS"
)

// Valid reports whether j is a known join type.
func (j JoinType) Valid() bool {
	return j == JoinInner || j == JoinLeft || j == JoinCross
}

// JoinDto joins a physical table or an inline virtual table.
type JoinDto struct {
	Table        string           `json:"table,omitempty"`
	VirtualTable *VirtualTableDto `json:"virtualTable,omitempty"`
	Type         JoinType         `json:"type"`
	On           *CriteriaDto     `json:"on,omitempty"`
}

// VirtualTableDto is an inline literal table usable as a join target.
type VirtualTableDto struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// FieldDto is an untyped field reference. Exactly one shape applies:
// column (Name, optional Table), function (Function + one operand),
// binary (Operator + two operands) or constant (Constant).
type FieldDto struct {
	Table    string         `json:"table,omitempty"`
	Name     string         `json:"name,omitempty"`
	Function string         `json:"function,omitempty"`
	Operator BinaryOperator `json:"operator,omitempty"`
	Operands []FieldDto     `json:"operands,omitempty"`
	Constant any            `json:"constant,omitempty"`
	Alias    string         `json:"alias,omitempty"`
}

// MeasureType discriminates MeasureDto shapes.
type MeasureType string

// Measure DTO types.
const (
	MeasureAggregated MeasureType = "aggregated"
	MeasureExpression MeasureType = "expression"
	MeasureBinary     MeasureType = "binary"
	MeasureComparison MeasureType = "comparison"
	MeasureCount      MeasureType = "count"
	MeasureRef        MeasureType = "ref"
)

// MeasureDto describes a measure. Nested measures may be inline or reference
// another measure of the same query by alias (Type "ref").
type MeasureDto struct {
	Type  MeasureType `json:"type"`
	Alias string      `json:"alias,omitempty"`

	// aggregated
	Aggregation string       `json:"aggregation,omitempty"`
	Field       *FieldDto    `json:"field,omitempty"`
	Filter      *CriteriaDto `json:"filter,omitempty"`

	// expression
	Expression string `json:"expression,omitempty"`

	// binary
	Operator BinaryOperator `json:"operator,omitempty"`
	Left     *MeasureDto    `json:"left,omitempty"`
	Right    *MeasureDto    `json:"right,omitempty"`

	// comparison
	Method            ComparisonMethod  `json:"method,omitempty"`
	Formula           string            `json:"formula,omitempty"`
	Measure           *MeasureDto       `json:"measure,omitempty"`
	ReferencePosition map[string]string `json:"referencePosition,omitempty"`
	ColumnSet         ColumnSetKey      `json:"columnSet,omitempty"`

	// ref
	Ref string `json:"ref,omitempty"`
}

// ConditionType is a comparison or logical operator in criteria.
type ConditionType string

// Condition types.
const (
	CondEq      ConditionType = "EQ"
	CondNeq     ConditionType = "NEQ"
	CondLt      ConditionType = "LT"
	CondLe      ConditionType = "LE"
	CondGt      ConditionType = "GT"
	CondGe      ConditionType = "GE"
	CondIn      ConditionType = "IN"
	CondNotIn   ConditionType = "NOT_IN"
	CondLike    ConditionType = "LIKE"
	CondNull    ConditionType = "NULL"
	CondNotNull ConditionType = "NOT_NULL"
	CondAnd     ConditionType = "AND"
	CondOr      ConditionType = "OR"
)

// IsComparison reports whether c compares two operands.
func (c ConditionType) IsComparison() bool {
	switch c {
	case CondEq, CondNeq, CondLt, CondLe, CondGt, CondGe:
		return true
	}
	return false
}

// CriteriaDto is a filter tree. A leaf is either Field + Condition, or
// Field + FieldOther compared with ConditionType. Inner nodes combine Children
// with ConditionType AND/OR.
type CriteriaDto struct {
	Field         *FieldDto     `json:"field,omitempty"`
	FieldOther    *FieldDto     `json:"fieldOther,omitempty"`
	Condition     *ConditionDto `json:"condition,omitempty"`
	ConditionType ConditionType `json:"conditionType,omitempty"`
	Children      []CriteriaDto `json:"children,omitempty"`
}

// ConditionDto compares a field with literal values.
type ConditionDto struct {
	Type   ConditionType `json:"type"`
	Value  any           `json:"value,omitempty"`
	Values []any         `json:"values,omitempty"`
}

// ColumnSetKey identifies a column set.
type ColumnSetKey string

// ColumnSetBucket groups the values of a field into named buckets.
const ColumnSetBucket ColumnSetKey = "BUCKET"

// BucketColumnSetDto groups values of Field into ordered named buckets exposed
// as a new column called Name.
type BucketColumnSetDto struct {
	Name    string      `json:"name"`
	Field   FieldDto    `json:"field"`
	Buckets []BucketDto `json:"buckets"`
}

// BucketDto is one named bucket and its ordered member values.
type BucketDto struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// ContextTotals is the context key controlling total rows.
const ContextTotals = "totals"

// Total placement values for the totals context.
const (
	TotalsTop    = "top"
	TotalsBottom = "bottom"
)

// Validate checks the shape of the request. Field and measure binding happen
// during scope resolution.
func (q *QueryDto) Validate() error {
	if err := q.validateSource(); err != nil {
		return err
	}
	if q.Limit < 0 {
		return ErrValidation("limit must be non-negative, got %d", q.Limit)
	}
	if sub := q.Table.SubQuery; sub != nil {
		if err := sub.validateAsSubQuery(); err != nil {
			return err
		}
	}
	for i, j := range q.Table.Joins {
		if err := j.validate(); err != nil {
			return fmt.Errorf("join %d: %w", i, err)
		}
	}
	return nil
}

func (q *QueryDto) validateSource() error {
	if q.Table == nil || (q.Table.Name == "" && q.Table.SubQuery == nil) {
		return ErrValidation("table or sub-query was expected")
	}
	if q.Table.Name != "" && q.Table.SubQuery != nil {
		return ErrValidation("table and sub-query are mutually exclusive")
	}
	return nil
}

func (q *QueryDto) validateAsSubQuery() error {
	if err := q.validateSource(); err != nil {
		return err
	}
	if q.Table.SubQuery != nil {
		return ErrValidation("sub-query of a sub-query is not supported")
	}
	if len(q.ColumnSets) > 0 {
		return ErrValidation("column sets are not expected in a sub-query")
	}
	if len(q.Context) > 0 {
		return ErrValidation("context values are not expected in a sub-query")
	}
	if len(q.Rollup) > 0 {
		return ErrValidation("rollup is not expected in a sub-query")
	}
	for _, m := range q.Measures {
		if !m.allowedInSubQuery() {
			return ErrValidation("only aggregated, expression or binary measures can be used in a sub-query, got %q", m.Type)
		}
	}
	for i, j := range q.Table.Joins {
		if err := j.validate(); err != nil {
			return fmt.Errorf("sub-query join %d: %w", i, err)
		}
	}
	return nil
}

func (m MeasureDto) allowedInSubQuery() bool {
	switch m.Type {
	case MeasureAggregated, MeasureExpression, MeasureCount, MeasureRef:
		return true
	case MeasureBinary:
		return m.Left != nil && m.Right != nil && m.Left.allowedInSubQuery() && m.Right.allowedInSubQuery()
	}
	return false
}

func (j JoinDto) validate() error {
	if !j.Type.Valid() {
		return ErrValidation("unknown join type %q", j.Type)
	}
	if (j.Table == "") == (j.VirtualTable == nil) {
		return ErrValidation("join needs exactly one of table or virtual table")
	}
	if j.Type == JoinCross && j.On != nil {
		return ErrValidation("cross join cannot have a join condition")
	}
	if j.Type != JoinCross && j.On == nil {
		return ErrValidation("%s join needs a join condition", j.Type)
	}
	if vt := j.VirtualTable; vt != nil {
		if vt.Name == "" || len(vt.Columns) == 0 {
			return ErrValidation("virtual table needs a name and columns")
		}
		for i, row := range vt.Rows {
			if len(row) != len(vt.Columns) {
				return ErrValidation("virtual table %q row %d has %d values, expected %d", vt.Name, i, len(row), len(vt.Columns))
			}
		}
	}
	return nil
}
