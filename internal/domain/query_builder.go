package domain

// NewQuery returns an empty query reading from table.
func NewQuery(table string) *QueryDto {
	return &QueryDto{Table: &TableDto{Name: table}}
}

// NewSubQuery returns an empty query reading from sub.
func NewSubQuery(sub *QueryDto) *QueryDto {
	return &QueryDto{Table: &TableDto{SubQuery: sub}}
}

// JoinTable appends a join against a physical table.
func (q *QueryDto) JoinTable(table string, joinType JoinType, on *CriteriaDto) *QueryDto {
	q.ensureTable()
	q.Table.Joins = append(q.Table.Joins, JoinDto{Table: table, Type: joinType, On: on})
	return q
}

// JoinVirtual appends a join against an inline virtual table.
func (q *QueryDto) JoinVirtual(vt VirtualTableDto, joinType JoinType, on *CriteriaDto) *QueryDto {
	q.ensureTable()
	q.Table.Joins = append(q.Table.Joins, JoinDto{VirtualTable: &vt, Type: joinType, On: on})
	return q
}

// Select sets the selected columns and measures.
func (q *QueryDto) Select(columns []FieldDto, measures []MeasureDto) *QueryDto {
	q.Columns = columns
	q.Measures = measures
	return q
}

// WithRollup sets the rollup columns.
func (q *QueryDto) WithRollup(columns ...FieldDto) *QueryDto {
	q.Rollup = columns
	return q
}

// WithWhere sets the where criteria.
func (q *QueryDto) WithWhere(c CriteriaDto) *QueryDto {
	q.Where = &c
	return q
}

// WithColumnSet registers a column set.
func (q *QueryDto) WithColumnSet(key ColumnSetKey, cs BucketColumnSetDto) *QueryDto {
	if q.ColumnSets == nil {
		q.ColumnSets = map[ColumnSetKey]BucketColumnSetDto{}
	}
	q.ColumnSets[key] = cs
	return q
}

// WithContext sets a context value.
func (q *QueryDto) WithContext(key string, value map[string]any) *QueryDto {
	if q.Context == nil {
		q.Context = map[string]map[string]any{}
	}
	q.Context[key] = value
	return q
}

// WithLimit sets the row limit.
func (q *QueryDto) WithLimit(limit int) *QueryDto {
	q.Limit = limit
	return q
}

func (q *QueryDto) ensureTable() {
	if q.Table == nil {
		q.Table = &TableDto{}
	}
}

// Col references a column by name, resolved against every table in scope.
func Col(name string) FieldDto { return FieldDto{Name: name} }

// TableCol references a column of a specific table.
func TableCol(table, name string) FieldDto { return FieldDto{Table: table, Name: name} }

// Fn applies a scalar function to a column.
func Fn(function string, f FieldDto) FieldDto {
	return FieldDto{Function: function, Operands: []FieldDto{f}}
}

// Const is a literal operand.
func Const(v any) FieldDto { return FieldDto{Constant: v} }

// Plus adds two fields.
func Plus(a, b FieldDto) FieldDto { return binaryField(OpPlus, a, b) }

// Minus subtracts two fields.
func Minus(a, b FieldDto) FieldDto { return binaryField(OpMinus, a, b) }

// Multiply multiplies two fields.
func Multiply(a, b FieldDto) FieldDto { return binaryField(OpMultiply, a, b) }

// Divide divides two fields.
func Divide(a, b FieldDto) FieldDto { return binaryField(OpDivide, a, b) }

func binaryField(op BinaryOperator, a, b FieldDto) FieldDto {
	return FieldDto{Operator: op, Operands: []FieldDto{a, b}}
}

// Agg builds an aggregated measure.
func Agg(alias, aggregation string, f FieldDto) MeasureDto {
	return MeasureDto{Type: MeasureAggregated, Alias: alias, Aggregation: aggregation, Field: &f}
}

// Sum builds sum(f).
func Sum(alias string, f FieldDto) MeasureDto { return Agg(alias, AggSum, f) }

// Avg builds avg(f).
func Avg(alias string, f FieldDto) MeasureDto { return Agg(alias, AggAvg, f) }

// Min builds min(f).
func Min(alias string, f FieldDto) MeasureDto { return Agg(alias, AggMin, f) }

// Max builds max(f).
func Max(alias string, f FieldDto) MeasureDto { return Agg(alias, AggMax, f) }

// Count is the count(*) measure.
func Count() MeasureDto { return MeasureDto{Type: MeasureCount} }

// Expr builds an opaque expression measure.
func Expr(alias, expression string) MeasureDto {
	return MeasureDto{Type: MeasureExpression, Alias: alias, Expression: expression}
}

// Ref references another measure of the query by alias.
func Ref(alias string) MeasureDto { return MeasureDto{Type: MeasureRef, Ref: alias} }

// BinaryMeasure combines two measures.
func BinaryMeasure(alias string, op BinaryOperator, left, right MeasureDto) MeasureDto {
	return MeasureDto{Type: MeasureBinary, Alias: alias, Operator: op, Left: &left, Right: &right}
}

// Compare builds a comparison measure against a reference position.
func Compare(alias string, method ComparisonMethod, base MeasureDto, positions map[string]string) MeasureDto {
	return MeasureDto{
		Type:              MeasureComparison,
		Alias:             alias,
		Method:            method,
		Measure:           &base,
		ReferencePosition: positions,
	}
}

// All combines criteria with AND.
func All(children ...CriteriaDto) CriteriaDto {
	return CriteriaDto{ConditionType: CondAnd, Children: children}
}

// AnyOf combines criteria with OR.
func AnyOf(children ...CriteriaDto) CriteriaDto {
	return CriteriaDto{ConditionType: CondOr, Children: children}
}

// FieldCriterion compares two fields.
func FieldCriterion(f, other FieldDto, c ConditionType) CriteriaDto {
	return CriteriaDto{Field: &f, FieldOther: &other, ConditionType: c}
}

// Criterion compares a field with a condition.
func Criterion(f FieldDto, c ConditionDto) CriteriaDto {
	return CriteriaDto{Field: &f, Condition: &c}
}

// Eq is "= v".
func Eq(v any) ConditionDto { return ConditionDto{Type: CondEq, Value: v} }

// Neq is "<> v".
func Neq(v any) ConditionDto { return ConditionDto{Type: CondNeq, Value: v} }

// Lt is "< v".
func Lt(v any) ConditionDto { return ConditionDto{Type: CondLt, Value: v} }

// Le is "<= v".
func Le(v any) ConditionDto { return ConditionDto{Type: CondLe, Value: v} }

// Gt is "> v".
func Gt(v any) ConditionDto { return ConditionDto{Type: CondGt, Value: v} }

// Ge is ">= v".
func Ge(v any) ConditionDto { return ConditionDto{Type: CondGe, Value: v} }

// In is "IN (vs...)".
func In(vs ...any) ConditionDto { return ConditionDto{Type: CondIn, Values: vs} }

// IsNull is "IS NULL".
func IsNull() ConditionDto { return ConditionDto{Type: CondNull} }
