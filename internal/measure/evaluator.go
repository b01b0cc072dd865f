// Package measure computes the measures a database cannot evaluate: comparison
// measures and arithmetic over them. Values are appended to the result table
// after execution.
package measure

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"mdquery/internal/domain"
	"mdquery/internal/table"
)

// Evaluator appends post-processed measure columns to a result table.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. A nil logger falls back to slog.Default.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate computes every measure of s that is not SQL-evaluable, in scope
// order, so dependencies are present before the measures using them.
func (e *Evaluator) Evaluate(t *table.ColumnarTable, s *domain.QueryScope) error {
	for _, m := range s.Measures {
		if domain.IsSQLEvaluable(m) || t.ColumnIndex(m.Alias()) >= 0 {
			continue
		}
		var (
			values []any
			err    error
		)
		switch m := m.(type) {
		case *domain.ComparisonMeasure:
			values, err = e.comparison(t, s, m)
		case *domain.BinaryOperationMeasure:
			values, err = binary(t, m)
		default:
			err = fmt.Errorf("unknown measure type %T", m)
		}
		if err != nil {
			return fmt.Errorf("measure %s: %w", m.Alias(), err)
		}
		h := table.Header{Name: m.Alias(), Type: domain.MeasureOutputType(m), IsMeasure: true}
		if err := t.AddAggregates(h, m, values); err != nil {
			return err
		}
		e.logger.Debug("measure evaluated", "measure", m.Alias(), "kind", m.Kind(), "rows", t.Count())
	}
	return nil
}

func (e *Evaluator) comparison(t *table.ColumnarTable, s *domain.QueryScope, m *domain.ComparisonMeasure) ([]any, error) {
	base, err := t.ColumnByName(m.Measure.Alias())
	if err != nil {
		return nil, domain.ErrCompilation("comparison %s: base measure %s was not computed", m.Alias(), m.Measure.Alias())
	}
	dict, err := t.PointDictionary()
	if err != nil {
		return nil, err
	}
	dims := t.DimensionIndexes()
	shifters, err := newShifters(t, s, m)
	if err != nil {
		return nil, err
	}
	apply, err := method(m)
	if err != nil {
		return nil, err
	}

	values := make([]any, t.Count())
	for r := range values {
		point, ok := referencePoint(t, shifters, dims, r)
		if !ok {
			continue
		}
		ref, found := dict.Lookup(point)
		if !found {
			continue
		}
		values[r] = apply(base[r], base[ref])
	}
	return values, nil
}

// referencePoint builds the dimension tuple row r is compared with. Rows whose
// shifted cells are totals have no reference.
func referencePoint(t *table.ColumnarTable, shifters []*shifter, dims []int, r int) ([]any, bool) {
	point := t.Point(r)
	for _, sh := range shifters {
		if t.IsTotal(r, sh.col) {
			return nil, false
		}
		v, ok := sh.shift(t, r)
		if !ok {
			return nil, false
		}
		for k, c := range dims {
			if c == sh.col {
				point[k] = v
			}
		}
	}
	return point, true
}

func newShifters(t *table.ColumnarTable, s *domain.QueryScope, m *domain.ComparisonMeasure) ([]*shifter, error) {
	var (
		bucket    domain.BucketColumnSet
		hasBucket bool
	)
	if m.ColumnSet != "" {
		bucket, hasBucket = s.ColumnSets[m.ColumnSet]
		if !hasBucket {
			return nil, domain.ErrCompilation("comparison %s: unknown column set %s", m.Alias(), m.ColumnSet)
		}
	}

	out := make([]*shifter, 0, len(m.ReferencePosition))
	for _, rp := range m.ReferencePosition {
		col := t.ColumnIndex(rp.Field.OutputName())
		if col < 0 {
			return nil, domain.ErrCompilation("comparison %s: field %s is not in the result", m.Alias(), rp.Field.OutputName())
		}
		offset, edge, literal, isLiteral := parsePosition(rp.Field, rp.Position)
		sh := &shifter{col: col, offset: offset, edge: edge, fixed: literal, hasFixed: isLiteral}

		switch {
		case hasBucket && rp.Field.Name == bucket.Name && rp.Field.Virtual:
			for _, b := range bucket.Buckets {
				sh.order = append(sh.order, b.Name)
			}
		case hasBucket && rp.Field.Equal(bucket.Field):
			sh.bucketCol = t.ColumnIndex(bucket.Name)
			if sh.bucketCol < 0 {
				return nil, domain.ErrCompilation("comparison %s: bucket column %s is not in the result", m.Alias(), bucket.Name)
			}
			sh.byBucket = make(map[string][]any, len(bucket.Buckets))
			for _, b := range bucket.Buckets {
				sh.byBucket[b.Name] = b.Values
			}
		case rp.Field.Type == domain.TypeInt && edge == "":
			// arithmetic shift
		default:
			sh.order = distinctValues(t, col)
		}
		out = append(out, sh)
	}
	return out, nil
}

// method returns the function combining the current and referenced values.
// It yields nil when either side is missing or the result is undefined.
func method(m *domain.ComparisonMeasure) (func(current, referenced any) any, error) {
	switch m.Method {
	case domain.CompareAbsoluteDifference:
		return func(c, r any) any {
			if c == nil || r == nil {
				return nil
			}
			return arithmetic(domain.OpMinus, c, r)
		}, nil
	case domain.CompareRelativeDifference:
		return func(c, r any) any {
			if c == nil || r == nil {
				return nil
			}
			ref := cast.ToFloat64(r)
			if ref == 0 {
				return nil
			}
			return (cast.ToFloat64(c) - ref) / ref
		}, nil
	case domain.CompareDivide:
		return func(c, r any) any {
			if c == nil || r == nil {
				return nil
			}
			return arithmetic(domain.OpDivide, c, r)
		}, nil
	case domain.CompareFormula:
		program, err := compileFormula(m.Formula)
		if err != nil {
			return nil, domain.ErrValidation("comparison %s: invalid formula: %v", m.Alias(), err)
		}
		return func(c, r any) any {
			if c == nil || r == nil {
				return nil
			}
			return runFormula(program, c, r)
		}, nil
	default:
		return nil, domain.ErrValidation("comparison %s: unknown method %q", m.Alias(), m.Method)
	}
}

type formulaEnv struct {
	Current    float64 `expr:"current"`
	Referenced float64 `expr:"referenced"`
}

func compileFormula(formula string) (*vm.Program, error) {
	return expr.Compile(formula, expr.Env(formulaEnv{}), expr.AsFloat64())
}

func runFormula(program *vm.Program, c, r any) any {
	out, err := expr.Run(program, formulaEnv{Current: cast.ToFloat64(c), Referenced: cast.ToFloat64(r)})
	if err != nil {
		return nil
	}
	f := cast.ToFloat64(out)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// binary evaluates a binary measure whose operands are already in the table.
func binary(t *table.ColumnarTable, m *domain.BinaryOperationMeasure) ([]any, error) {
	left, err := t.ColumnByName(m.Left.Alias())
	if err != nil {
		return nil, domain.ErrCompilation("binary measure %s: operand %s was not computed", m.Alias(), m.Left.Alias())
	}
	right, err := t.ColumnByName(m.Right.Alias())
	if err != nil {
		return nil, domain.ErrCompilation("binary measure %s: operand %s was not computed", m.Alias(), m.Right.Alias())
	}
	values := make([]any, len(left))
	for i := range values {
		if left[i] == nil || right[i] == nil {
			continue
		}
		values[i] = arithmetic(m.Operator, left[i], right[i])
	}
	return values, nil
}

// arithmetic applies op, keeping integers exact except for division.
// Division by zero yields nil.
func arithmetic(op domain.BinaryOperator, a, b any) any {
	if op != domain.OpDivide && domain.TypeOf(a) == domain.TypeInt && domain.TypeOf(b) == domain.TypeInt {
		x, y := cast.ToInt64(a), cast.ToInt64(b)
		switch op {
		case domain.OpPlus:
			return x + y
		case domain.OpMinus:
			return x - y
		case domain.OpMultiply:
			return x * y
		}
	}
	x, y := cast.ToFloat64(a), cast.ToFloat64(b)
	switch op {
	case domain.OpPlus:
		return x + y
	case domain.OpMinus:
		return x - y
	case domain.OpMultiply:
		return x * y
	case domain.OpDivide:
		if y == 0 {
			return nil
		}
		return x / y
	}
	return nil
}
