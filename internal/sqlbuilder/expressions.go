package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mdquery/internal/domain"
)

var comparisonOperators = map[domain.ConditionType]string{
	domain.CondEq:  "=",
	domain.CondNeq: "<>",
	domain.CondLt:  "<",
	domain.CondLe:  "<=",
	domain.CondGt:  ">",
	domain.CondGe:  ">=",
}

func (b *builder) field(f domain.Field) (string, error) {
	switch f := f.(type) {
	case domain.TypedField:
		name := b.r.FieldName(f.Name)
		switch {
		case f.Table == "":
			return name, nil
		case f.Table == domain.SubQueryAlias:
			// Sub-query outputs carry the escaped alias they were selected as.
			return b.r.CTEName(f.Table) + "." + b.r.EscapeAlias(f.Name), nil
		case f.Virtual:
			return b.r.CTEName(f.Table) + "." + name, nil
		default:
			return b.r.TableName(f.Table) + "." + name, nil
		}
	case domain.FunctionField:
		operand, err := b.field(f.Field)
		if err != nil {
			return "", err
		}
		return b.r.FunctionExpression(f, operand)
	case domain.BinaryField:
		left, err := b.field(f.Left)
		if err != nil {
			return "", err
		}
		right, err := b.field(f.Right)
		if err != nil {
			return "", err
		}
		return b.r.BinaryOperation(f.Operator, left, right)
	case domain.ConstantField:
		return b.literal(f.Value)
	default:
		return "", fmt.Errorf("unknown field type %T", f)
	}
}

func (b *builder) literal(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return "'" + b.r.EscapeSingleQuote(v) + "'", nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return floatLiteral(float64(v)), nil
	case float64:
		return floatLiteral(v), nil
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'", nil
	default:
		return "", domain.ErrValidation("unsupported literal %v (%T)", v, v)
	}
}

// floatLiteral always carries a decimal point so engines keep it floating.
func floatLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (b *builder) measure(m domain.Measure) (string, error) {
	switch m := m.(type) {
	case *domain.AggregatedMeasure:
		return b.aggregated(m)
	case *domain.ExpressionMeasure:
		return m.Expression, nil
	case *domain.BinaryOperationMeasure:
		left, err := b.measure(m.Left)
		if err != nil {
			return "", err
		}
		right, err := b.measure(m.Right)
		if err != nil {
			return "", err
		}
		return b.r.BinaryOperation(m.Operator, left, right)
	case *domain.ComparisonMeasure:
		return "", domain.ErrCompilation("comparison measure %q is computed after execution and cannot be compiled to SQL", m.Name)
	default:
		return "", fmt.Errorf("unknown measure type %T", m)
	}
}

func (b *builder) aggregated(m *domain.AggregatedMeasure) (string, error) {
	arg := "*"
	if m.Field != nil {
		expr, err := b.field(m.Field)
		if err != nil {
			return "", err
		}
		arg = expr
	}
	if m.Filter != nil {
		cond, err := b.criteria(m.Filter)
		if err != nil {
			return "", fmt.Errorf("filter of measure %s: %w", m.Name, err)
		}
		if arg == "*" {
			arg = "1"
		}
		arg = "CASE WHEN " + cond + " THEN " + arg + " END"
	}

	switch strings.ToLower(m.Aggregation) {
	case domain.AggSum, domain.AggMin, domain.AggMax, domain.AggAvg, domain.AggCount:
		return strings.ToLower(m.Aggregation) + "(" + arg + ")", nil
	case domain.AggCountDistinct:
		return "count(DISTINCT " + arg + ")", nil
	default:
		return "", domain.ErrUnsupportedFeature(b.r.Name(), m.Aggregation, "unsupported aggregation %s in measure %s", m.Aggregation, m.Name)
	}
}

func (b *builder) criteria(c *domain.Criteria) (string, error) {
	switch c.Condition {
	case domain.CondAnd, domain.CondOr:
		parts := make([]string, 0, len(c.Children))
		for _, child := range c.Children {
			p, err := b.criteria(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		if len(parts) == 1 {
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " "+string(c.Condition)+" ") + ")", nil
	}

	left, err := b.field(c.Field)
	if err != nil {
		return "", err
	}
	if c.Other != nil {
		op, ok := comparisonOperators[c.Condition]
		if !ok {
			return "", domain.ErrValidation("condition %s cannot compare two fields", c.Condition)
		}
		right, err := b.field(c.Other)
		if err != nil {
			return "", err
		}
		return left + " " + op + " " + right, nil
	}

	switch c.Condition {
	case domain.CondNull:
		return left + " IS NULL", nil
	case domain.CondNotNull:
		return left + " IS NOT NULL", nil
	case domain.CondIn, domain.CondNotIn:
		lits := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			lit, err := b.literal(v)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		op := " IN "
		if c.Condition == domain.CondNotIn {
			op = " NOT IN "
		}
		return left + op + "(" + strings.Join(lits, ", ") + ")", nil
	case domain.CondLike:
		lit, err := b.literal(c.Value)
		if err != nil {
			return "", err
		}
		return left + " LIKE " + lit, nil
	}

	op, ok := comparisonOperators[c.Condition]
	if !ok {
		return "", domain.ErrValidation("unknown condition %q", c.Condition)
	}
	lit, err := b.literal(c.Value)
	if err != nil {
		return "", err
	}
	return left + " " + op + " " + lit, nil
}
