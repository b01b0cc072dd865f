package scope

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// boundTable is one table visible to field references.
type boundTable struct {
	name   string
	fields []domain.TypedField
}

// bindings resolves untyped field references against the tables in scope, in
// declaration order: source, then joins.
type bindings struct {
	tables []boundTable
}

func (b *bindings) add(name string, fields []domain.TypedField) {
	b.tables = append(b.tables, boundTable{name: name, fields: fields})
}

func (b *bindings) lookup(table, name string) (domain.TypedField, error) {
	var found []domain.TypedField
	for _, t := range b.tables {
		if table != "" && t.name != table {
			continue
		}
		for _, f := range t.fields {
			if f.Name == name {
				found = append(found, f)
			}
		}
	}
	switch len(found) {
	case 0:
		if table != "" {
			return domain.TypedField{}, domain.ErrCompilation("cannot resolve field %s.%s", table, name)
		}
		return domain.TypedField{}, domain.ErrCompilation("cannot resolve field %s", name)
	case 1:
		return found[0], nil
	default:
		return domain.TypedField{}, domain.ErrCompilation("field %s is ambiguous, qualify it with a table", name)
	}
}

// field binds a FieldDto to a typed field expression.
func (b *bindings) field(dto domain.FieldDto) (domain.Field, error) {
	switch {
	case dto.Function != "":
		if len(dto.Operands) != 1 {
			return nil, domain.ErrValidation("function %s expects one operand, got %d", dto.Function, len(dto.Operands))
		}
		operand, err := b.field(dto.Operands[0])
		if err != nil {
			return nil, err
		}
		col, ok := operand.(domain.TypedField)
		if !ok {
			return nil, domain.ErrValidation("function %s can only be applied to a column", dto.Function)
		}
		col.Alias = ""
		return domain.FunctionField{Function: strings.ToUpper(dto.Function), Field: col, Alias: dto.Alias}, nil

	case dto.Operator != "":
		if !dto.Operator.Valid() {
			return nil, domain.ErrValidation("unknown operator %q", dto.Operator)
		}
		if len(dto.Operands) != 2 {
			return nil, domain.ErrValidation("operator %s expects two operands, got %d", dto.Operator, len(dto.Operands))
		}
		left, err := b.field(dto.Operands[0])
		if err != nil {
			return nil, err
		}
		right, err := b.field(dto.Operands[1])
		if err != nil {
			return nil, err
		}
		return domain.BinaryField{Operator: dto.Operator, Left: left, Right: right, Alias: dto.Alias}, nil

	case dto.Name != "":
		f, err := b.lookup(dto.Table, dto.Name)
		if err != nil {
			return nil, err
		}
		f.Alias = dto.Alias
		return f, nil

	case dto.Constant != nil:
		return domain.ConstantField{Value: normalizeLiteral(dto.Constant)}, nil

	default:
		return nil, domain.ErrValidation("field needs a name, a function, an operator or a constant")
	}
}

// column binds a FieldDto that must be a plain column.
func (b *bindings) column(dto domain.FieldDto) (domain.TypedField, error) {
	f, err := b.field(dto)
	if err != nil {
		return domain.TypedField{}, err
	}
	col, ok := f.(domain.TypedField)
	if !ok {
		return domain.TypedField{}, domain.ErrValidation("%s must be a plain column", f.OutputName())
	}
	return col, nil
}

func (b *bindings) criteria(dto domain.CriteriaDto) (*domain.Criteria, error) {
	switch dto.ConditionType {
	case domain.CondAnd, domain.CondOr:
		if len(dto.Children) == 0 {
			return nil, domain.ErrValidation("%s criteria needs at least one child", dto.ConditionType)
		}
		c := &domain.Criteria{Condition: dto.ConditionType}
		for _, child := range dto.Children {
			bound, err := b.criteria(child)
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, bound)
		}
		return c, nil
	}

	if dto.Field == nil {
		return nil, domain.ErrValidation("criteria needs a field")
	}
	field, err := b.field(*dto.Field)
	if err != nil {
		return nil, err
	}

	if dto.FieldOther != nil {
		if !dto.ConditionType.IsComparison() {
			return nil, domain.ErrValidation("condition %q cannot compare two fields", dto.ConditionType)
		}
		other, err := b.field(*dto.FieldOther)
		if err != nil {
			return nil, err
		}
		return &domain.Criteria{Field: field, Other: other, Condition: dto.ConditionType}, nil
	}

	cond := dto.Condition
	if cond == nil {
		return nil, domain.ErrValidation("criteria on %s needs a condition or a second field", field.OutputName())
	}
	c := &domain.Criteria{Field: field, Condition: cond.Type}
	switch cond.Type {
	case domain.CondNull, domain.CondNotNull:
	case domain.CondIn, domain.CondNotIn:
		if len(cond.Values) == 0 {
			return nil, domain.ErrValidation("%s condition on %s needs values", cond.Type, field.OutputName())
		}
		c.Values = normalizeLiterals(cond.Values)
	case domain.CondLike:
		if _, ok := cond.Value.(string); !ok {
			return nil, domain.ErrValidation("LIKE condition on %s needs a string pattern", field.OutputName())
		}
		c.Value = cond.Value
	default:
		if !cond.Type.IsComparison() {
			return nil, domain.ErrValidation("unknown condition %q", cond.Type)
		}
		if cond.Value == nil {
			return nil, domain.ErrValidation("%s condition on %s needs a value", cond.Type, field.OutputName())
		}
		c.Value = normalizeLiteral(cond.Value)
	}
	return c, nil
}

// normalizeLiteral maps every integer kind to int64 and integral floats (as
// decoded from JSON) to int64, so equal requests bind to equal scopes.
func normalizeLiteral(v any) any {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return cast.ToInt64(x)
	case float32:
		return normalizeLiteral(float64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	default:
		return v
	}
}

func normalizeLiterals(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = normalizeLiteral(v)
	}
	return out
}

// inferType picks the column type of a virtual table column from its values.
func inferType(values []any) domain.ScalarType {
	var t domain.ScalarType
	for _, v := range values {
		if v == nil {
			continue
		}
		vt := domain.TypeOf(v)
		switch {
		case t == "":
			t = vt
		case t == domain.TypeInt && vt == domain.TypeFloat, t == domain.TypeFloat && vt == domain.TypeInt:
			t = domain.TypeFloat
		case t != vt:
			return domain.TypeString
		}
	}
	if t == "" {
		return domain.TypeString
	}
	return t
}
