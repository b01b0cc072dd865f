package scope

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"mdquery/internal/domain"
)

// measureResolver binds measure DTOs, follows references between measures of
// the same query and flattens the resulting graph.
type measureResolver struct {
	dto      *domain.QueryDto
	scope    *domain.QueryScope
	b        *bindings
	byAlias  map[string]*domain.MeasureDto
	resolved map[string]domain.Measure
	visiting []string
	seen     map[string]string
}

func newMeasureResolver(dto *domain.QueryDto, s *domain.QueryScope, b *bindings) *measureResolver {
	return &measureResolver{
		dto:      dto,
		scope:    s,
		b:        b,
		byAlias:  map[string]*domain.MeasureDto{},
		resolved: map[string]domain.Measure{},
		seen:     map[string]string{},
	}
}

func (r *measureResolver) resolveAll() error {
	columns := make(map[string]bool, len(r.scope.Columns))
	for _, c := range r.scope.Columns {
		columns[c.OutputName()] = true
	}
	for i := range r.dto.Measures {
		m := &r.dto.Measures[i]
		alias := topLevelAlias(m)
		if alias == "" {
			return domain.ErrValidation("measure %d (%s) needs an alias", i, m.Type)
		}
		if _, dup := r.byAlias[alias]; dup {
			return domain.ErrValidation("measure alias %s is used twice", alias)
		}
		if columns[alias] {
			return domain.ErrValidation("measure alias %s clashes with a selected column", alias)
		}
		r.byAlias[alias] = m
	}

	for i := range r.dto.Measures {
		alias := topLevelAlias(&r.dto.Measures[i])
		m, err := r.named(alias)
		if err != nil {
			return err
		}
		if err := r.flatten(m); err != nil {
			return err
		}
		r.scope.Outputs = append(r.scope.Outputs, alias)
	}
	return nil
}

func topLevelAlias(m *domain.MeasureDto) string {
	switch {
	case m.Alias != "":
		return m.Alias
	case m.Type == domain.MeasureCount:
		return domain.CountAlias
	}
	return ""
}

// named resolves the top-level measure registered under alias. A measure
// reached again while it is being resolved closes a cycle.
func (r *measureResolver) named(alias string) (domain.Measure, error) {
	if m, ok := r.resolved[alias]; ok {
		return m, nil
	}
	if i := slices.Index(r.visiting, alias); i >= 0 {
		path := append(slices.Clone(r.visiting[i:]), alias)
		return nil, domain.ErrCompilation("measure cycle: %s", strings.Join(path, " -> "))
	}
	dto, ok := r.byAlias[alias]
	if !ok {
		return nil, domain.ErrCompilation("unknown measure reference %s", alias)
	}
	r.visiting = append(r.visiting, alias)
	m, err := r.measure(*dto)
	r.visiting = r.visiting[:len(r.visiting)-1]
	if err != nil {
		return nil, err
	}
	r.resolved[alias] = m
	return m, nil
}

func (r *measureResolver) measure(dto domain.MeasureDto) (domain.Measure, error) {
	var (
		m   domain.Measure
		err error
	)
	switch dto.Type {
	case domain.MeasureRef:
		if dto.Ref == "" {
			return nil, domain.ErrValidation("measure reference needs a target alias")
		}
		target, err := r.named(dto.Ref)
		if err != nil {
			return nil, err
		}
		if dto.Alias == "" || dto.Alias == dto.Ref {
			return target, nil
		}
		return withAlias(target, dto.Alias), nil
	case domain.MeasureCount:
		if dto.Alias == "" || dto.Alias == domain.CountAlias {
			return domain.CountMeasure, nil
		}
		return &domain.AggregatedMeasure{Name: dto.Alias, Aggregation: domain.AggCount}, nil
	case domain.MeasureAggregated:
		m, err = r.aggregated(dto)
	case domain.MeasureExpression:
		if strings.TrimSpace(dto.Expression) == "" {
			return nil, domain.ErrValidation("expression measure %s needs an expression", dto.Alias)
		}
		m = &domain.ExpressionMeasure{Name: dto.Alias, Expression: dto.Expression}
	case domain.MeasureBinary:
		m, err = r.binary(dto)
	case domain.MeasureComparison:
		m, err = r.comparison(dto)
	default:
		return nil, domain.ErrValidation("unknown measure type %q", dto.Type)
	}
	if err != nil {
		return nil, err
	}
	if m.Alias() == "" {
		m = withAlias(m, autoAlias(m))
	}
	return m, nil
}

func (r *measureResolver) aggregated(dto domain.MeasureDto) (domain.Measure, error) {
	agg := strings.ToLower(dto.Aggregation)
	if agg == "" {
		return nil, domain.ErrValidation("aggregated measure %s needs an aggregation", dto.Alias)
	}
	m := &domain.AggregatedMeasure{Name: dto.Alias, Aggregation: agg}
	if dto.Field != nil {
		f, err := r.b.field(*dto.Field)
		if err != nil {
			return nil, fmt.Errorf("measure %s: %w", dto.Alias, err)
		}
		m.Field = f
	} else if agg != domain.AggCount {
		return nil, domain.ErrValidation("aggregated measure %s needs a field", dto.Alias)
	}
	if dto.Filter != nil {
		filter, err := r.b.criteria(*dto.Filter)
		if err != nil {
			return nil, fmt.Errorf("measure %s: %w", dto.Alias, err)
		}
		m.Filter = filter
	}
	return m, nil
}

func (r *measureResolver) binary(dto domain.MeasureDto) (domain.Measure, error) {
	if !dto.Operator.Valid() {
		return nil, domain.ErrValidation("binary measure %s has unknown operator %q", dto.Alias, dto.Operator)
	}
	if dto.Left == nil || dto.Right == nil {
		return nil, domain.ErrValidation("binary measure %s needs two operands", dto.Alias)
	}
	left, err := r.measure(*dto.Left)
	if err != nil {
		return nil, err
	}
	right, err := r.measure(*dto.Right)
	if err != nil {
		return nil, err
	}
	return &domain.BinaryOperationMeasure{Name: dto.Alias, Operator: dto.Operator, Left: left, Right: right}, nil
}

func (r *measureResolver) comparison(dto domain.MeasureDto) (domain.Measure, error) {
	if !dto.Method.Valid() {
		return nil, domain.ErrValidation("comparison measure %s has unknown method %q", dto.Alias, dto.Method)
	}
	if dto.Method == domain.CompareFormula && strings.TrimSpace(dto.Formula) == "" {
		return nil, domain.ErrValidation("comparison measure %s needs a formula", dto.Alias)
	}
	if dto.Measure == nil {
		return nil, domain.ErrValidation("comparison measure %s needs a base measure", dto.Alias)
	}
	if len(dto.ReferencePosition) == 0 {
		return nil, domain.ErrValidation("comparison measure %s needs a reference position", dto.Alias)
	}
	if dto.ColumnSet != "" {
		if _, ok := r.scope.ColumnSets[dto.ColumnSet]; !ok {
			return nil, domain.ErrValidation("comparison measure %s uses unknown column set %s", dto.Alias, dto.ColumnSet)
		}
	}
	base, err := r.measure(*dto.Measure)
	if err != nil {
		return nil, err
	}

	m := &domain.ComparisonMeasure{
		Name:      dto.Alias,
		Method:    dto.Method,
		Formula:   dto.Formula,
		Measure:   base,
		ColumnSet: dto.ColumnSet,
	}
	for _, name := range slices.Sorted(maps.Keys(dto.ReferencePosition)) {
		f, err := r.referenceField(name)
		if err != nil {
			return nil, fmt.Errorf("comparison measure %s: %w", dto.Alias, err)
		}
		m.ReferencePosition = append(m.ReferencePosition, domain.ReferencePosition{
			Field:    f,
			Position: dto.ReferencePosition[name],
		})
	}
	return m, nil
}

// referenceField finds the selected column a reference position shifts.
func (r *measureResolver) referenceField(name string) (domain.TypedField, error) {
	for _, c := range r.scope.Columns {
		if col, ok := c.(domain.TypedField); ok && (c.OutputName() == name || col.Name == name) {
			return col, nil
		}
	}
	return domain.TypedField{}, domain.ErrValidation("reference position field %s must be a selected column", name)
}

// flatten appends m to the scope measures after the dependencies it needs
// computed before it. Measures computed after execution pull in their inputs.
func (r *measureResolver) flatten(m domain.Measure) error {
	if !domain.IsSQLEvaluable(m) {
		switch m := m.(type) {
		case *domain.ComparisonMeasure:
			if err := r.flatten(m.Measure); err != nil {
				return err
			}
		case *domain.BinaryOperationMeasure:
			if err := r.flatten(m.Left); err != nil {
				return err
			}
			if err := r.flatten(m.Right); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown measure type %T", m)
		}
	}

	fp := domain.MeasureFingerprint(m)
	if prev, ok := r.seen[m.Alias()]; ok {
		if prev != fp {
			return domain.ErrCompilation("measure alias %s is defined twice with different definitions", m.Alias())
		}
		return nil
	}
	r.seen[m.Alias()] = fp
	r.scope.Measures = append(r.scope.Measures, m)
	return nil
}

// autoAlias derives a stable alias from the measure definition.
func autoAlias(m domain.Measure) string {
	fp := domain.MeasureFingerprint(m)
	fp = fp[strings.IndexByte(fp, ':')+1:]
	return "__measure_" + fp[:12] + "__"
}

// withAlias returns a shallow copy of m carrying alias.
func withAlias(m domain.Measure, alias string) domain.Measure {
	switch m := m.(type) {
	case *domain.AggregatedMeasure:
		c := *m
		c.Name = alias
		return &c
	case *domain.ExpressionMeasure:
		c := *m
		c.Name = alias
		return &c
	case *domain.BinaryOperationMeasure:
		c := *m
		c.Name = alias
		return &c
	case *domain.ComparisonMeasure:
		c := *m
		c.Name = alias
		return &c
	default:
		panic(fmt.Sprintf("unknown measure type %T", m))
	}
}
