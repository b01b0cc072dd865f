// Package scope resolves query requests into canonical, typed query scopes.
package scope

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// bucketValueColumn is the column of a bucket table holding member values.
const bucketValueColumn = "__value__"

// Resolve validates dto and binds it against catalog. Identical requests over an
// identical catalog always yield structurally identical scopes.
func Resolve(dto *domain.QueryDto, catalog domain.FieldCatalog) (*domain.QueryScope, error) {
	if dto == nil {
		return nil, domain.ErrValidation("query is required")
	}
	if err := dto.Validate(); err != nil {
		return nil, err
	}
	r := &resolver{catalog: catalog}
	return r.resolve(dto, false)
}

type resolver struct {
	catalog domain.FieldCatalog
}

func (r *resolver) resolve(dto *domain.QueryDto, sub bool) (*domain.QueryScope, error) {
	s := &domain.QueryScope{Limit: dto.Limit}
	b := &bindings{}

	if dto.Table.SubQuery != nil {
		inner, err := r.resolve(dto.Table.SubQuery, true)
		if err != nil {
			return nil, fmt.Errorf("sub-query: %w", err)
		}
		s.SubQuery = inner
		b.add(domain.SubQueryAlias, subQueryFields(inner))
	} else {
		fields, err := r.tableFields(dto.Table.Name)
		if err != nil {
			return nil, err
		}
		s.Table = dto.Table.Name
		b.add(dto.Table.Name, fields)
	}

	// Join targets are bound before any join condition so conditions can
	// reference every table.
	for _, j := range dto.Table.Joins {
		js := domain.JoinScope{Type: j.Type}
		if j.VirtualTable != nil {
			js.Virtual = virtualTable(*j.VirtualTable)
			b.add(js.Virtual.Name, js.Virtual.Columns)
		} else {
			fields, err := r.tableFields(j.Table)
			if err != nil {
				return nil, err
			}
			js.Table = j.Table
			b.add(j.Table, fields)
		}
		s.Joins = append(s.Joins, js)
	}
	for i, j := range dto.Table.Joins {
		if j.On == nil {
			continue
		}
		on, err := b.criteria(*j.On)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", s.Joins[i].Name(), err)
		}
		s.Joins[i].On = on
	}

	for _, c := range dto.Columns {
		f, err := b.field(c)
		if err != nil {
			return nil, err
		}
		s.Columns = append(s.Columns, f)
	}

	if err := r.columnSets(dto, s, b); err != nil {
		return nil, err
	}
	if err := uniqueOutputs(s.Columns); err != nil {
		return nil, err
	}

	if dto.Where != nil {
		where, err := b.criteria(*dto.Where)
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		s.Where = where
	}

	for _, c := range dto.Rollup {
		f, err := b.field(c)
		if err != nil {
			return nil, err
		}
		if !selected(s.Columns, f) {
			return nil, domain.ErrValidation("rollup column %s must be selected", f.OutputName())
		}
		s.Rollup = append(s.Rollup, f)
	}

	mr := newMeasureResolver(dto, s, b)
	if err := mr.resolveAll(); err != nil {
		return nil, err
	}

	if sub {
		for _, m := range s.Measures {
			if !domain.IsSQLEvaluable(m) {
				return nil, domain.ErrValidation("only aggregated, expression or binary measures can be used in a sub-query, got %s", m.Alias())
			}
		}
	} else {
		totals, err := totalsOption(dto.Context)
		if err != nil {
			return nil, err
		}
		s.Totals = totals
		if len(dto.Context) > 0 {
			s.Context = maps.Clone(dto.Context)
		}
	}

	if len(s.Columns) == 0 && len(s.Measures) == 0 {
		return nil, domain.ErrValidation("query must select at least one column or measure")
	}
	return s, nil
}

func (r *resolver) tableFields(table string) ([]domain.TypedField, error) {
	if r.catalog == nil {
		return nil, domain.ErrCompilation("no field catalog to resolve table %s", table)
	}
	fields, ok := r.catalog.Fields(table)
	if !ok {
		return nil, domain.ErrCompilation("unknown table %s", table)
	}
	out := make([]domain.TypedField, len(fields))
	for i, f := range fields {
		f.Table = table
		f.Virtual = false
		f.Alias = ""
		out[i] = f
	}
	return out, nil
}

// subQueryFields exposes the outputs of a resolved sub-query as columns.
func subQueryFields(inner *domain.QueryScope) []domain.TypedField {
	var out []domain.TypedField
	for _, f := range inner.Columns {
		out = append(out, domain.TypedField{Table: domain.SubQueryAlias, Name: f.OutputName(), Type: f.ScalarType()})
	}
	for _, m := range inner.Measures {
		t := domain.MeasureOutputType(m)
		if t == "" {
			t = domain.TypeFloat
		}
		out = append(out, domain.TypedField{Table: domain.SubQueryAlias, Name: m.Alias(), Type: t})
	}
	return out
}

func virtualTable(dto domain.VirtualTableDto) *domain.VirtualTable {
	vt := &domain.VirtualTable{Name: dto.Name}
	for _, row := range dto.Rows {
		vt.Rows = append(vt.Rows, normalizeLiterals(row))
	}
	for i, name := range dto.Columns {
		values := make([]any, len(vt.Rows))
		for k, row := range vt.Rows {
			values[k] = row[i]
		}
		vt.Columns = append(vt.Columns, domain.TypedField{
			Table:   dto.Name,
			Name:    name,
			Type:    inferType(values),
			Virtual: true,
		})
	}
	return vt
}

// columnSets compiles a BUCKET column set into an inner join on a literal
// bucket table and selects the bucket column followed by the bucketed field.
func (r *resolver) columnSets(dto *domain.QueryDto, s *domain.QueryScope, b *bindings) error {
	if len(dto.ColumnSets) == 0 {
		return nil
	}
	s.ColumnSets = map[domain.ColumnSetKey]domain.BucketColumnSet{}
	for _, key := range slices.Sorted(maps.Keys(dto.ColumnSets)) {
		if key != domain.ColumnSetBucket {
			return domain.ErrValidation("unknown column set %q", key)
		}
		cs := dto.ColumnSets[key]
		if cs.Name == "" || len(cs.Buckets) == 0 {
			return domain.ErrValidation("bucket column set needs a name and buckets")
		}
		field, err := b.column(cs.Field)
		if err != nil {
			return fmt.Errorf("bucket column set %s: %w", cs.Name, err)
		}
		field.Alias = ""

		bound := domain.BucketColumnSet{Name: cs.Name, Field: field}
		tableName := "__bucket_" + cs.Name + "__"
		vt := &domain.VirtualTable{
			Name: tableName,
			Columns: []domain.TypedField{
				{Table: tableName, Name: cs.Name, Type: domain.TypeString, Virtual: true},
				{Table: tableName, Name: bucketValueColumn, Type: field.Type, Virtual: true},
			},
		}
		for _, bucket := range cs.Buckets {
			values := normalizeLiterals(bucket.Values)
			bound.Buckets = append(bound.Buckets, domain.Bucket{Name: bucket.Name, Values: values})
			for _, v := range values {
				vt.Rows = append(vt.Rows, []any{bucket.Name, v})
			}
		}
		s.ColumnSets[key] = bound
		s.Joins = append(s.Joins, domain.JoinScope{
			Virtual: vt,
			Type:    domain.JoinInner,
			On:      &domain.Criteria{Field: field, Other: vt.Columns[1], Condition: domain.CondEq},
		})
		b.add(tableName, vt.Columns[:1])

		for _, f := range []domain.Field{vt.Columns[0], field} {
			if !selected(s.Columns, f) {
				s.Columns = append(s.Columns, f)
			}
		}
	}
	return nil
}

func selected(columns []domain.Field, f domain.Field) bool {
	for _, c := range columns {
		if c.OutputName() == f.OutputName() {
			return true
		}
	}
	return false
}

func uniqueOutputs(columns []domain.Field) error {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c.OutputName()] {
			return domain.ErrValidation("column %s is selected twice", c.OutputName())
		}
		seen[c.OutputName()] = true
	}
	return nil
}

func totalsOption(ctx map[string]map[string]any) (domain.TotalsOption, error) {
	opt := domain.DefaultTotals
	v, ok := ctx[domain.ContextTotals]
	if !ok {
		return opt, nil
	}
	if visible, ok := v["visible"]; ok {
		b, err := cast.ToBoolE(visible)
		if err != nil {
			return opt, domain.ErrValidation("totals.visible: %v", err)
		}
		opt.Visible = b
	}
	if position, ok := v["position"]; ok {
		p := cast.ToString(position)
		if p != domain.TotalsTop && p != domain.TotalsBottom {
			return opt, domain.ErrValidation("totals.position must be %q or %q, got %q", domain.TotalsTop, domain.TotalsBottom, p)
		}
		opt.Position = p
	}
	return opt, nil
}
