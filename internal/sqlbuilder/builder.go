// Package sqlbuilder compiles a resolved QueryScope into SQL text for a dialect.
//
// The SELECT list always follows the same layout: the selected columns in
// order, then the SQL-evaluable measures in order, then one rollup indicator
// per rollup column. Result tables rely on this layout.
package sqlbuilder

import (
	"fmt"
	"strings"

	"mdquery/internal/dialect"
	"mdquery/internal/domain"
)

type builder struct {
	r dialect.Rewriter
}

// Build compiles scope for the given dialect. The scope is trusted to have been
// validated by the resolver.
func Build(scope *domain.QueryScope, r dialect.Rewriter) (string, error) {
	b := &builder{r: r}
	return b.build(scope)
}

func (b *builder) build(s *domain.QueryScope) (string, error) {
	with, err := b.with(s)
	if err != nil {
		return "", err
	}
	from, err := b.from(s)
	if err != nil {
		return "", err
	}
	where := ""
	if s.Where != nil {
		cond, err := b.criteria(s.Where)
		if err != nil {
			return "", fmt.Errorf("where: %w", err)
		}
		where = " WHERE " + cond
	}

	var query string
	switch {
	case len(s.Rollup) == 0:
		query, err = b.selectGrouped(s, from, where)
	case b.r.UsePartialRollupSafely():
		query, err = b.selectRollup(s, from, where)
	case b.r.SupportsGroupingSets():
		query, err = b.selectGroupingSets(s, from, where)
	default:
		query, err = b.selectUnion(s, from, where)
	}
	if err != nil {
		return "", err
	}

	query = with + query
	if s.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", s.Limit)
	}
	return query, nil
}

// with emits one CTE per virtual table, as literal SELECT rows joined by UNION ALL.
func (b *builder) with(s *domain.QueryScope) (string, error) {
	var ctes []string
	for _, j := range s.Joins {
		if j.Virtual == nil {
			continue
		}
		body, err := b.virtualTable(j.Virtual)
		if err != nil {
			return "", err
		}
		ctes = append(ctes, fmt.Sprintf("%s AS (%s)", b.r.CTEName(j.Virtual.Name), body))
	}
	if len(ctes) == 0 {
		return "", nil
	}
	return "WITH " + strings.Join(ctes, ", ") + " ", nil
}

func (b *builder) virtualTable(vt *domain.VirtualTable) (string, error) {
	if len(vt.Rows) == 0 {
		parts := make([]string, len(vt.Columns))
		for i, c := range vt.Columns {
			parts[i] = "NULL AS " + b.r.FieldName(c.Name)
		}
		return "SELECT " + strings.Join(parts, ", ") + " LIMIT 0", nil
	}
	rows := make([]string, len(vt.Rows))
	for i, row := range vt.Rows {
		parts := make([]string, len(row))
		for k, v := range row {
			lit, err := b.literal(v)
			if err != nil {
				return "", fmt.Errorf("virtual table %s: %w", vt.Name, err)
			}
			parts[k] = lit + " AS " + b.r.FieldName(vt.Columns[k].Name)
		}
		rows[i] = "SELECT " + strings.Join(parts, ", ")
	}
	return strings.Join(rows, " UNION ALL "), nil
}

func (b *builder) from(s *domain.QueryScope) (string, error) {
	var from string
	if s.SubQuery != nil {
		sub, err := b.build(s.SubQuery)
		if err != nil {
			return "", fmt.Errorf("sub-query: %w", err)
		}
		from = " FROM (" + sub + ") AS " + b.r.CTEName(domain.SubQueryAlias)
	} else {
		from = " FROM " + b.r.TableName(s.Table)
	}

	for _, j := range s.Joins {
		target := b.r.TableName(j.Table)
		if j.Virtual != nil {
			target = b.r.CTEName(j.Virtual.Name)
		}
		if j.Type == domain.JoinCross {
			from += " CROSS JOIN " + target
			continue
		}
		cond, err := b.criteria(j.On)
		if err != nil {
			return "", fmt.Errorf("join %s: %w", j.Name(), err)
		}
		from += fmt.Sprintf(" %s JOIN %s ON %s", j.Type, target, cond)
	}
	return from, nil
}

// selectList compiles the SELECT clause. kept limits the fields that are
// grouped in the current branch; a nil map keeps every field. indicators adds
// one GROUPING() column per rollup field, literal when kept is non-nil.
func (b *builder) selectList(s *domain.QueryScope, kept map[string]bool, indicators bool) (string, error) {
	var parts []string
	for _, f := range s.Columns {
		expr, err := b.field(f)
		if err != nil {
			return "", err
		}
		if kept != nil && !kept[f.OutputName()] {
			expr = "NULL"
		}
		parts = append(parts, expr+" AS "+b.r.EscapeAlias(f.OutputName()))
	}
	for _, m := range s.SQLMeasures() {
		expr, err := b.measure(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr+" AS "+b.r.EscapeAlias(m.Alias()))
	}
	if indicators {
		for _, f := range s.Rollup {
			var expr string
			switch {
			case kept == nil:
				e, err := b.field(f)
				if err != nil {
					return "", err
				}
				expr = b.r.Grouping(e)
			case kept[f.OutputName()]:
				expr = "0"
			default:
				expr = "1"
			}
			parts = append(parts, expr+" AS "+b.r.EscapeAlias(domain.GroupingAlias(f)))
		}
	}
	if len(parts) == 0 {
		return "", domain.ErrCompilation("nothing to select")
	}
	return "SELECT " + strings.Join(parts, ", "), nil
}

func (b *builder) expressions(fields []domain.Field) ([]string, error) {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		expr, err := b.field(f)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

// plainColumns returns the selected columns that are not rolled up.
func plainColumns(s *domain.QueryScope) []domain.Field {
	var out []domain.Field
	for _, f := range s.Columns {
		if !s.IsRolledUp(f) {
			out = append(out, f)
		}
	}
	return out
}

// selectGrouped emits a plain GROUP BY over every selected column.
func (b *builder) selectGrouped(s *domain.QueryScope, from, where string) (string, error) {
	sel, err := b.selectList(s, nil, false)
	if err != nil {
		return "", err
	}
	query := sel + from + where
	if len(s.Columns) > 0 {
		exprs, err := b.expressions(s.Columns)
		if err != nil {
			return "", err
		}
		query += " GROUP BY " + strings.Join(exprs, ", ")
	}
	return query, nil
}

func (b *builder) selectRollup(s *domain.QueryScope, from, where string) (string, error) {
	sel, err := b.selectList(s, nil, true)
	if err != nil {
		return "", err
	}
	plain, err := b.expressions(plainColumns(s))
	if err != nil {
		return "", err
	}
	rollup, err := b.expressions(s.Rollup)
	if err != nil {
		return "", err
	}
	groupBy := append(plain, "ROLLUP("+strings.Join(rollup, ", ")+")")
	return sel + from + where + " GROUP BY " + strings.Join(groupBy, ", "), nil
}

// selectGroupingSets enumerates every prefix of the rollup columns, from the
// most detailed to the empty one. Non-rollup columns appear in every set.
func (b *builder) selectGroupingSets(s *domain.QueryScope, from, where string) (string, error) {
	sel, err := b.selectList(s, nil, true)
	if err != nil {
		return "", err
	}
	plain, err := b.expressions(plainColumns(s))
	if err != nil {
		return "", err
	}
	rollup, err := b.expressions(s.Rollup)
	if err != nil {
		return "", err
	}
	sets := make([]string, 0, len(rollup)+1)
	for i := len(rollup); i >= 0; i-- {
		set := append(append([]string{}, plain...), rollup[:i]...)
		sets = append(sets, "("+strings.Join(set, ", ")+")")
	}
	return sel + from + where + " GROUP BY GROUPING SETS (" + strings.Join(sets, ", ") + ")", nil
}

// selectUnion emulates grouping sets with one UNION ALL branch per rollup
// prefix. Collapsed columns are NULL and the indicators are literals.
func (b *builder) selectUnion(s *domain.QueryScope, from, where string) (string, error) {
	plain := plainColumns(s)
	branches := make([]string, 0, len(s.Rollup)+1)
	for i := len(s.Rollup); i >= 0; i-- {
		grouped := append(append([]domain.Field{}, plain...), s.Rollup[:i]...)
		kept := make(map[string]bool, len(grouped))
		for _, f := range grouped {
			kept[f.OutputName()] = true
		}
		sel, err := b.selectList(s, kept, true)
		if err != nil {
			return "", err
		}
		branch := sel + from + where
		if len(grouped) > 0 {
			exprs, err := b.expressions(grouped)
			if err != nil {
				return "", err
			}
			branch += " GROUP BY " + strings.Join(exprs, ", ")
		}
		branches = append(branches, branch)
	}
	return strings.Join(branches, " UNION ALL "), nil
}
