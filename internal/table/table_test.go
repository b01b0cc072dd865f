package table

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdquery/internal/domain"
)

var (
	shop   = domain.TypedField{Table: "sales", Name: "shop", Type: domain.TypeString}
	year   = domain.TypedField{Table: "sales", Name: "year", Type: domain.TypeInt}
	qtySum = &domain.AggregatedMeasure{
		Name:        "qty_sum",
		Aggregation: domain.AggSum,
		Field:       domain.TypedField{Table: "sales", Name: "qty", Type: domain.TypeInt},
	}
)

func rollupScope() *domain.QueryScope {
	return &domain.QueryScope{
		Table:    "sales",
		Columns:  []domain.Field{shop, year},
		Rollup:   []domain.Field{shop, year},
		Measures: []domain.Measure{qtySum},
		Outputs:  []string{"qty_sum"},
		Totals:   domain.DefaultTotals,
	}
}

// rollupRaw is deliberately unordered.
func rollupRaw() *domain.RawResult {
	return &domain.RawResult{
		Columns: []domain.Column{
			{Name: "shop", Type: domain.TypeString},
			{Name: "year", Type: domain.TypeInt},
			{Name: "qty_sum", Type: domain.TypeInt},
			{Name: domain.GroupingAlias(shop), Type: domain.TypeInt},
			{Name: domain.GroupingAlias(year), Type: domain.TypeInt},
		},
		Rows: [][]any{
			{"b", int64(2024), int64(20), int64(0), int64(0)},
			{"a", nil, int64(10), int64(0), int64(1)},
			{nil, nil, int64(30), int64(1), int64(1)},
			{"b", nil, int64(20), int64(0), int64(1)},
			{"a", int64(2023), int64(10), int64(0), int64(0)},
		},
	}
}

func TestFromRaw_SubstitutesSentinels(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	assert.Equal(t, []Header{
		{Name: "shop", Type: domain.TypeString},
		{Name: "year", Type: domain.TypeInt},
		{Name: "qty_sum", Type: domain.TypeInt, IsMeasure: true},
	}, tbl.Headers())
	assert.Equal(t, [][]any{
		{"b", int64(2024), int64(20)},
		{"a", domain.Total, int64(10)},
		{domain.GrandTotal, domain.GrandTotal, int64(30)},
		{"b", domain.Total, int64(20)},
		{"a", int64(2023), int64(10)},
	}, tbl.Rows())
	assert.Equal(t, []int{0, 1, 2, 1, 0}, []int{tbl.Level(0), tbl.Level(1), tbl.Level(2), tbl.Level(3), tbl.Level(4)})
	assert.Equal(t, []domain.Measure{qtySum}, tbl.Measures())
}

func TestFromRaw_LayoutMismatch(t *testing.T) {
	raw := rollupRaw()
	raw.Columns = raw.Columns[:4]

	_, err := FromRaw(raw, rollupScope())
	var ce *domain.CompilationError
	require.ErrorAs(t, err, &ce)
}

func TestFromRaw_BoolIndicators(t *testing.T) {
	s := &domain.QueryScope{
		Columns:  []domain.Field{shop},
		Rollup:   []domain.Field{shop},
		Measures: []domain.Measure{qtySum},
	}
	raw := &domain.RawResult{
		Columns: []domain.Column{{Name: "shop"}, {Name: "qty_sum"}, {Name: "g"}},
		Rows:    [][]any{{nil, int64(3), true}, {"a", int64(3), false}},
	}
	tbl, err := FromRaw(raw, s)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{domain.GrandTotal, int64(3)}, {"a", int64(3)}}, tbl.Rows())
}

func TestColumnarTable_Order(t *testing.T) {
	tests := []struct {
		name     string
		totals   domain.TotalsOption
		explicit map[string][]any
		want     [][]any
	}{
		{
			name:   "totals on top",
			totals: domain.DefaultTotals,
			want: [][]any{
				{domain.GrandTotal, domain.GrandTotal, int64(30)},
				{"a", domain.Total, int64(10)},
				{"a", int64(2023), int64(10)},
				{"b", domain.Total, int64(20)},
				{"b", int64(2024), int64(20)},
			},
		},
		{
			name:   "totals at the bottom",
			totals: domain.TotalsOption{Visible: true, Position: domain.TotalsBottom},
			want: [][]any{
				{"a", int64(2023), int64(10)},
				{"a", domain.Total, int64(10)},
				{"b", int64(2024), int64(20)},
				{"b", domain.Total, int64(20)},
				{domain.GrandTotal, domain.GrandTotal, int64(30)},
			},
		},
		{
			name:   "hidden totals",
			totals: domain.TotalsOption{Visible: false, Position: domain.TotalsTop},
			want: [][]any{
				{"a", int64(2023), int64(10)},
				{"b", int64(2024), int64(20)},
			},
		},
		{
			name:     "explicit order",
			totals:   domain.DefaultTotals,
			explicit: map[string][]any{"shop": {"b", "a"}},
			want: [][]any{
				{domain.GrandTotal, domain.GrandTotal, int64(30)},
				{"b", domain.Total, int64(20)},
				{"b", int64(2024), int64(20)},
				{"a", domain.Total, int64(10)},
				{"a", int64(2023), int64(10)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := FromRaw(rollupRaw(), rollupScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, tbl.Order(tt.totals, tt.explicit).Rows())
		})
	}
}

func TestColumnarTable_OrderKeepsTotalFlags(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	ordered := tbl.Order(domain.DefaultTotals, nil)
	assert.Equal(t, 2, ordered.Level(0))
	assert.True(t, ordered.IsTotal(1, 1))
	assert.False(t, ordered.IsTotal(2, 1))
}

func TestColumnarTable_PointDictionary(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	d, err := tbl.PointDictionary()
	require.NoError(t, err)
	assert.Equal(t, 5, d.Len())

	r, ok := d.Lookup([]any{"a", int32(2023)})
	require.True(t, ok)
	assert.Equal(t, 4, r)

	r, ok = d.Lookup([]any{"b", 2024.0})
	require.True(t, ok)
	assert.Equal(t, 0, r)

	_, ok = d.Lookup([]any{"c", int64(2023)})
	assert.False(t, ok)
}

func TestColumnarTable_PointDictionaryKeysTotalsApart(t *testing.T) {
	raw := &domain.RawResult{Columns: rollupRaw().Columns, Rows: [][]any{
		{"a", int64(2023), int64(10), int64(0), int64(0)},
		{"a", domain.Total, int64(3), int64(0), int64(0)},
		{"a", nil, int64(13), int64(0), int64(1)},
	}}
	tbl, err := FromRaw(raw, rollupScope())
	require.NoError(t, err)
	require.Equal(t, tbl.Row(1)[:2], tbl.Row(2)[:2])

	d, err := tbl.PointDictionary()
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	for r := 0; r < tbl.Count(); r++ {
		got, ok := d.Lookup(tbl.Point(r))
		require.True(t, ok)
		assert.Equal(t, r, got)
	}

	r, ok := d.Lookup([]any{"a", domain.Total})
	require.True(t, ok)
	assert.Equal(t, 1, r, "a stored value spelled like the sentinel is a detail row")
}

func TestColumnarTable_PointDictionaryRejectsDuplicates(t *testing.T) {
	tbl, err := NewColumnarTable(
		[]Header{{Name: "shop"}, {Name: "v", IsMeasure: true}},
		nil,
		[][]any{{"a", "a"}, {1, 2}},
	)
	require.NoError(t, err)

	_, err = tbl.PointDictionary()
	var ce *domain.CompilationError
	require.ErrorAs(t, err, &ce)
}

func TestColumnarTable_AddAggregatesAndProject(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	err = tbl.AddAggregates(Header{Name: "short"}, nil, []any{1})
	require.Error(t, err)

	doubled := &domain.AggregatedMeasure{Name: "doubled", Aggregation: domain.AggSum}
	require.NoError(t, tbl.AddAggregates(Header{Name: "doubled", Type: domain.TypeInt}, doubled, []any{40, 20, 60, 40, 20}))
	require.Error(t, tbl.AddAggregates(Header{Name: "doubled"}, nil, make([]any, 5)))

	p, err := tbl.Project([]string{"doubled", "shop"})
	require.NoError(t, err)
	assert.Equal(t, []Header{{Name: "doubled", Type: domain.TypeInt, IsMeasure: true}, {Name: "shop", Type: domain.TypeString}}, p.Headers())
	assert.Equal(t, []any{60, domain.GrandTotal}, p.Row(2))
	assert.Equal(t, []domain.Measure{doubled}, p.Measures())

	_, err = tbl.Project([]string{"missing"})
	require.Error(t, err)
}

func TestColumnarTable_CloneIsDeep(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	c := tbl.Clone()
	col, err := c.Column(2)
	require.NoError(t, err)
	col[0] = int64(999)

	orig, err := tbl.ColumnByName("qty_sum")
	require.NoError(t, err)
	assert.Equal(t, int64(20), orig[0])
}

func TestRowTable_Unsupported(t *testing.T) {
	rt, err := NewRowTable([]Header{{Name: "a"}}, [][]any{{1}, {2}})
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Count())

	_, err = rt.Column(0)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
	_, err = rt.PointDictionary()
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
	err = rt.AddAggregates(Header{Name: "b"}, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))

	ct, err := rt.ToColumnar()
	require.NoError(t, err)
	col, err := ct.Column(0)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, col)

	_, err = NewRowTable([]Header{{Name: "a"}}, [][]any{{1, 2}})
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"nulls last", nil, "a", 1},
		{"both null", nil, nil, 0},
		{"mixed numerics", int64(2), 2.5, -1},
		{"equal numerics", int32(3), 3.0, 0},
		{"strings", "b", "a", 1},
		{"bools", false, true, -1},
		{"mixed kinds", "10", int64(9), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestColumnarTable_String(t *testing.T) {
	tbl, err := FromRaw(rollupRaw(), rollupScope())
	require.NoError(t, err)

	s := tbl.String()
	assert.Contains(t, s, "qty_sum")
	assert.Contains(t, s, domain.GrandTotal)
	assert.Equal(t, "null", FormatCell(nil))
}
