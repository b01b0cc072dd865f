package table

import (
	"fmt"
	"slices"

	"mdquery/internal/domain"
)

// ColumnarTable stores values column-major. Non-measure columns are the
// dimensions; their tuples are unique and indexed by the point dictionary.
type ColumnarTable struct {
	headers  []Header
	columns  [][]any
	measures []domain.Measure
	rows     int
	// totals marks cells holding a rollup sentinel. A nil column has none.
	totals [][]bool
	dict   *PointDictionary
}

// NewColumnarTable builds a table from columns of equal length.
func NewColumnarTable(headers []Header, measures []domain.Measure, columns [][]any) (*ColumnarTable, error) {
	if len(headers) != len(columns) {
		return nil, fmt.Errorf("%d headers for %d columns", len(headers), len(columns))
	}
	n := 0
	if len(columns) > 0 {
		n = len(columns[0])
	}
	for i, c := range columns {
		if len(c) != n {
			return nil, fmt.Errorf("column %s has %d values, expected %d", headers[i].Name, len(c), n)
		}
	}
	return &ColumnarTable{
		headers:  slices.Clone(headers),
		columns:  columns,
		measures: slices.Clone(measures),
		rows:     n,
		totals:   make([][]bool, len(columns)),
	}, nil
}

func (t *ColumnarTable) Headers() []Header { return t.headers }

// Measures lists the measures the table carries values for.
func (t *ColumnarTable) Measures() []domain.Measure { return t.measures }

func (t *ColumnarTable) Count() int { return t.rows }

// Row returns a copy of row i.
func (t *ColumnarTable) Row(i int) []any {
	row := make([]any, len(t.columns))
	for c := range t.columns {
		row[c] = t.columns[c][i]
	}
	return row
}

func (t *ColumnarTable) Rows() [][]any {
	rows := make([][]any, t.Count())
	for i := range rows {
		rows[i] = t.Row(i)
	}
	return rows
}

func (t *ColumnarTable) Column(i int) ([]any, error) {
	if i < 0 || i >= len(t.columns) {
		return nil, fmt.Errorf("column index %d out of range", i)
	}
	return t.columns[i], nil
}

// ColumnIndex returns the position of the named column, or -1.
func (t *ColumnarTable) ColumnIndex(name string) int {
	return slices.IndexFunc(t.headers, func(h Header) bool { return h.Name == name })
}

// ColumnByName returns the values of the named column.
func (t *ColumnarTable) ColumnByName(name string) ([]any, error) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("no column %s", name)
	}
	return t.columns[i], nil
}

// IsTotal reports whether the cell at (row, col) is a rollup sentinel.
func (t *ColumnarTable) IsTotal(row, col int) bool {
	return t.totals[col] != nil && t.totals[col][row]
}

// Level counts the rolled-up dimensions of row i; detail rows have level 0.
func (t *ColumnarTable) Level(i int) int {
	n := 0
	for c := range t.totals {
		if t.IsTotal(i, c) {
			n++
		}
	}
	return n
}

func (t *ColumnarTable) markTotal(row, col int) {
	if t.totals[col] == nil {
		t.totals[col] = make([]bool, t.rows)
	}
	t.totals[col][row] = true
}

// DimensionIndexes returns the positions of the non-measure columns.
func (t *ColumnarTable) DimensionIndexes() []int {
	var out []int
	for i, h := range t.headers {
		if !h.IsMeasure {
			out = append(out, i)
		}
	}
	return out
}

// AddAggregates appends a measure column computed outside the database.
func (t *ColumnarTable) AddAggregates(h Header, m domain.Measure, values []any) error {
	if len(values) != t.Count() {
		return fmt.Errorf("measure %s has %d values for %d rows", h.Name, len(values), t.Count())
	}
	if t.ColumnIndex(h.Name) >= 0 {
		return fmt.Errorf("column %s already exists", h.Name)
	}
	h.IsMeasure = true
	t.headers = append(t.headers, h)
	t.columns = append(t.columns, values)
	t.totals = append(t.totals, nil)
	if m != nil {
		t.measures = append(t.measures, m)
	}
	return nil
}

// PointDictionary indexes rows by their dimension tuple. It fails when two
// rows share a tuple.
func (t *ColumnarTable) PointDictionary() (*PointDictionary, error) {
	if t.dict != nil {
		return t.dict, nil
	}
	dims := t.DimensionIndexes()
	d := newPointDictionary(t.Count())
	for r := 0; r < t.Count(); r++ {
		if err := d.add(t.point(dims, r), r); err != nil {
			return nil, err
		}
	}
	t.dict = d
	return d, nil
}

// Point returns the dimension tuple of row r, for lookups in a
// PointDictionary.
func (t *ColumnarTable) Point(r int) []any {
	return t.point(t.DimensionIndexes(), r)
}

// point returns the tuple of row r over dims. Rollup cells become totalCell
// so that a stored value spelled like a sentinel keys apart from it.
func (t *ColumnarTable) point(dims []int, r int) []any {
	p := make([]any, len(dims))
	for k, c := range dims {
		if t.IsTotal(r, c) {
			p[k] = totalCell{}
			continue
		}
		p[k] = t.columns[c][r]
	}
	return p
}

// Project keeps the named columns in the given order.
func (t *ColumnarTable) Project(names []string) (*ColumnarTable, error) {
	out := &ColumnarTable{rows: t.rows}
	for _, name := range names {
		i := t.ColumnIndex(name)
		if i < 0 {
			return nil, fmt.Errorf("no column %s", name)
		}
		out.headers = append(out.headers, t.headers[i])
		out.columns = append(out.columns, t.columns[i])
		out.totals = append(out.totals, t.totals[i])
	}
	for _, m := range t.measures {
		if slices.Contains(names, m.Alias()) {
			out.measures = append(out.measures, m)
		}
	}
	return out, nil
}

// Clone deep-copies the table.
func (t *ColumnarTable) Clone() *ColumnarTable {
	out := &ColumnarTable{
		headers:  slices.Clone(t.headers),
		measures: slices.Clone(t.measures),
		rows:     t.rows,
		columns:  make([][]any, len(t.columns)),
		totals:   make([][]bool, len(t.totals)),
	}
	for i, c := range t.columns {
		out.columns[i] = slices.Clone(c)
		out.totals[i] = slices.Clone(t.totals[i])
	}
	return out
}

// selectRows builds a table holding rows order[0], order[1], ...
func (t *ColumnarTable) selectRows(order []int) *ColumnarTable {
	out := &ColumnarTable{
		headers:  t.headers,
		measures: t.measures,
		rows:     len(order),
		columns:  make([][]any, len(t.columns)),
		totals:   make([][]bool, len(t.totals)),
	}
	for c := range t.columns {
		out.columns[c] = make([]any, len(order))
		for i, r := range order {
			out.columns[c][i] = t.columns[c][r]
		}
		if t.totals[c] == nil {
			continue
		}
		out.totals[c] = make([]bool, len(order))
		for i, r := range order {
			out.totals[c][i] = t.totals[c][r]
		}
	}
	return out
}
