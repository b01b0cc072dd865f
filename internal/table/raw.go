package table

import (
	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// FromRaw converts an executed result into a columnar table. The raw columns
// are read positionally: the selected columns, then the SQL measures of s,
// then one grouping indicator per rollup field. Cells collapsed by the rollup
// receive domain.Total, or domain.GrandTotal when every selected column of the
// row is collapsed. Indicator columns are dropped.
func FromRaw(raw *domain.RawResult, s *domain.QueryScope) (*ColumnarTable, error) {
	measures := s.SQLMeasures()
	nCols, nMeasures := len(s.Columns), len(measures)
	if want := nCols + nMeasures + len(s.Rollup); len(raw.Columns) != want {
		return nil, domain.ErrCompilation("result has %d columns, expected %d", len(raw.Columns), want)
	}

	headers := make([]Header, 0, nCols+nMeasures)
	for i, c := range s.Columns {
		headers = append(headers, Header{Name: c.OutputName(), Type: orType(c.ScalarType(), raw.Columns[i].Type)})
	}
	for i, m := range measures {
		headers = append(headers, Header{
			Name:      m.Alias(),
			Type:      orType(domain.MeasureOutputType(m), raw.Columns[nCols+i].Type),
			IsMeasure: true,
		})
	}

	columns := make([][]any, len(headers))
	for c := range columns {
		columns[c] = make([]any, len(raw.Rows))
		for r, row := range raw.Rows {
			columns[c][r] = row[c]
		}
	}
	t, err := NewColumnarTable(headers, measures, columns)
	if err != nil {
		return nil, err
	}

	rolled := make([]int, len(s.Rollup))
	for k, f := range s.Rollup {
		rolled[k] = t.ColumnIndex(f.OutputName())
		if rolled[k] < 0 {
			return nil, domain.ErrCompilation("rollup column %s is not selected", f.OutputName())
		}
	}
	offset := nCols + nMeasures
	var collapsed []int
	for r, row := range raw.Rows {
		collapsed = collapsed[:0]
		for k, c := range rolled {
			if cast.ToInt(row[offset+k]) == 1 {
				collapsed = append(collapsed, c)
			}
		}
		sentinel := domain.Total
		if len(collapsed) == nCols {
			sentinel = domain.GrandTotal
		}
		for _, c := range collapsed {
			t.columns[c][r] = sentinel
			t.markTotal(r, c)
		}
	}
	return t, nil
}

func orType(t, fallback domain.ScalarType) domain.ScalarType {
	if t != "" {
		return t
	}
	if fallback == "" {
		return domain.TypeString
	}
	return fallback
}
