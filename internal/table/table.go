// Package table holds query results: a columnar table with an injective
// dimension dictionary and a lightweight row-major table.
package table

import (
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// Header describes one output column.
type Header struct {
	Name      string            `json:"name"`
	Type      domain.ScalarType `json:"type"`
	IsMeasure bool              `json:"isMeasure"`
}

// Table is implemented by both representations. Operations that need random
// column access fail with errors.ErrUnsupported on a RowTable.
type Table interface {
	Headers() []Header
	Count() int
	Rows() [][]any
	Column(i int) ([]any, error)
	AddAggregates(h Header, m domain.Measure, values []any) error
	PointDictionary() (*PointDictionary, error)
}

var (
	_ Table = (*ColumnarTable)(nil)
	_ Table = (*RowTable)(nil)
)

// RowTable stores rows as they come. It backs intermediate results that never
// need column access.
type RowTable struct {
	headers []Header
	rows    [][]any
}

// NewRowTable wraps rows. Every row must match the header arity.
func NewRowTable(headers []Header, rows [][]any) (*RowTable, error) {
	for i, r := range rows {
		if len(r) != len(headers) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(r), len(headers))
		}
	}
	return &RowTable{headers: headers, rows: rows}, nil
}

func (t *RowTable) Headers() []Header { return t.headers }

func (t *RowTable) Count() int { return len(t.rows) }

func (t *RowTable) Rows() [][]any { return t.rows }

func (t *RowTable) Column(int) ([]any, error) {
	return nil, fmt.Errorf("row table column access: %w", errors.ErrUnsupported)
}

func (t *RowTable) AddAggregates(Header, domain.Measure, []any) error {
	return fmt.Errorf("row table aggregates: %w", errors.ErrUnsupported)
}

func (t *RowTable) PointDictionary() (*PointDictionary, error) {
	return nil, fmt.Errorf("row table point dictionary: %w", errors.ErrUnsupported)
}

// ToColumnar copies the rows into a columnar table.
func (t *RowTable) ToColumnar() (*ColumnarTable, error) {
	columns := make([][]any, len(t.headers))
	for c := range columns {
		columns[c] = make([]any, len(t.rows))
		for r, row := range t.rows {
			columns[c][r] = row[c]
		}
	}
	return NewColumnarTable(t.headers, nil, columns)
}

func (t *RowTable) String() string { return render(t.headers, t.rows) }

func (t *ColumnarTable) String() string { return render(t.headers, t.Rows()) }

// render draws the rows as a boxed text table.
func render(headers []Header, rows [][]any) string {
	data := make(pterm.TableData, 0, len(rows)+1)
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}
	data = append(data, names)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = FormatCell(v)
		}
		data = append(data, cells)
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return fmt.Sprintf("%v", rows)
	}
	return out
}

// FormatCell renders one value for display.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return x.Format(time.DateTime)
	}
	return cast.ToString(v)
}
