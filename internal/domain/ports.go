package domain

import "context"

// Column describes one column of a raw result.
type Column struct {
	Name string     `json:"name"`
	Type ScalarType `json:"type"`
}

// RawResult is the untyped output of an executed query.
type RawResult struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ColumnIndex returns the position of the named column, or -1.
func (r *RawResult) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// QueryExecutor runs compiled SQL text.
// Implemented by engine.DBExecutor.
type QueryExecutor interface {
	Execute(ctx context.Context, sqlText string) (*RawResult, error)
}

// FieldCatalog lists the typed fields of physical tables.
// Implemented by engine.StaticCatalog.
type FieldCatalog interface {
	Fields(table string) ([]TypedField, bool)
}
