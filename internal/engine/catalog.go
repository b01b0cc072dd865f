package engine

import (
	"maps"
	"slices"

	"mdquery/internal/domain"
)

// Compile-time check.
var _ domain.FieldCatalog = (*StaticCatalog)(nil)

// StaticCatalog is an immutable table → fields listing.
type StaticCatalog struct {
	tables map[string][]domain.TypedField
}

// NewStaticCatalog copies tables into a catalog.
func NewStaticCatalog(tables map[string][]domain.TypedField) *StaticCatalog {
	c := &StaticCatalog{tables: make(map[string][]domain.TypedField, len(tables))}
	for name, fields := range tables {
		c.tables[name] = slices.Clone(fields)
	}
	return c
}

// Fields returns the fields of table in declaration order.
func (c *StaticCatalog) Fields(table string) ([]domain.TypedField, bool) {
	fields, ok := c.tables[table]
	return slices.Clone(fields), ok
}

// Tables lists the table names, sorted.
func (c *StaticCatalog) Tables() []string {
	return slices.Sorted(maps.Keys(c.tables))
}
