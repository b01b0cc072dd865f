package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mdquery/internal/ddl"
	"mdquery/internal/domain"
)

// Dataset describes tables and, optionally, their rows. The same file format
// serves as a field catalog (rows omitted) and as fixture data.
//
//	tables:
//	  - name: sales
//	    columns:
//	      - {name: shop, type: string}
//	      - {name: qty, type: int}
//	    rows:
//	      - [s1, 2]
type Dataset struct {
	Tables []TableData `yaml:"tables" json:"tables"`
}

// TableData is one table of a Dataset.
type TableData struct {
	Name    string       `yaml:"name" json:"name"`
	Columns []ColumnSpec `yaml:"columns" json:"columns"`
	Rows    [][]any      `yaml:"rows,omitempty" json:"rows,omitempty"`
}

// ColumnSpec declares a column and its scalar type.
type ColumnSpec struct {
	Name string            `yaml:"name" json:"name"`
	Type domain.ScalarType `yaml:"type" json:"type"`
}

// LoadDataset reads and validates a YAML dataset file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDataset(data)
}

// ParseDataset decodes and validates a YAML dataset.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Validate checks table and column declarations and row arity.
func (ds *Dataset) Validate() error {
	seen := map[string]bool{}
	for _, t := range ds.Tables {
		if err := ddl.ValidateIdentifier(t.Name); err != nil {
			return domain.ErrValidation("invalid table name %q: %v", t.Name, err)
		}
		if seen[t.Name] {
			return domain.ErrValidation("table %s is declared twice", t.Name)
		}
		seen[t.Name] = true
		if len(t.Columns) == 0 {
			return domain.ErrValidation("table %s has no columns", t.Name)
		}
		for _, c := range t.Columns {
			if err := ddl.ValidateIdentifier(c.Name); err != nil {
				return domain.ErrValidation("table %s: invalid column name %q: %v", t.Name, c.Name, err)
			}
			if !c.Type.Valid() {
				return domain.ErrValidation("table %s: column %s has unknown type %q", t.Name, c.Name, c.Type)
			}
		}
		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return domain.ErrValidation("table %s: row %d has %d values, expected %d", t.Name, i, len(row), len(t.Columns))
			}
		}
	}
	return nil
}

// Catalog returns the declared fields of every table.
func (ds *Dataset) Catalog() *StaticCatalog {
	tables := make(map[string][]domain.TypedField, len(ds.Tables))
	for _, t := range ds.Tables {
		fields := make([]domain.TypedField, len(t.Columns))
		for i, c := range t.Columns {
			fields[i] = domain.TypedField{Table: t.Name, Name: c.Name, Type: c.Type}
		}
		tables[t.Name] = fields
	}
	return NewStaticCatalog(tables)
}

// Seed (re)creates every table of ds in db and inserts its rows.
func Seed(ctx context.Context, db *sql.DB, ds *Dataset) error {
	for _, t := range ds.Tables {
		drop, err := ddl.DropTable(t.Name)
		if err != nil {
			return err
		}
		cols := make([]ddl.ColumnDef, len(t.Columns))
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = ddl.ColumnDef{Name: c.Name, Type: ColumnTypeFor(c.Type)}
			names[i] = c.Name
		}
		create, err := ddl.CreateTable(t.Name, cols)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		insert, err := ddl.InsertRows(t.Name, names, t.Rows)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		for _, stmt := range []string{drop, create, insert} {
			if stmt == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("seed table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}
