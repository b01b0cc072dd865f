package engine

import (
	"context"
	"database/sql"
	"fmt"

	"mdquery/internal/domain"
)

// Column listings per engine, ordered by table then column position.
const (
	duckdbColumnsSQL = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`

	sqliteColumnsSQL = `SELECT m.name, p.name, p.type
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type IN ('table', 'view') AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`
)

// IntrospectCatalog reads the typed columns of every table of the main schema.
// Columns whose engine type has no scalar mapping are typed as strings.
func IntrospectCatalog(ctx context.Context, db *sql.DB, kind string) (*StaticCatalog, error) {
	var query string
	switch kind {
	case KindDuckDB:
		query = duckdbColumnsSQL
	case KindSQLite:
		query = sqliteColumnsSQL
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	tables := map[string][]domain.TypedField{}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t := ScalarTypeOf(dataType)
		if t == "" {
			t = domain.TypeString
		}
		tables[table] = append(tables[table], domain.TypedField{Table: table, Name: column, Type: t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return NewStaticCatalog(tables), nil
}
