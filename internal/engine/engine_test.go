package engine_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdquery/internal/domain"
	"mdquery/internal/engine"
)

// ctx is a package-level background context used by setup helpers.
var ctx = context.Background()

const salesYAML = `
tables:
  - name: sales
    columns:
      - {name: shop, type: string}
      - {name: qty, type: int}
      - {name: price, type: float}
      - {name: promo, type: bool}
      - {name: sold_at, type: time}
    rows:
      - [s1, 2, 3.5, true, "2024-01-05 00:00:00"]
      - [s2, 1, 10.0, false, "2024-02-01 12:00:00"]
      - ["o'neil", 4, 2, null, null]
`

func openDB(t *testing.T, kind string) *sql.DB {
	t.Helper()
	db, err := engine.Open(ctx, kind, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seeded(t *testing.T, kind string) *sql.DB {
	t.Helper()
	db := openDB(t, kind)
	ds, err := engine.ParseDataset([]byte(salesYAML))
	require.NoError(t, err)
	require.NoError(t, engine.Seed(ctx, db, ds))
	return db
}

func TestOpen_UnknownEngine(t *testing.T) {
	_, err := engine.Open(ctx, "oracle", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine")
}

func TestDBExecutor_DuckDBValues(t *testing.T) {
	exec := engine.NewDBExecutor(openDB(t, engine.KindDuckDB), slog.New(slog.DiscardHandler))

	res, err := exec.Execute(ctx, `SELECT CAST(1 AS INTEGER) AS a, CAST(2.5 AS DECIMAL(4,1)) AS d, 'x' AS s, CAST(10 AS HUGEINT) AS h, TRUE AS b`)
	require.NoError(t, err)

	assert.Equal(t, []domain.Column{
		{Name: "a", Type: domain.TypeInt},
		{Name: "d", Type: domain.TypeFloat},
		{Name: "s", Type: domain.TypeString},
		{Name: "h", Type: domain.TypeInt},
		{Name: "b", Type: domain.TypeBool},
	}, res.Columns)
	assert.Equal(t, [][]any{{int64(1), 2.5, "x", int64(10), true}}, res.Rows)
}

func TestDBExecutor_SQLiteInfersExpressionTypes(t *testing.T) {
	exec := engine.NewDBExecutor(openDB(t, engine.KindSQLite), nil)

	res, err := exec.Execute(ctx, `SELECT 1 + 1 AS a, 'x' AS s, NULL AS n`)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeInt, res.Columns[0].Type)
	assert.Equal(t, domain.TypeString, res.Columns[1].Type)
	assert.Equal(t, [][]any{{int64(2), "x", nil}}, res.Rows)
}

func TestDBExecutor_WrapsFailures(t *testing.T) {
	for _, kind := range []string{engine.KindDuckDB, engine.KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			exec := engine.NewDBExecutor(openDB(t, kind), nil)
			_, err := exec.Execute(ctx, "SELECT * FROM missing_table")

			var ee *domain.ExecutionError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "SELECT * FROM missing_table", ee.SQL)
			assert.Error(t, ee.Unwrap())
		})
	}
}

func TestSeedAndIntrospect(t *testing.T) {
	want := []domain.TypedField{
		{Table: "sales", Name: "shop", Type: domain.TypeString},
		{Table: "sales", Name: "qty", Type: domain.TypeInt},
		{Table: "sales", Name: "price", Type: domain.TypeFloat},
		{Table: "sales", Name: "promo", Type: domain.TypeBool},
		{Table: "sales", Name: "sold_at", Type: domain.TypeTime},
	}
	for _, kind := range []string{engine.KindDuckDB, engine.KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			db := seeded(t, kind)

			cat, err := engine.IntrospectCatalog(ctx, db, kind)
			require.NoError(t, err)
			fields, ok := cat.Fields("sales")
			require.True(t, ok)
			assert.Equal(t, want, fields)
			assert.Equal(t, []string{"sales"}, cat.Tables())

			res, err := engine.NewDBExecutor(db, nil).Execute(ctx, `SELECT shop, qty FROM sales ORDER BY qty`)
			require.NoError(t, err)
			assert.Equal(t, [][]any{{"s2", int64(1)}, {"s1", int64(2)}, {"o'neil", int64(4)}}, res.Rows)

			// Seeding twice replaces the table.
			ds, err := engine.ParseDataset([]byte(salesYAML))
			require.NoError(t, err)
			require.NoError(t, engine.Seed(ctx, db, ds))
			res, err = engine.NewDBExecutor(db, nil).Execute(ctx, `SELECT COUNT(*) AS n FROM sales`)
			require.NoError(t, err)
			assert.Equal(t, int64(3), res.Rows[0][0])
		})
	}
}

func TestDataset_Catalog(t *testing.T) {
	ds, err := engine.ParseDataset([]byte(salesYAML))
	require.NoError(t, err)

	fields, ok := ds.Catalog().Fields("sales")
	require.True(t, ok)
	assert.Len(t, fields, 5)
	_, ok = ds.Catalog().Fields("missing")
	assert.False(t, ok)
}

func TestDataset_Validate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad table name",
			yaml:    "tables: [{name: 'a-b', columns: [{name: x, type: int}]}]",
			wantErr: "invalid table name",
		},
		{
			name:    "no columns",
			yaml:    "tables: [{name: t}]",
			wantErr: "has no columns",
		},
		{
			name:    "unknown type",
			yaml:    "tables: [{name: t, columns: [{name: x, type: decimal}]}]",
			wantErr: "unknown type",
		},
		{
			name:    "arity",
			yaml:    "tables: [{name: t, columns: [{name: x, type: int}], rows: [[1, 2]]}]",
			wantErr: "row 0 has 2 values",
		},
		{
			name:    "duplicate",
			yaml:    "tables: [{name: t, columns: [{name: x, type: int}]}, {name: t, columns: [{name: x, type: int}]}]",
			wantErr: "declared twice",
		},
		{
			name:    "malformed",
			yaml:    "tables: {",
			wantErr: "parse dataset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ParseDataset([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScalarTypeOf(t *testing.T) {
	tests := map[string]domain.ScalarType{
		"BIGINT":        domain.TypeInt,
		"HUGEINT":       domain.TypeInt,
		"integer":       domain.TypeInt,
		"DECIMAL(10,2)": domain.TypeFloat,
		"DOUBLE":        domain.TypeFloat,
		"REAL":          domain.TypeFloat,
		"VARCHAR":       domain.TypeString,
		"TEXT":          domain.TypeString,
		"TIMESTAMP":     domain.TypeTime,
		"DATE":          domain.TypeTime,
		"BOOLEAN":       domain.TypeBool,
		"INTERVAL":      "",
		"":              "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, engine.ScalarTypeOf(in))
		})
	}
}
