package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"

	"mdquery/internal/domain"
)

// Compile-time check.
var _ domain.QueryExecutor = (*DBExecutor)(nil)

// DBExecutor runs compiled SQL over a *sql.DB and normalizes driver values:
// every integer becomes int64, decimals become float64, byte slices become
// strings.
type DBExecutor struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDBExecutor creates a DBExecutor. A nil logger falls back to slog.Default.
func NewDBExecutor(db *sql.DB, logger *slog.Logger) *DBExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBExecutor{db: db, logger: logger}
}

// Execute runs sqlText. Failures are wrapped in a domain.ExecutionError.
func (e *DBExecutor) Execute(ctx context.Context, sqlText string) (*domain.RawResult, error) {
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, domain.ErrExecution(sqlText, err)
	}
	defer rows.Close()

	res, err := scanRows(rows)
	if err != nil {
		return nil, domain.ErrExecution(sqlText, err)
	}
	e.logger.Debug("query executed",
		"rows", len(res.Rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func scanRows(rows *sql.Rows) (*domain.RawResult, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	res := &domain.RawResult{Columns: make([]domain.Column, len(types)), Rows: [][]any{}}
	for i, ct := range types {
		res.Columns[i] = domain.Column{Name: ct.Name(), Type: ScalarTypeOf(ct.DatabaseTypeName())}
	}

	for rows.Next() {
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Expression columns carry no declared type on SQLite.
	for i, c := range res.Columns {
		if c.Type != "" {
			continue
		}
		for _, row := range res.Rows {
			if row[i] != nil {
				res.Columns[i].Type = domain.TypeOf(row[i])
				break
			}
		}
	}
	return res, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case duckdb.Decimal:
		return x.Float64()
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

// ScalarTypeOf maps an engine type name to a scalar type. Unknown names map
// to "" so callers can infer the type from values.
func ScalarTypeOf(dbType string) domain.ScalarType {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch {
	case t == "" || t == "INTERVAL":
		return ""
	case t == "BOOLEAN" || t == "BOOL":
		return domain.TypeBool
	case strings.Contains(t, "INT"):
		return domain.TypeInt
	case t == "DOUBLE" || t == "FLOAT" || t == "REAL" || t == "DECIMAL" || t == "NUMERIC" || strings.HasPrefix(t, "FLOAT"):
		return domain.TypeFloat
	case strings.HasPrefix(t, "TIMESTAMP") || t == "DATE" || t == "DATETIME" || t == "TIME":
		return domain.TypeTime
	case strings.Contains(t, "CHAR") || t == "TEXT" || t == "STRING" || t == "UUID":
		return domain.TypeString
	}
	return ""
}

// ColumnTypeFor returns the engine type used to create a column of type t.
func ColumnTypeFor(t domain.ScalarType) string {
	switch t {
	case domain.TypeInt:
		return "BIGINT"
	case domain.TypeFloat:
		return "DOUBLE"
	case domain.TypeBool:
		return "BOOLEAN"
	case domain.TypeTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}
