package sqlbuilder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdquery/internal/dialect"
	"mdquery/internal/domain"
)

var (
	shop   = domain.TypedField{Table: "sales", Name: "shop", Type: domain.TypeString}
	qty    = domain.TypedField{Table: "sales", Name: "qty", Type: domain.TypeInt}
	price  = domain.TypedField{Table: "sales", Name: "price", Type: domain.TypeFloat}
	date   = domain.TypedField{Table: "sales", Name: "date", Type: domain.TypeTime}
	bucket = domain.TypedField{Table: "buckets", Name: "bucket", Type: domain.TypeString, Virtual: true}
	bMin   = domain.TypedField{Table: "buckets", Name: "min", Type: domain.TypeFloat, Virtual: true}
	bMax   = domain.TypedField{Table: "buckets", Name: "max", Type: domain.TypeFloat, Virtual: true}
)

func bucketScope() *domain.QueryScope {
	sales := &domain.AggregatedMeasure{
		Name:        "sales",
		Aggregation: domain.AggSum,
		Field:       domain.BinaryField{Operator: domain.OpMultiply, Left: qty, Right: price},
	}
	return &domain.QueryScope{
		Table: "sales",
		Joins: []domain.JoinScope{{
			Virtual: &domain.VirtualTable{
				Name:    "buckets",
				Columns: []domain.TypedField{bucket, bMin, bMax},
				Rows:    [][]any{{"low", 0.0, 5.0}, {"high", 5.0, 100.0}},
			},
			Type: domain.JoinInner,
			On: &domain.Criteria{Condition: domain.CondAnd, Children: []*domain.Criteria{
				{Field: price, Other: bMin, Condition: domain.CondGe},
				{Field: price, Other: bMax, Condition: domain.CondLt},
			}},
		}},
		Columns:  []domain.Field{shop, bucket},
		Measures: []domain.Measure{sales},
		Rollup:   []domain.Field{shop, bucket},
	}
}

const bucketCTE = `WITH "buckets" AS (SELECT 'low' AS "bucket", 0.0 AS "min", 5.0 AS "max" UNION ALL SELECT 'high' AS "bucket", 5.0 AS "min", 100.0 AS "max") `

const bucketFrom = ` FROM "sales" INNER JOIN "buckets" ON ("sales"."price" >= "buckets"."min" AND "sales"."price" < "buckets"."max")`

func TestBuild_Simple(t *testing.T) {
	scope := &domain.QueryScope{
		Table:    "sales",
		Columns:  []domain.Field{shop},
		Measures: []domain.Measure{&domain.AggregatedMeasure{Name: "qs", Aggregation: domain.AggSum, Field: qty}},
	}
	got, err := Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.Equal(t, `SELECT "sales"."shop" AS "shop", sum("sales"."qty") AS "qs" FROM "sales" GROUP BY "sales"."shop"`, got)
}

func TestBuild_Rollup(t *testing.T) {
	selectList := `SELECT "sales"."shop" AS "shop", "buckets"."bucket" AS "bucket", sum(("sales"."qty" * "sales"."price")) AS "sales", `
	tests := []struct {
		name string
		r    dialect.Rewriter
		want string
	}{
		{
			name: "native partial rollup",
			r:    dialect.NewDuckDB(),
			want: bucketCTE + selectList +
				`GROUPING("sales"."shop") AS "___grouping___shop___", GROUPING("buckets"."bucket") AS "___grouping___bucket___"` +
				bucketFrom + ` GROUP BY ROLLUP("sales"."shop", "buckets"."bucket")`,
		},
		{
			name: "grouping sets",
			r:    dialect.NewANSI(),
			want: bucketCTE + selectList +
				`GROUPING("sales"."shop") AS "___grouping___shop___", GROUPING("buckets"."bucket") AS "___grouping___bucket___"` +
				bucketFrom + ` GROUP BY GROUPING SETS (("sales"."shop", "buckets"."bucket"), ("sales"."shop"), ())`,
		},
		{
			name: "union all",
			r:    dialect.NewSQLite(),
			want: bucketCTE +
				selectList + `0 AS "___grouping___shop___", 0 AS "___grouping___bucket___"` + bucketFrom +
				` GROUP BY "sales"."shop", "buckets"."bucket"` +
				` UNION ALL ` +
				`SELECT "sales"."shop" AS "shop", NULL AS "bucket", sum(("sales"."qty" * "sales"."price")) AS "sales", ` +
				`0 AS "___grouping___shop___", 1 AS "___grouping___bucket___"` + bucketFrom +
				` GROUP BY "sales"."shop"` +
				` UNION ALL ` +
				`SELECT NULL AS "shop", NULL AS "bucket", sum(("sales"."qty" * "sales"."price")) AS "sales", ` +
				`1 AS "___grouping___shop___", 1 AS "___grouping___bucket___"` + bucketFrom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(bucketScope(), tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_PartialRollupKeepsPlainColumns(t *testing.T) {
	scope := bucketScope()
	scope.Rollup = []domain.Field{bucket}

	got, err := Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.Contains(t, got, `GROUP BY "sales"."shop", ROLLUP("buckets"."bucket")`)

	got, err = Build(scope, dialect.NewANSI())
	require.NoError(t, err)
	assert.Contains(t, got, `GROUP BY GROUPING SETS (("sales"."shop", "buckets"."bucket"), ("sales"."shop"))`)
}

func TestBuild_BigQuery(t *testing.T) {
	scope := &domain.QueryScope{
		Table:   "sales",
		Columns: []domain.Field{domain.FunctionField{Function: domain.FuncYear, Field: date}},
		Measures: []domain.Measure{&domain.BinaryOperationMeasure{
			Name:     "avg price",
			Operator: domain.OpDivide,
			Left:     &domain.AggregatedMeasure{Name: "p", Aggregation: domain.AggSum, Field: price},
			Right:    &domain.AggregatedMeasure{Name: "q", Aggregation: domain.AggSum, Field: qty},
		}},
		Where: &domain.Criteria{Field: shop, Condition: domain.CondEq, Value: "o'neil"},
	}
	got, err := Build(scope, dialect.NewBigQuery("proj", "ds"))
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT EXTRACT(YEAR FROM `proj.ds.sales`.`date`) AS `YEAR_date_`, "+
			"SAFE_DIVIDE(sum(`proj.ds.sales`.`price`), sum(`proj.ds.sales`.`qty`)) AS `avg_price` "+
			"FROM `proj.ds.sales` WHERE `proj.ds.sales`.`shop` = 'o\\'neil' "+
			"GROUP BY EXTRACT(YEAR FROM `proj.ds.sales`.`date`)",
		got)
}

func TestBuild_GroupingIndicatorUsesExpression(t *testing.T) {
	year := domain.FunctionField{Function: domain.FuncYear, Field: date}
	scope := &domain.QueryScope{
		Table:    "sales",
		Columns:  []domain.Field{year},
		Rollup:   []domain.Field{year},
		Measures: []domain.Measure{&domain.AggregatedMeasure{Name: "q", Aggregation: domain.AggSum, Field: qty}},
	}

	got, err := Build(scope, dialect.NewBigQuery("proj", "ds"))
	require.NoError(t, err)
	assert.Contains(t, got, "GROUPING(EXTRACT(YEAR FROM `proj.ds.sales`.`date`)) AS ")
	assert.NotContains(t, got, "GROUPING(`YEAR_date_`)")

	got, err = Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.Contains(t, got, `GROUPING(year("sales"."date")) AS `)
}

func TestBuild_SubQuery(t *testing.T) {
	sub := &domain.QueryScope{
		Table:    "sales",
		Columns:  []domain.Field{shop},
		Measures: []domain.Measure{&domain.AggregatedMeasure{Name: "qs", Aggregation: domain.AggSum, Field: qty}},
	}
	scope := &domain.QueryScope{
		SubQuery: sub,
		Measures: []domain.Measure{&domain.AggregatedMeasure{
			Name:        "avg_qs",
			Aggregation: domain.AggAvg,
			Field:       domain.TypedField{Table: domain.SubQueryAlias, Name: "qs", Type: domain.TypeInt},
		}},
	}
	got, err := Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT avg("__subquery__"."qs") AS "avg_qs" FROM (SELECT "sales"."shop" AS "shop", sum("sales"."qty") AS "qs" FROM "sales" GROUP BY "sales"."shop") AS "__subquery__"`,
		got)
}

func TestBuild_Measures(t *testing.T) {
	onlyA := &domain.Criteria{Field: shop, Condition: domain.CondEq, Value: "a"}
	tests := []struct {
		name string
		m    domain.Measure
		want string
	}{
		{"count star", domain.CountMeasure, `count(*) AS "_contributors_count_"`},
		{"filtered sum", &domain.AggregatedMeasure{Name: "m", Aggregation: domain.AggSum, Field: qty, Filter: onlyA},
			`sum(CASE WHEN "sales"."shop" = 'a' THEN "sales"."qty" END) AS "m"`},
		{"filtered count", &domain.AggregatedMeasure{Name: "m", Aggregation: domain.AggCount, Filter: onlyA},
			`count(CASE WHEN "sales"."shop" = 'a' THEN 1 END) AS "m"`},
		{"count distinct", &domain.AggregatedMeasure{Name: "m", Aggregation: domain.AggCountDistinct, Field: shop},
			`count(DISTINCT "sales"."shop") AS "m"`},
		{"expression", &domain.ExpressionMeasure{Name: "m", Expression: "sum(qty) * 2"}, `sum(qty) * 2 AS "m"`},
		{"binary with constant field", &domain.AggregatedMeasure{Name: "m", Aggregation: domain.AggMax,
			Field: domain.BinaryField{Operator: domain.OpMinus, Left: price, Right: domain.ConstantField{Value: 1}}},
			`max(("sales"."price" - 1)) AS "m"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(&domain.QueryScope{Table: "sales", Measures: []domain.Measure{tt.m}}, dialect.NewDuckDB())
			require.NoError(t, err)
			assert.Equal(t, `SELECT `+tt.want+` FROM "sales"`, got)
		})
	}
}

func TestBuild_SkipsComparisonMeasures(t *testing.T) {
	qs := &domain.AggregatedMeasure{Name: "qs", Aggregation: domain.AggSum, Field: qty}
	scope := &domain.QueryScope{
		Table:   "sales",
		Columns: []domain.Field{shop},
		Measures: []domain.Measure{qs, &domain.ComparisonMeasure{
			Name: "diff", Method: domain.CompareAbsoluteDifference, Measure: qs,
			ReferencePosition: []domain.ReferencePosition{{Field: shop, Position: "first"}},
		}},
	}
	got, err := Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.NotContains(t, got, "diff")
}

func TestBuild_WhereAndLimit(t *testing.T) {
	scope := &domain.QueryScope{
		Table:   "sales",
		Columns: []domain.Field{shop},
		Where: &domain.Criteria{Condition: domain.CondOr, Children: []*domain.Criteria{
			{Field: shop, Condition: domain.CondIn, Values: []any{"a", "b"}},
			{Field: qty, Condition: domain.CondNull},
			{Field: shop, Condition: domain.CondLike, Value: "c%"},
		}},
		Limit: 10,
	}
	got, err := Build(scope, dialect.NewANSI())
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "sales"."shop" AS "shop" FROM "sales" WHERE ("sales"."shop" IN ('a', 'b') OR "sales"."qty" IS NULL OR "sales"."shop" LIKE 'c%') GROUP BY "sales"."shop" LIMIT 10`,
		got)
}

func TestBuild_CrossJoinAndEmptyVirtualTable(t *testing.T) {
	scope := &domain.QueryScope{
		Table: "sales",
		Joins: []domain.JoinScope{{
			Virtual: &domain.VirtualTable{Name: "empty", Columns: []domain.TypedField{{Table: "empty", Name: "x", Virtual: true}}},
			Type:    domain.JoinCross,
		}},
		Measures: []domain.Measure{domain.CountMeasure},
	}
	got, err := Build(scope, dialect.NewDuckDB())
	require.NoError(t, err)
	assert.Equal(t, `WITH "empty" AS (SELECT NULL AS "x" LIMIT 0) SELECT count(*) AS "_contributors_count_" FROM "sales" CROSS JOIN "empty"`, got)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("unsupported function", func(t *testing.T) {
		scope := &domain.QueryScope{
			Table:   "sales",
			Columns: []domain.Field{domain.FunctionField{Function: "WEEK", Field: date}},
		}
		_, err := Build(scope, dialect.NewANSI())
		var uerr *domain.UnsupportedFeatureError
		require.True(t, errors.As(err, &uerr))
		assert.Contains(t, err.Error(), "WEEK")
	})
	t.Run("unsupported aggregation", func(t *testing.T) {
		scope := &domain.QueryScope{
			Table:    "sales",
			Measures: []domain.Measure{&domain.AggregatedMeasure{Name: "m", Aggregation: "median", Field: qty}},
		}
		_, err := Build(scope, dialect.NewANSI())
		var uerr *domain.UnsupportedFeatureError
		require.True(t, errors.As(err, &uerr))
	})
	t.Run("nothing selected", func(t *testing.T) {
		_, err := Build(&domain.QueryScope{Table: "sales"}, dialect.NewANSI())
		var cerr *domain.CompilationError
		require.True(t, errors.As(err, &cerr))
	})
}

func TestFloatLiteral(t *testing.T) {
	assert.Equal(t, "0.0", floatLiteral(0))
	assert.Equal(t, "2.5", floatLiteral(2.5))
	assert.Equal(t, "100.0", floatLiteral(100))
}
