// Package query runs multi-dimensional queries end to end: scope resolution,
// SQL compilation, execution, result shaping, caching and post-processing.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mdquery/internal/cache"
	"mdquery/internal/dialect"
	"mdquery/internal/domain"
	"mdquery/internal/history"
	"mdquery/internal/measure"
	"mdquery/internal/scope"
	"mdquery/internal/sqlbuilder"
	"mdquery/internal/table"
)

// Result is the outcome of one executed query.
type Result struct {
	QueryID string         `json:"queryId"`
	SQL     string         `json:"sql,omitempty"`
	Headers []table.Header `json:"headers"`
	Rows    [][]any        `json:"rows"`
	// CachedMeasures lists the measures served from the cache.
	CachedMeasures []string             `json:"cachedMeasures,omitempty"`
	Table          *table.ColumnarTable `json:"-"`
}

// Compiled is a resolved query and its SQL for the configured dialect.
type Compiled struct {
	Scope *domain.QueryScope `json:"scope"`
	SQL   string             `json:"sql"`
}

// HistoryRecorder persists executed queries.
// Implemented by history.Store.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// QueryService compiles and executes queries.
//
//nolint:revive // Name chosen for clarity across package boundaries
type QueryService struct {
	catalog   domain.FieldCatalog
	executor  domain.QueryExecutor
	rewriter  dialect.Rewriter
	cache     *cache.QueryCache
	history   HistoryRecorder
	evaluator *measure.Evaluator
	flight    singleflight.Group
	limit     int
	logger    *slog.Logger
}

// NewQueryService creates a QueryService without a cache.
func NewQueryService(catalog domain.FieldCatalog, executor domain.QueryExecutor, rewriter dialect.Rewriter, logger *slog.Logger) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryService{
		catalog:   catalog,
		executor:  executor,
		rewriter:  rewriter,
		evaluator: measure.NewEvaluator(logger),
		logger:    logger,
	}
}

// SetCache enables measure caching. A nil cache disables it.
func (s *QueryService) SetCache(c *cache.QueryCache) {
	s.cache = c
}

// SetHistory records every executed query in h.
func (s *QueryService) SetHistory(h HistoryRecorder) {
	s.history = h
}

// SetDefaultLimit caps queries that carry no limit of their own. Zero means
// no cap.
func (s *QueryService) SetDefaultLimit(n int) {
	s.limit = n
}

// Cache returns the configured cache, or nil.
func (s *QueryService) Cache() *cache.QueryCache {
	return s.cache
}

// Dialect returns the name of the configured SQL dialect.
func (s *QueryService) Dialect() string {
	return s.rewriter.Name()
}

func (s *QueryService) resolve(dto *domain.QueryDto) (*domain.QueryScope, error) {
	if dto == nil {
		return nil, domain.ErrValidation("query is required")
	}
	sc, err := scope.Resolve(dto, s.catalog)
	if err != nil {
		return nil, err
	}
	if sc.Limit == 0 && s.limit > 0 {
		sc.Limit = s.limit
	}
	return sc, nil
}

// Compile resolves dto and returns the SQL computing all of its
// SQL-evaluable measures.
func (s *QueryService) Compile(dto *domain.QueryDto) (*Compiled, error) {
	sc, err := s.resolve(dto)
	if err != nil {
		return nil, err
	}
	sqlText, err := sqlbuilder.Build(sc, s.rewriter)
	if err != nil {
		return nil, err
	}
	return &Compiled{Scope: sc, SQL: sqlText}, nil
}

// Execute runs dto on behalf of user. Measures already cached for the same
// scope and user are not recomputed; when every measure is cached the engine
// is not queried at all.
func (s *QueryService) Execute(ctx context.Context, user string, dto *domain.QueryDto) (*Result, error) {
	start := time.Now()
	queryID := uuid.New().String()
	logger := s.logger.With("query_id", queryID, "user", user)

	res, sqlText, err := s.execute(ctx, user, dto)
	elapsed := time.Since(start)
	entry := history.Entry{
		QueryID:    queryID,
		User:       user,
		Dialect:    s.rewriter.Name(),
		SQL:        sqlText,
		Status:     history.StatusOK,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  start,
	}
	if err != nil {
		logger.Warn("query failed", "error", err, "duration_ms", elapsed.Milliseconds())
		entry.Status, entry.Error = history.StatusError, err.Error()
		s.record(ctx, entry)
		return nil, err
	}

	res.QueryID = queryID
	entry.Rows, entry.CachedMeasures = res.Table.Count(), len(res.CachedMeasures)
	s.record(ctx, entry)
	logger.Info("query executed",
		"rows", res.Table.Count(),
		"cached_measures", len(res.CachedMeasures),
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (s *QueryService) execute(ctx context.Context, user string, dto *domain.QueryDto) (*Result, string, error) {
	sc, err := s.resolve(dto)
	if err != nil {
		return nil, "", err
	}

	key := cache.NewKey(sc, user)
	var missing, cached []domain.Measure
	for _, m := range sc.SQLMeasures() {
		if s.cache != nil && s.cache.Contains(m, key) {
			cached = append(cached, m)
		} else {
			missing = append(missing, m)
		}
	}

	var (
		tbl     *table.ColumnarTable
		sqlText string
	)
	if len(missing) == 0 && s.cache != nil {
		tbl, _ = s.cache.CreateRawResult(key)
		if tbl == nil {
			// The entry went away after Contains.
			missing, cached = cached, nil
		}
	}
	if tbl == nil {
		if tbl, sqlText, err = s.compute(ctx, user, sc, key, missing); err != nil {
			return nil, sqlText, err
		}
	}
	if s.cache != nil && len(cached) > 0 {
		unserved, err := s.cache.ContributeToResult(tbl, cached, key)
		if err != nil {
			return nil, sqlText, fmt.Errorf("read cache: %w", err)
		}
		if len(unserved) > 0 {
			s.logger.Debug("cached measures vanished, recomputing", "user", user, "measures", len(unserved))
			fillSQL, err := s.fill(ctx, user, sc, key, tbl, unserved)
			if err != nil {
				return nil, fillSQL, err
			}
			if sqlText == "" {
				sqlText = fillSQL
			}
			gone := make(map[string]bool, len(unserved))
			for _, m := range unserved {
				gone[domain.MeasureFingerprint(m)] = true
			}
			cached = slices.DeleteFunc(cached, func(m domain.Measure) bool {
				return gone[domain.MeasureFingerprint(m)]
			})
		}
	}

	if err := s.evaluator.Evaluate(tbl, sc); err != nil {
		return nil, sqlText, err
	}
	out, err := shape(tbl, sc)
	if err != nil {
		return nil, sqlText, err
	}

	res := &Result{
		SQL:     sqlText,
		Headers: out.Headers(),
		Rows:    out.Rows(),
		Table:   out,
	}
	for _, m := range cached {
		res.CachedMeasures = append(res.CachedMeasures, m.Alias())
	}
	return res, sqlText, nil
}

// compute runs the statement for measures over the dimensions of sc and
// stores the resulting columns in the cache.
func (s *QueryService) compute(ctx context.Context, user string, sc *domain.QueryScope, key cache.Key, measures []domain.Measure) (*table.ColumnarTable, string, error) {
	exec := *sc
	exec.Measures = measures
	sqlText, err := sqlbuilder.Build(&exec, s.rewriter)
	if err != nil {
		return nil, "", err
	}
	raw, err := s.run(ctx, user, sqlText)
	if err != nil {
		return nil, sqlText, err
	}
	tbl, err := table.FromRaw(raw, &exec)
	if err != nil {
		return nil, sqlText, err
	}
	if s.cache != nil {
		if err := s.cache.ContributeToCache(tbl, measures, key); err != nil {
			return nil, sqlText, fmt.Errorf("cache result: %w", err)
		}
	}
	return tbl, sqlText, nil
}

// fill computes measures separately and appends their columns to tbl,
// aligned on the dimension tuples.
func (s *QueryService) fill(ctx context.Context, user string, sc *domain.QueryScope, key cache.Key, tbl *table.ColumnarTable, measures []domain.Measure) (string, error) {
	extra, sqlText, err := s.compute(ctx, user, sc, key, measures)
	if err != nil {
		return sqlText, err
	}
	dict, err := extra.PointDictionary()
	if err != nil {
		return sqlText, err
	}
	for _, m := range measures {
		i := extra.ColumnIndex(m.Alias())
		if i < 0 {
			return sqlText, domain.ErrCompilation("no column %s in recomputed result", m.Alias())
		}
		src, _ := extra.Column(i)
		values := make([]any, tbl.Count())
		for r := range values {
			if er, ok := dict.Lookup(tbl.Point(r)); ok {
				values[r] = src[er]
			}
		}
		if err := tbl.AddAggregates(extra.Headers()[i], m, values); err != nil {
			return sqlText, err
		}
	}
	return sqlText, nil
}

func (s *QueryService) record(ctx context.Context, e history.Entry) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("record query history", "query_id", e.QueryID, "error", err)
	}
}

// run executes sqlText, sharing the execution between identical concurrent
// requests of the same user. Every caller receives its own copy. The shared
// execution is detached from any one caller's cancellation; each caller stops
// waiting when its own context ends.
func (s *QueryService) run(ctx context.Context, user, sqlText string) (*domain.RawResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(user+"\x00"+sqlText, func() (any, error) {
		return s.executor.Execute(detached, sqlText)
	})
	select {
	case <-ctx.Done():
		return nil, domain.ErrExecution(sqlText, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Debug("execution shared", "user", user)
		}
		return cloneRaw(r.Val.(*domain.RawResult)), nil
	}
}

func cloneRaw(r *domain.RawResult) *domain.RawResult {
	out := &domain.RawResult{Columns: slices.Clone(r.Columns), Rows: make([][]any, len(r.Rows))}
	for i, row := range r.Rows {
		out.Rows[i] = slices.Clone(row)
	}
	return out
}

// shape keeps the selected columns and the requested measures, then orders
// rows with totals placed per the totals option and buckets in declaration
// order.
func shape(tbl *table.ColumnarTable, sc *domain.QueryScope) (*table.ColumnarTable, error) {
	names := make([]string, 0, len(sc.Columns)+len(sc.Outputs))
	for _, c := range sc.Columns {
		names = append(names, c.OutputName())
	}
	names = append(names, sc.Outputs...)
	out, err := tbl.Project(names)
	if err != nil {
		return nil, err
	}

	var explicit map[string][]any
	if len(sc.ColumnSets) > 0 {
		explicit = map[string][]any{}
		for _, cs := range sc.ColumnSets {
			order := make([]any, len(cs.Buckets))
			for i, b := range cs.Buckets {
				order[i] = b.Name
			}
			explicit[cs.Name] = order
		}
	}
	return out.Order(sc.Totals, explicit), nil
}

// ClearCache drops the cached measures of user.
func (s *QueryService) ClearCache(user string) {
	if s.cache != nil {
		s.cache.ClearUser(user)
		s.logger.Info("cache cleared", "user", user)
	}
}

// CacheStats returns the cache counters of user.
func (s *QueryService) CacheStats(user string) (cache.Stats, error) {
	if s.cache == nil {
		return cache.Stats{}, fmt.Errorf("cache is disabled")
	}
	return s.cache.Stats(user), nil
}
