package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdquery/internal/cache"
	"mdquery/internal/dialect"
	"mdquery/internal/domain"
	"mdquery/internal/engine"
	"mdquery/internal/history"
	"mdquery/internal/middleware"
	"mdquery/internal/service/query"
)

const salesYAML = `
tables:
  - name: sales
    columns:
      - {name: shop, type: string}
      - {name: qty, type: int}
    rows:
      - [s1, 2]
      - [s1, 5]
      - [s2, 3]
`

const rollupBody = `{
  "table": {"name": "sales"},
  "columns": [{"name": "shop"}],
  "measures": [{"type": "aggregated", "alias": "qty", "aggregation": "sum", "field": {"name": "qty"}}],
  "rollup": [{"name": "shop"}]
}`

// setupTestServer wires a DuckDB-backed service with cache and history behind
// the full router.
func setupTestServer(t *testing.T, withHistory bool) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	db, err := engine.Open(ctx, engine.KindDuckDB, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds, err := engine.ParseDataset([]byte(salesYAML))
	require.NoError(t, err)
	require.NoError(t, engine.Seed(ctx, db, ds))

	svc := query.NewQueryService(ds.Catalog(), engine.NewDBExecutor(db, logger), dialect.NewDuckDB(), logger)
	svc.SetCache(cache.New(cache.Options{MaxEntries: 16}, logger))

	var lister HistoryLister
	if withHistory {
		store, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		svc.SetHistory(store)
		lister = store
	}

	router := NewRouter(NewHandler(svc, lister, logger), RouterConfig{
		Auth: middleware.AuthConfig{
			APIKeys:      map[string]string{"key-alice": "alice"},
			APIKeyHeader: "X-API-Key",
			UserHeader:   "X-MDQ-User",
			Logger:       logger,
		},
		RateLimit:   middleware.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		CORSOrigins: []string{"*"},
		Logger:      logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "key-alice")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t, false)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "duckdb", body["dialect"])
}

func TestExecuteQuery(t *testing.T) {
	srv := setupTestServer(t, false)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[query.Result](t, resp)
	assert.NotEmpty(t, res.QueryID)
	require.Len(t, res.Headers, 2)
	assert.Equal(t, "qty", res.Headers[1].Name)
	assert.Equal(t, [][]any{
		{domain.GrandTotal, float64(10)},
		{"s1", float64(7)},
		{"s2", float64(3)},
	}, res.Rows)

	// The second identical request is served from the cache.
	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[query.Result](t, resp)
	assert.Equal(t, []string{"qty"}, res.CachedMeasures)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[cache.Stats](t, resp)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/v1/cache", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, nil)
	res = decode[query.Result](t, resp)
	assert.Empty(t, res.CachedMeasures)
}

func TestExecuteQuery_TextTable(t *testing.T) {
	srv := setupTestServer(t, false)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, map[string]string{"Accept": "text/plain"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, resp.Header.Get("X-Query-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), domain.GrandTotal)
	assert.Contains(t, string(body), "s2")
}

func TestCompileQuery(t *testing.T) {
	srv := setupTestServer(t, false)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/compile", rollupBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Contains(t, body["sql"], "ROLLUP")
	assert.NotNil(t, body["scope"])
}

func TestErrors(t *testing.T) {
	srv := setupTestServer(t, false)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "malformed json", method: http.MethodPost, path: "/v1/query", body: "{", wantStatus: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/query", body: `{"tabel": {}}`, wantStatus: http.StatusBadRequest},
		{name: "no source", method: http.MethodPost, path: "/v1/compile", body: `{}`, wantStatus: http.StatusBadRequest},
		{
			name:       "bad api key",
			method:     http.MethodPost,
			path:       "/v1/query",
			body:       rollupBody,
			headers:    map[string]string{"X-API-Key": "wrong"},
			wantStatus: http.StatusUnauthorized,
		},
		{name: "history disabled", method: http.MethodGet, path: "/v1/history", wantStatus: http.StatusNotFound},
		{
			name:       "body too large",
			method:     http.MethodPost,
			path:       "/v1/query",
			body:       `{"table": {"name": "` + strings.Repeat("x", maxBodyBytes) + `"}}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, srv.URL+tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.wantStatus, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestListHistory(t *testing.T) {
	srv := setupTestServer(t, true)

	doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, nil)
	doRequest(t, http.MethodPost, srv.URL+"/v1/query", `{"table": {"name": "nope"}, "columns": [{"name": "x"}]}`, nil)
	// Requests of other users stay invisible.
	doRequest(t, http.MethodPost, srv.URL+"/v1/query", rollupBody, map[string]string{"X-API-Key": "", "X-MDQ-User": "bob"})

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/history", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Entries []history.Entry `json:"entries"`
	}](t, resp)
	require.Len(t, body.Entries, 2)
	for _, e := range body.Entries {
		assert.Equal(t, "alice", e.User)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/history?status=error", "", nil)
	body = decode[struct {
		Entries []history.Entry `json:"entries"`
	}](t, resp)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, history.StatusError, body.Entries[0].Status)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/history?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPStatusFromDomainError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation("bad"), http.StatusBadRequest},
		{domain.ErrUnsupportedFeature("sqlite", "f", "no"), http.StatusUnprocessableEntity},
		{domain.ErrCompilation("cycle"), http.StatusUnprocessableEntity},
		{domain.ErrExecution("SELECT", io.EOF), http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, httpStatusFromDomainError(tt.err))
		})
	}
}
