package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"MDQ_ENGINE", "MDQ_DSN", "MDQ_DIALECT", "MDQ_BIGQUERY_PROJECT", "MDQ_BIGQUERY_DATASET",
	"MDQ_CATALOG_FILE", "MDQ_DATA_FILE", "MDQ_HISTORY_DB", "MDQ_HISTORY_RETENTION", "MDQ_QUERY_LIMIT",
	"MDQ_CACHE_ENABLED", "MDQ_CACHE_MAX_ENTRIES", "MDQ_CACHE_TTL", "MDQ_CACHE_SWEEP",
	"MDQ_JWT_SECRET", "MDQ_JWKS_URL", "MDQ_JWT_ISSUER", "MDQ_JWT_AUDIENCE", "MDQ_JWT_NAME_CLAIM",
	"MDQ_API_KEYS", "MDQ_API_KEY_HEADER", "MDQ_USER_HEADER", "MDQ_AUTH_REQUIRED",
	"MDQ_HTTP_ADDR", "MDQ_PGWIRE_ADDR", "MDQ_RATE_LIMIT_RPS", "MDQ_RATE_LIMIT_BURST", "MDQ_CORS_ALLOWED_ORIGINS",
	"LOG_LEVEL", "ENV",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "duckdb", cfg.Engine)
	assert.Equal(t, "duckdb", cfg.Dialect)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "@every 1m", cfg.Cache.Sweep)
	assert.Zero(t, cfg.Cache.MaxEntries)
	assert.Zero(t, cfg.QueryLimit)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 720*time.Hour, cfg.HistoryRetention)
	assert.Equal(t, "sub", cfg.Auth.NameClaim)
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Equal(t, "X-MDQ-User", cfg.Auth.UserHeader)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Len(t, cfg.Warnings, 1)
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("MDQ_ENGINE", "sqlite")
	t.Setenv("MDQ_DIALECT", "bigquery")
	t.Setenv("MDQ_BIGQUERY_PROJECT", "proj")
	t.Setenv("MDQ_BIGQUERY_DATASET", "ds")
	t.Setenv("MDQ_QUERY_LIMIT", "500")
	t.Setenv("MDQ_CACHE_ENABLED", "false")
	t.Setenv("MDQ_CACHE_MAX_ENTRIES", "64")
	t.Setenv("MDQ_CACHE_TTL", "90s")
	t.Setenv("MDQ_CACHE_SWEEP", "*/5 * * * *")
	t.Setenv("MDQ_API_KEYS", "k1:alice, k2:bob")
	t.Setenv("MDQ_RATE_LIMIT_RPS", "2.5")
	t.Setenv("MDQ_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MDQ_PGWIRE_ADDR", ":5433")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Engine)
	assert.Equal(t, "bigquery", cfg.Dialect)
	assert.Equal(t, "proj", cfg.DialectOptions().Project)
	assert.Equal(t, 500, cfg.QueryLimit)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 64, cfg.Cache.MaxEntries)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "*/5 * * * *", cfg.Cache.Sweep)
	assert.Equal(t, map[string]string{"k1": "alice", "k2": "bob"}, cfg.Auth.APIKeys)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, ":5433", cfg.PGWireAddr)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "engine", env: map[string]string{"MDQ_ENGINE": "oracle"}, wantErr: "MDQ_ENGINE"},
		{name: "dialect", env: map[string]string{"MDQ_DIALECT": "mysql"}, wantErr: "MDQ_DIALECT"},
		{name: "limit", env: map[string]string{"MDQ_QUERY_LIMIT": "-1"}, wantErr: "MDQ_QUERY_LIMIT"},
		{name: "limit not a number", env: map[string]string{"MDQ_QUERY_LIMIT": "ten"}, wantErr: "MDQ_QUERY_LIMIT"},
		{name: "retention", env: map[string]string{"MDQ_HISTORY_RETENTION": "forever"}, wantErr: "MDQ_HISTORY_RETENTION"},
		{name: "ttl", env: map[string]string{"MDQ_CACHE_TTL": "soon"}, wantErr: "MDQ_CACHE_TTL"},
		{name: "api keys", env: map[string]string{"MDQ_API_KEYS": "nouser"}, wantErr: "malformed"},
		{name: "auth required without credentials", env: map[string]string{"MDQ_AUTH_REQUIRED": "true"}, wantErr: "MDQ_AUTH_REQUIRED"},
		{
			name: "pgwire with required jwt auth",
			env: map[string]string{
				"MDQ_PGWIRE_ADDR":   ":5433",
				"MDQ_AUTH_REQUIRED": "true",
				"MDQ_JWT_SECRET":    "s",
			},
			wantErr: "MDQ_API_KEYS",
		},
		{name: "production without auth", env: map[string]string{"ENV": "production"}, wantErr: "production"},
		{
			name: "production cors wildcard",
			env: map[string]string{
				"ENV":               "production",
				"MDQ_AUTH_REQUIRED": "true",
				"MDQ_JWT_SECRET":    "s",
			},
			wantErr: "CORS wildcard",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, (&Config{LogLevel: in}).SlogLevel())
		})
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	assert.NoError(t, LoadDotEnv("/nonexistent/.env"))
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\n\nMDQ_TEST_KEY=\"quoted value\"\nnot a pair\n"), 0o600))
	t.Setenv("MDQ_TEST_KEY", "")

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "quoted value", os.Getenv("MDQ_TEST_KEY"))
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("MDQ_TEST_PRECEDENCE", "from_env")
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MDQ_TEST_PRECEDENCE=from_file\n"), 0o600))

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "from_env", os.Getenv("MDQ_TEST_PRECEDENCE"))
}
