// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"mdquery/internal/dialect"
	"mdquery/internal/engine"
)

// AuthConfig holds HTTP authentication settings.
type AuthConfig struct {
	JWTSecret    string            // HS256 shared secret; empty disables bearer tokens
	JWKSURL      string            // remote key set for RS256/ES256 tokens
	Issuer       string            // expected issuer when JWKSURL is set
	Audience     string            // expected audience when JWKSURL is set
	NameClaim    string            // claim naming the user (default "sub")
	APIKeys      map[string]string // API key → user
	APIKeyHeader string            // header carrying API keys (default X-API-Key)
	UserHeader   string            // header naming the user when auth is optional (default X-MDQ-User)
	Required     bool              // reject anonymous requests
}

// Enabled reports whether any credential type is configured.
func (a *AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.JWKSURL != "" || len(a.APIKeys) > 0
}

// CacheConfig bounds the measure cache.
type CacheConfig struct {
	Enabled    bool
	MaxEntries int
	TTL        time.Duration
	Sweep      string // cron spec of the expiry sweep
}

// Config holds the settings of the CLI and the HTTP server.
type Config struct {
	Engine      string // duckdb or sqlite
	DSN         string // engine DSN; empty opens an in-memory database
	Dialect     string // SQL dialect; defaults to the engine name
	Project     string // BigQuery project
	Dataset     string // BigQuery dataset
	CatalogFile string // YAML dataset used as field catalog; empty introspects the engine
	DataFile    string // YAML dataset seeded into the engine at startup
	QueryLimit  int    // default row limit, 0 for none
	HistoryDB   string // SQLite file recording executed queries; empty disables history

	// HistoryRetention bounds the age of recorded queries (default 720h).
	HistoryRetention time.Duration

	Cache CacheConfig
	Auth  AuthConfig

	ListenAddr         string
	PGWireAddr         string // PostgreSQL wire listener; empty disables it
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
	LogLevel           string
	Env                string

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// DialectOptions returns the per-deployment dialect settings.
func (c *Config) DialectOptions() dialect.Options {
	return dialect.Options{Project: c.Project, Dataset: c.Dataset}
}

// LoadFromEnv loads configuration from MDQ_* environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Engine:      os.Getenv("MDQ_ENGINE"),
		DSN:         os.Getenv("MDQ_DSN"),
		Dialect:     os.Getenv("MDQ_DIALECT"),
		Project:     os.Getenv("MDQ_BIGQUERY_PROJECT"),
		Dataset:     os.Getenv("MDQ_BIGQUERY_DATASET"),
		CatalogFile: os.Getenv("MDQ_CATALOG_FILE"),
		DataFile:    os.Getenv("MDQ_DATA_FILE"),
		HistoryDB:   os.Getenv("MDQ_HISTORY_DB"),
		ListenAddr:  os.Getenv("MDQ_HTTP_ADDR"),
		PGWireAddr:  os.Getenv("MDQ_PGWIRE_ADDR"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Env:         os.Getenv("ENV"),
		Cache: CacheConfig{
			Enabled: parseBoolEnvDefault("MDQ_CACHE_ENABLED", true),
			Sweep:   os.Getenv("MDQ_CACHE_SWEEP"),
		},
		Auth: AuthConfig{
			JWTSecret:    os.Getenv("MDQ_JWT_SECRET"),
			JWKSURL:      os.Getenv("MDQ_JWKS_URL"),
			Issuer:       os.Getenv("MDQ_JWT_ISSUER"),
			Audience:     os.Getenv("MDQ_JWT_AUDIENCE"),
			NameClaim:    os.Getenv("MDQ_JWT_NAME_CLAIM"),
			APIKeyHeader: os.Getenv("MDQ_API_KEY_HEADER"),
			UserHeader:   os.Getenv("MDQ_USER_HEADER"),
			Required:     parseBoolEnvDefault("MDQ_AUTH_REQUIRED", false),
		},
	}

	var err error
	if cfg.QueryLimit, err = intEnv("MDQ_QUERY_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.QueryLimit < 0 {
		return nil, fmt.Errorf("MDQ_QUERY_LIMIT must be non-negative")
	}
	if cfg.Cache.MaxEntries, err = intEnv("MDQ_CACHE_MAX_ENTRIES"); err != nil {
		return nil, err
	}
	if v := os.Getenv("MDQ_CACHE_TTL"); v != "" {
		if cfg.Cache.TTL, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("MDQ_CACHE_TTL: %w", err)
		}
	}
	if v := os.Getenv("MDQ_HISTORY_RETENTION"); v != "" {
		if cfg.HistoryRetention, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("MDQ_HISTORY_RETENTION: %w", err)
		}
	}
	if cfg.RateLimitBurst, err = intEnv("MDQ_RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}
	if v := os.Getenv("MDQ_RATE_LIMIT_RPS"); v != "" {
		if cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("MDQ_RATE_LIMIT_RPS: %w", err)
		}
	}
	if v := os.Getenv("MDQ_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("MDQ_API_KEYS"); v != "" {
		if cfg.Auth.APIKeys, err = parseAPIKeys(v); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine == "" {
		c.Engine = engine.KindDuckDB
	}
	if c.Dialect == "" {
		c.Dialect = c.Engine
	}
	if c.Cache.Sweep == "" {
		c.Cache.Sweep = "@every 1m"
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 30 * 24 * time.Hour
	}
	if c.Auth.NameClaim == "" {
		c.Auth.NameClaim = "sub"
	}
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = "X-MDQ-User"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 50
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 100
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
	if !c.Auth.Enabled() {
		c.Warnings = append(c.Warnings, "no credentials configured: users are taken from the "+c.Auth.UserHeader+" header")
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Engine != engine.KindDuckDB && c.Engine != engine.KindSQLite {
		return fmt.Errorf("MDQ_ENGINE must be %q or %q, got %q", engine.KindDuckDB, engine.KindSQLite, c.Engine)
	}
	if _, err := dialect.New(c.Dialect, c.DialectOptions()); err != nil {
		return fmt.Errorf("MDQ_DIALECT: %w", err)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("MDQ_CACHE_MAX_ENTRIES must be non-negative")
	}
	if c.Auth.Required && !c.Auth.Enabled() {
		return fmt.Errorf("MDQ_AUTH_REQUIRED needs MDQ_JWT_SECRET, MDQ_JWKS_URL or MDQ_API_KEYS")
	}
	if c.PGWireAddr != "" && c.Auth.Required && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("MDQ_PGWIRE_ADDR with MDQ_AUTH_REQUIRED needs MDQ_API_KEYS: wire clients authenticate with an API key as password")
	}
	if c.IsProduction() {
		if !c.Auth.Required {
			return fmt.Errorf("authentication must be required in production (set MDQ_AUTH_REQUIRED=true)")
		}
		if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return nil
}

func intEnv(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// parseAPIKeys reads "key:user" pairs separated by commas.
func parseAPIKeys(v string) (map[string]string, error) {
	keys := map[string]string{}
	for _, pair := range splitList(v) {
		key, user, ok := strings.Cut(pair, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("MDQ_API_KEYS: malformed entry %q (want key:user)", pair)
		}
		keys[key] = user
	}
	return keys, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Environment variables take precedence.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
