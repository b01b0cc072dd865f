package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"mdquery/internal/config"
	"mdquery/internal/dialect"
	"mdquery/internal/domain"
	"mdquery/internal/engine"
	"mdquery/internal/service/query"
)

// backend is a query service over a local engine.
type backend struct {
	db      *sql.DB
	catalog *engine.StaticCatalog
	svc     *query.QueryService
}

func (b *backend) Close() error { return b.db.Close() }

// localConfig turns the resolved global flags into an engine configuration.
func (o *rootOptions) localConfig() (*config.Config, error) {
	cfg := &config.Config{
		Engine:      o.engine,
		DSN:         o.dsn,
		Dialect:     o.dialect,
		Project:     os.Getenv("MDQ_BIGQUERY_PROJECT"),
		Dataset:     os.Getenv("MDQ_BIGQUERY_DATASET"),
		CatalogFile: o.catalog,
		DataFile:    o.data,
		QueryLimit:  o.limit,
	}
	if cfg.Engine == "" {
		cfg.Engine = engine.KindDuckDB
	}
	if cfg.Dialect == "" {
		cfg.Dialect = cfg.Engine
	}
	if cfg.QueryLimit < 0 {
		return nil, fmt.Errorf("--limit must be non-negative")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openBackend opens the engine, loads the dataset and builds the catalog.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	db, err := engine.Open(ctx, cfg.Engine, cfg.DSN)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(ctx, db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(ctx context.Context, db *sql.DB, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.DataFile != "" {
		ds, err := engine.LoadDataset(cfg.DataFile)
		if err != nil {
			return nil, err
		}
		if err := engine.Seed(ctx, db, ds); err != nil {
			return nil, err
		}
		logger.Info("dataset loaded", "file", cfg.DataFile, "tables", len(ds.Tables))
	}

	var catalog *engine.StaticCatalog
	if cfg.CatalogFile != "" {
		ds, err := engine.LoadDataset(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = ds.Catalog()
	} else {
		var err error
		if catalog, err = engine.IntrospectCatalog(ctx, db, cfg.Engine); err != nil {
			return nil, err
		}
	}

	rw, err := dialect.New(cfg.Dialect, cfg.DialectOptions())
	if err != nil {
		return nil, err
	}
	svc := query.NewQueryService(catalog, engine.NewDBExecutor(db, logger), rw, logger)
	svc.SetDefaultLimit(cfg.QueryLimit)
	return &backend{db: db, catalog: catalog, svc: svc}, nil
}

// readQuery decodes a query from a JSON or YAML file, or from r when path is
// "-" or empty.
func readQuery(path string, r io.Reader) (*domain.QueryDto, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(r)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // path is caller-controlled
	}
	if err != nil {
		return nil, fmt.Errorf("read query: %w", err)
	}
	return query.ParseQuery(data)
}
