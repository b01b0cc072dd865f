package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mdquery/internal/api"
	"mdquery/internal/cache"
	"mdquery/internal/config"
	"mdquery/internal/history"
	"mdquery/internal/middleware"
	"mdquery/internal/pgwire"
)

// historyPruneSchedule is the cron spec of the history retention job.
const historyPruneSchedule = "@hourly"

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		pgAddr  string
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		Long: "Run the HTTP query API and, when MDQ_PGWIRE_ADDR is set, a PostgreSQL wire listener. Settings come from MDQ_* environment variables " +
			"(optionally read from --env-file); engine flags given on the command line win.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			opts.applyFlags(cmd, cfg)
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if pgAddr != "" {
				cfg.PGWireAddr = pgAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			for _, w := range cfg.Warnings {
				logger.Warn(w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides MDQ_HTTP_ADDR)")
	cmd.Flags().StringVar(&pgAddr, "pg-addr", "", "PostgreSQL wire listen address (overrides MDQ_PGWIRE_ADDR)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Read unset variables from this file")

	return cmd
}

// applyFlags overrides cfg with the engine flags set on the command line.
func (o *rootOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("engine") {
		cfg.Engine = o.engine
		if !flags.Changed("dialect") && os.Getenv("MDQ_DIALECT") == "" {
			cfg.Dialect = o.engine
		}
	}
	if flags.Changed("dsn") {
		cfg.DSN = o.dsn
	}
	if flags.Changed("dialect") {
		cfg.Dialect = o.dialect
	}
	if flags.Changed("catalog") {
		cfg.CatalogFile = o.catalog
	}
	if flags.Changed("data") {
		cfg.DataFile = o.data
	}
	if flags.Changed("limit") {
		cfg.QueryLimit = o.limit
	}
}

// serve wires the engine, cache, history and router and blocks until ctx is
// done. ready, when set, receives the bound address once the server listens.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(addr string)) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close() //nolint:errcheck

	var qc *cache.QueryCache
	if cfg.Cache.Enabled {
		qc = cache.New(cache.Options{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.Cache.TTL}, logger)
		b.svc.SetCache(qc)
	}
	sweeper, err := cache.NewSweeper(qc, cfg.Cache.Sweep, logger)
	if err != nil {
		return err
	}

	var lister api.HistoryLister
	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		b.svc.SetHistory(store)
		lister = store

		retention := cfg.HistoryRetention
		err = sweeper.Add(historyPruneSchedule, "history prune", func() {
			n, err := store.Prune(context.Background(), time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune query history", "error", err)
				return
			}
			if n > 0 {
				logger.Info("query history pruned", "count", n)
			}
		})
		if err != nil {
			return err
		}
	}
	sweeper.Start()
	defer sweeper.Stop()

	validators, err := tokenValidators(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	router := api.NewRouter(api.NewHandler(b.svc, lister, logger), api.RouterConfig{
		Auth: middleware.AuthConfig{
			Validators:   validators,
			NameClaim:    cfg.Auth.NameClaim,
			APIKeys:      cfg.Auth.APIKeys,
			APIKeyHeader: cfg.Auth.APIKeyHeader,
			UserHeader:   cfg.Auth.UserHeader,
			Required:     cfg.Auth.Required,
			Logger:       logger,
		},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSAllowedOrigins,
		Logger:      logger,
	})

	srv := api.NewServer(cfg.ListenAddr, router, logger)
	if err := srv.Start(); err != nil {
		return err
	}
	var pg *pgwire.Server
	if cfg.PGWireAddr != "" {
		pg = pgwire.NewServer(cfg.PGWireAddr, logger, pgwire.ServiceQuery(b.svc))
		if keys := cfg.Auth.APIKeys; len(keys) > 0 {
			pg.SetPasswordCheck(func(user, password string) bool {
				owner, ok := keys[password]
				return ok && owner == user
			})
		}
		if err := pg.Start(); err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}

	logger.Info("mdq server started",
		"engine", cfg.Engine,
		"dialect", cfg.Dialect,
		"cache", cfg.Cache.Enabled,
		"history", cfg.HistoryDB != "",
		"pgwire", pg != nil,
	)
	if ready != nil {
		ready(srv.Addr())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if pg != nil {
		if err := pg.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pgwire shutdown", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func tokenValidators(ctx context.Context, auth config.AuthConfig) ([]middleware.TokenValidator, error) {
	var validators []middleware.TokenValidator
	if auth.JWTSecret != "" {
		v, err := middleware.NewHS256Validator(auth.JWTSecret)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if auth.JWKSURL != "" {
		v, err := middleware.NewJWKSValidator(ctx, auth.JWKSURL, auth.Issuer, auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		validators = append(validators, v)
	}
	return validators, nil
}
