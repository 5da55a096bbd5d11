// cellard serves the cellar API for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/internal/auth"
	"github.com/briangreenhill/cellarsync/internal/config"
	"github.com/briangreenhill/cellarsync/internal/devapi"
	"github.com/briangreenhill/cellarsync/internal/logging"
	"github.com/briangreenhill/cellarsync/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New(logging.Options{Component: "cellard"})
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "cellard",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("cellard stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	repo, closeRepo, err := openRepository(ctx, cfg.Server.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	if cfg.Server.Secret == "" {
		logger.Warn().Msg("CELLARD_SECRET is empty, the API is open")
	}
	m := metrics.New(true)
	api := devapi.NewServer(devapi.ServerOptions{
		Repo:    repo,
		Signer:  auth.NewSigner(cfg.Server.Secret),
		Logger:  logger,
		Metrics: m,
	})

	api.Router.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// openRepository uses Postgres when a database URL is set and an in-memory
// store seeded with demo lots otherwise.
func openRepository(ctx context.Context, databaseURL string, logger zerolog.Logger) (devapi.Repository, func(), error) {
	if databaseURL == "" {
		repo := devapi.NewMemoryRepository()
		if err := devapi.Seed(ctx, repo, devapi.DemoLots()); err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("using in-memory repository with demo data")
		return repo, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	repo := devapi.NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info().Msg("using postgres repository")
	return repo, pool.Close, nil
}
