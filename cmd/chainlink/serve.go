package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/chainlink/internal/api"
	"github.com/seantiz/chainlink/internal/backend/docker"
	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/config"
	"github.com/seantiz/chainlink/internal/engine"
	"github.com/seantiz/chainlink/internal/events"
	"github.com/seantiz/chainlink/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

			logger.Info("chainlink: starting",
				"version", version,
				"listen_addr", cfg.ListenAddr,
				"db_driver", cfg.DBDriver,
			)

			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			dockerCfg := docker.LoadConfig()
			b, err := docker.NewBackend(dockerCfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			pub, err := openPublisher(cfg, logger)
			if err != nil {
				return err
			}
			defer pub.Close()

			eng := engine.NewEngine(b, db, engine.Options{
				Chain: chain.Options{
					WorkDir:         cfg.WorkDir,
					PullConcurrency: cfg.PullConcurrency,
					StopTimeout:     dockerCfg.StopTimeout,
				},
				MaxConcurrentRuns: cfg.MaxConcurrentRuns,
				Publisher:         pub,
				Logger:            logger,
			})

			return api.NewServer(cfg.ListenAddr, db, eng, logger).Run()
		},
	}
}

// openStore opens the configured run store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.DBPath)
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres driver requires CHAINLINK_DATABASE_URL")
		}
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}

// openPublisher connects to the event broker when one is configured.
func openPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}
