package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/nudgequeue/internal/config"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "nudgequeue",
		Short:        "NudgeQueue: throttled, deduplicated nudge delivery",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(hubCmd(&configPath))
	rootCmd.AddCommand(enqueueCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(pruneCmd(&configPath))
	rootCmd.AddCommand(configCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(cfg.Postgres.DSN, storage.PostgresOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func queueConfig(cfg config.QueueConfig) (queue.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		CooldownWindow: cfg.CooldownWindow,
		MaxRetries:     cfg.MaxRetries,
		BatchSize:      cfg.BatchSize,
		LeaseTimeout:   cfg.LeaseTimeout,
		BackoffBase:    cfg.BackoffBase,
		MaxBackoff:     cfg.MaxBackoff,
		DayLocation:    loc,
	}, nil
}

type env struct {
	cfg   *config.Config
	log   zerolog.Logger
	store storage.Storage
}

func (e *env) Close() {
	e.store.Close()
}

// openEnv loads config, opens the store and applies migrations.
func openEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &env{cfg: cfg, log: log, store: store}, nil
}
