package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/shohag/nudgequeue/internal/api"
	"github.com/shohag/nudgequeue/internal/config"
	"github.com/shohag/nudgequeue/internal/delivery"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/retention"
	"github.com/shohag/nudgequeue/internal/storage"
	"github.com/shohag/nudgequeue/internal/tracing"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			cfg, log := e.cfg, e.log
			log.Info().Msg("database migrations completed")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
				Enabled:        cfg.Tracing.Enabled,
				Exporter:       cfg.Tracing.Exporter,
				Endpoint:       cfg.Tracing.Endpoint,
				SampleRatio:    cfg.Tracing.SampleRatio,
				ServiceName:    cfg.Tracing.ServiceName,
				ServiceVersion: version,
			}, log)
			if err != nil {
				return fmt.Errorf("failed to setup tracing: %w", err)
			}

			qcfg, err := queueConfig(cfg.Queue)
			if err != nil {
				return err
			}
			svc := queue.NewService(e.store, qcfg, log.With().Str("component", "queue").Logger())

			senders, closeSenders, err := buildSenders(cfg, e.store, log)
			if err != nil {
				return err
			}
			defer closeSenders()
			router, err := delivery.BuildRouter(cfg.Delivery.Routes, senders)
			if err != nil {
				return err
			}

			var limiter *rate.Limiter
			if cfg.Delivery.RatePerSecond > 0 {
				burst := cfg.Delivery.Burst
				if burst <= 0 {
					burst = 1
				}
				limiter = rate.NewLimiter(rate.Limit(cfg.Delivery.RatePerSecond), burst)
			}

			dlog := log.With().Str("component", "delivery").Logger()
			worker := delivery.NewWorker(svc, router, limiter, cfg.Delivery.Timeout, cfg.Queue.MaxRetries, dlog)
			pool := delivery.NewPool(delivery.PoolConfig{
				Workers:      cfg.Delivery.Workers,
				BatchSize:    cfg.Queue.BatchSize,
				PollInterval: cfg.Delivery.PollInterval,
			}, svc, worker, dlog)
			pool.Start(ctx)

			var janitor *retention.Service
			if cfg.Retention.Enabled {
				janitor = retention.New(e.store, retention.Config{
					Schedule: cfg.Retention.Schedule,
					LogTTL:   cfg.Retention.LogTTL,
					Location: qcfg.DayLocation,
				}, log.With().Str("component", "retention").Logger())
				if err := janitor.Start(ctx); err != nil {
					pool.Stop()
					return err
				}
			}

			server := api.NewServer(cfg.Server, cfg.Auth, e.store, svc, log)
			serverErr := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn().Err(err).Msg("systemd notify failed")
			} else if ok {
				log.Debug().Msg("notified systemd")
			}

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Strs("channels", router.Channels()).
				Msg("NudgeQueue is running")

			select {
			case <-ctx.Done():
			case err = <-serverErr:
				log.Error().Err(err).Msg("server error")
			}

			log.Info().Msg("shutting down...")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			pool.Stop()
			if janitor != nil {
				janitor.Stop()
			}
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}

			log.Info().Msg("NudgeQueue stopped")
			return err
		},
	}
}

// buildSenders constructs every sender whose configuration is present.
func buildSenders(cfg *config.Config, store storage.Storage, log zerolog.Logger) (map[string]delivery.Sender, func(), error) {
	senders := map[string]delivery.Sender{
		"log": delivery.NewLogSender(log.With().Str("sender", "log").Logger()),
	}
	var closers []func() error

	if cfg.Senders.Webhook.Enabled {
		senders["webhook"] = delivery.NewWebhookSender(store, cfg.Delivery.Timeout)
	}
	if cfg.Senders.AMQP.URL != "" {
		s := delivery.NewAMQPSender(cfg.Senders.AMQP.URL, cfg.Senders.AMQP.Queue, log.With().Str("sender", "amqp").Logger())
		senders["amqp"] = s
		closers = append(closers, s.Close)
	}
	if cfg.Senders.Telegram.Token != "" {
		s, err := delivery.NewTelegramSender(delivery.TelegramConfig{
			Token:   cfg.Senders.Telegram.Token,
			APIURL:  cfg.Senders.Telegram.APIURL,
			Timeout: cfg.Delivery.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup telegram sender: %w", err)
		}
		senders["telegram"] = s
	}

	return senders, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				fmt.Fprintln(os.Stderr, "close sender:", err)
			}
		}
	}, nil
}
