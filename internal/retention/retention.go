// Package retention prunes resolved log entries on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes terminal log entries scheduled before a cutoff.
type Pruner interface {
	PruneLogEntries(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Schedule string
	LogTTL   time.Duration
	Location *time.Location
}

type Service struct {
	store Pruner
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(store Pruner, cfg Config, log zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{store: store, cfg: cfg, log: log, now: time.Now}
}

// RunOnce deletes sent and failed entries older than the TTL.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.LogTTL)
	n, err := s.store.PruneLogEntries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune log entries: %w", err)
	}
	s.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("retention run complete")
	return n, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.log.Error().Err(err).Msg("retention run failed")
		}
	}); err != nil {
		s.cancel()
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info().Str("schedule", s.cfg.Schedule).Dur("log_ttl", s.cfg.LogTTL).Msg("retention scheduler started")
	return nil
}

// Stop waits for a running prune to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.cancel()
	<-s.c.Stop().Done()
	s.c = nil
}
