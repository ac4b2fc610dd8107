package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/nudgequeue/internal/models"
)

type PoolConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

// Pool runs independent claim loops. Each loop owns a worker id and drains
// its batch in order before claiming again.
type Pool struct {
	queue  Queue
	worker *Worker
	cfg    PoolConfig
	log    zerolog.Logger

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewPool(cfg PoolConfig, q Queue, worker *Worker, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		queue:  q,
		worker: worker,
		cfg:    cfg,
		log:    log,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.log.Info().Int("workers", p.cfg.Workers).Int("batch_size", p.cfg.BatchSize).Msg("starting delivery worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		id := models.NewID("wrk")
		p.wg.Go(func() {
			p.loop(ctx, id)
		})
	}
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.log.With().Str("worker_id", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		items, err := p.queue.Claim(ctx, p.cfg.BatchSize, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to claim nudges")
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(items) == 0 {
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		log.Debug().Int("claimed", len(items)).Msg("claimed nudges")
		for _, item := range items {
			p.worker.Process(ctx, item)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
