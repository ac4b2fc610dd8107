package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
)

// Queue is the part of queue.Service the dispatch side uses.
type Queue interface {
	Claim(ctx context.Context, batchSize int, workerID string) ([]models.QueueItem, error)
	ReportSuccess(ctx context.Context, lease models.Lease) error
	ReportFailure(ctx context.Context, lease models.Lease, cause error, maxRetries int) (queue.Resolution, error)
}

const reportTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/shohag/nudgequeue/internal/delivery")

type Worker struct {
	queue      Queue
	router     *Router
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	log        zerolog.Logger
}

// NewWorker builds a worker. A nil limiter means unthrottled.
func NewWorker(q Queue, router *Router, limiter *rate.Limiter, timeout time.Duration, maxRetries int, log zerolog.Logger) *Worker {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Worker{
		queue:      q,
		router:     router,
		limiter:    limiter,
		timeout:    timeout,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Process sends one claimed item and reports the outcome. An item whose
// lease has already lapsed is skipped, and the send never runs past the
// lease. Outcome writes outlive ctx so a shutdown does not strand the claim
// until its lease lapses.
func (w *Worker) Process(ctx context.Context, item models.QueueItem) {
	ctx, span := tracer.Start(ctx, "delivery.Process", trace.WithAttributes(
		attribute.String("queue_id", item.ID),
		attribute.String("channel", item.Payload.Channel),
		attribute.Int("attempt", item.Attempt),
	))
	defer span.End()

	log := w.log.With().
		Str("queue_id", item.ID).
		Str("log_id", item.LogID).
		Str("hub_id", item.HubID).
		Str("member_id", item.MemberID).
		Logger()

	start := time.Now()
	if !item.Locked(start) {
		span.SetAttributes(attribute.Bool("lease_expired", true))
		log.Warn().Msg("lease expired before send, leaving item to the next claim")
		return
	}

	err := w.send(ctx, item)
	latency := time.Since(start)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	lease := item.Lease()
	if err == nil {
		if rerr := w.queue.ReportSuccess(rctx, lease); rerr != nil {
			w.reportError(log, rerr, "failed to record delivery success")
			return
		}
		log.Info().Int64("latency_ms", latency.Milliseconds()).Msg("nudge delivered")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")

	res, rerr := w.queue.ReportFailure(rctx, lease, err, w.maxRetries)
	if rerr != nil {
		w.reportError(log, rerr, "failed to record delivery failure")
		return
	}
	if res.Terminal {
		log.Warn().
			Err(err).
			Int("attempts", res.Attempt).
			Bool("permanent", queue.IsPermanent(err)).
			Msg("nudge permanently failed")
		return
	}
	log.Info().
		Err(err).
		Int("attempt", res.Attempt).
		Time("next_retry", res.NextAttemptAt).
		Msg("nudge scheduled for retry")
}

func (w *Worker) send(ctx context.Context, item models.QueueItem) error {
	sender, ok := w.router.Route(item.Payload.Channel)
	if !ok {
		return queue.Permanent(fmt.Errorf("no sender for channel %q", item.Payload.Channel))
	}

	// the claim is only ours until the lease expires
	if item.LeaseExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *item.LeaseExpiresAt)
		defer cancel()
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	sendCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return sender.Send(sendCtx, item)
}

func (w *Worker) reportError(log zerolog.Logger, err error, msg string) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrStaleClaim):
		// another worker took over after the lease expired
		log.Warn().Err(err).Msg(msg)
	default:
		log.Error().Err(err).Msg(msg)
	}
}
