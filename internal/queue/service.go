package queue

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

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/render"
	"github.com/shohag/nudgequeue/internal/storage"
)

const (
	defaultCooldownWindow = 6 * time.Hour
	defaultMaxRetries     = 5
	defaultBatchSize      = 10
	defaultLeaseTimeout   = 5 * time.Minute
	defaultBackoffBase    = time.Minute
)

type Config struct {
	CooldownWindow time.Duration
	MaxRetries     int
	BatchSize      int
	LeaseTimeout   time.Duration
	BackoffBase    time.Duration
	MaxBackoff     time.Duration
	// DayLocation decides where a calendar day starts for duplicate checks.
	DayLocation *time.Location
}

func (c Config) withDefaults() Config {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = defaultCooldownWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.DayLocation == nil {
		c.DayLocation = time.UTC
	}
	return c
}

type Option func(*Service)

func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

var tracer = otel.Tracer("github.com/shohag/nudgequeue/internal/queue")

type Service struct {
	store storage.Storage
	cfg   Config
	clock Clock
	log   zerolog.Logger
}

func NewService(store storage.Storage, cfg Config, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   cfg.withDefaults(),
		clock: SystemClock{},
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

// Reason explains why a nudge was not admitted.
type Reason string

const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonDuplicate        Reason = "duplicate"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

type EnqueueRequest struct {
	HubID      string         `json:"hub_id"`
	MemberID   string         `json:"member_id"`
	RecipeName string         `json:"recipe_name"`
	Message    string         `json:"message"`
	Variables  map[string]any `json:"variables,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (r EnqueueRequest) validate() error {
	switch {
	case r.HubID == "":
		return fmt.Errorf("%w: hub_id is required", ErrInvalidRequest)
	case r.MemberID == "":
		return fmt.Errorf("%w: member_id is required", ErrInvalidRequest)
	case r.RecipeName == "":
		return fmt.Errorf("%w: recipe_name is required", ErrInvalidRequest)
	case r.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return nil
}

type EnqueueResult struct {
	Enqueued bool   `json:"enqueued"`
	Reason   Reason `json:"reason,omitempty"`
	QueueID  string `json:"queue_id,omitempty"`
	LogID    string `json:"log_id,omitempty"`
}

// Enqueue admits a nudge unless it duplicates today's content for the same
// recipe or the member is still inside the cooldown window. Rejections are
// results; the error is non-nil only for invalid input or store failure.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue", trace.WithAttributes(
		attribute.String("hub_id", req.HubID),
		attribute.String("recipe_name", req.RecipeName),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return EnqueueResult{}, err
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	if req.Channel == "" {
		req.Channel = models.DefaultChannel
	}

	now := s.clock.Now()
	local := now.In(s.cfg.DayLocation)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.DayLocation)

	entry := &models.LogEntry{
		ID:          models.NewID("nlog"),
		HubID:       req.HubID,
		MemberID:    req.MemberID,
		RecipeName:  req.RecipeName,
		Channel:     req.Channel,
		Message:     req.Message,
		MessageHash: render.ContentHash(req.Message, req.Variables, req.RecipeName),
		Status:      models.LogQueued,
		ScheduledAt: now,
		DayBucket:   local.Format(time.DateOnly),
		CreatedAt:   now,
	}
	item := &models.QueueItem{
		ID:         models.NewID("nq"),
		LogID:      entry.ID,
		HubID:      req.HubID,
		MemberID:   req.MemberID,
		RecipeName: req.RecipeName,
		Payload: models.Payload{
			Message:   req.Message,
			Variables: req.Variables,
			Channel:   req.Channel,
			Metadata:  req.Metadata,
		},
		AvailableAt: now,
		CreatedAt:   now,
	}

	outcome, err := s.store.Admit(ctx, storage.Admission{
		Item:          item,
		Log:           entry,
		CooldownSince: now.Add(-s.cfg.CooldownWindow),
		DayStart:      dayStart,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		s.log.Error().Err(err).
			Str("hub_id", req.HubID).
			Str("member_id", req.MemberID).
			Str("recipe_name", req.RecipeName).
			Msg("nudge admission failed")
		return EnqueueResult{Reason: ReasonStoreUnavailable}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	switch outcome {
	case storage.RejectedDuplicate:
		span.SetAttributes(attribute.String("outcome", string(ReasonDuplicate)))
		return EnqueueResult{Reason: ReasonDuplicate}, nil
	case storage.RejectedCooldown:
		span.SetAttributes(attribute.String("outcome", string(ReasonRateLimited)))
		return EnqueueResult{Reason: ReasonRateLimited}, nil
	}

	s.log.Debug().
		Str("queue_id", item.ID).
		Str("log_id", entry.ID).
		Str("hub_id", req.HubID).
		Str("member_id", req.MemberID).
		Msg("nudge enqueued")
	return EnqueueResult{Enqueued: true, QueueID: item.ID, LogID: entry.ID}, nil
}

// Claim locks up to batchSize due items for workerID, oldest first. A
// non-positive batchSize uses the configured default.
func (s *Service) Claim(ctx context.Context, batchSize int, workerID string) ([]models.QueueItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidRequest)
	}
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	ctx, span := tracer.Start(ctx, "queue.Claim", trace.WithAttributes(attribute.String("worker_id", workerID)))
	defer span.End()

	now := s.clock.Now()
	items, err := s.store.ClaimQueueItems(ctx, storage.ClaimParams{
		WorkerID:   workerID,
		BatchSize:  batchSize,
		Now:        now,
		LeaseUntil: now.Add(s.cfg.LeaseTimeout),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	span.SetAttributes(attribute.Int("claimed", len(items)))
	return items, nil
}

func validLease(l models.Lease) error {
	switch {
	case l.QueueID == "":
		return fmt.Errorf("%w: queue id is required", ErrInvalidRequest)
	case l.WorkerID == "" || l.LockedAt.IsZero():
		return fmt.Errorf("%w: lease of %s carries no claim", ErrInvalidRequest, l.QueueID)
	}
	return nil
}

// ReportSuccess removes the item and marks its log entry sent. lease must be
// the claim the item was handed out under; once the item has been reclaimed
// by another worker the report fails with ErrStaleClaim.
func (s *Service) ReportSuccess(ctx context.Context, lease models.Lease) error {
	ctx, span := tracer.Start(ctx, "queue.ReportSuccess", trace.WithAttributes(
		attribute.String("queue_id", lease.QueueID),
		attribute.String("worker_id", lease.WorkerID),
	))
	defer span.End()

	if err := validLease(lease); err != nil {
		return err
	}
	if err := s.store.CompleteQueueItem(ctx, lease, s.clock.Now()); err != nil {
		span.RecordError(err)
		return mapStoreErr(err)
	}
	return nil
}

// Resolution describes what ReportFailure did with an item.
type Resolution struct {
	Terminal      bool
	Attempt       int
	NextAttemptAt time.Time
}

// ReportFailure records a failed attempt under lease. The item is retried
// after Backoff(attempt) unless this was attempt maxRetries or cause is
// Permanent, in which case it is removed and its log entry marked failed.
// A non-positive maxRetries uses the configured default.
func (s *Service) ReportFailure(ctx context.Context, lease models.Lease, cause error, maxRetries int) (Resolution, error) {
	ctx, span := tracer.Start(ctx, "queue.ReportFailure", trace.WithAttributes(
		attribute.String("queue_id", lease.QueueID),
		attribute.String("worker_id", lease.WorkerID),
	))
	defer span.End()

	if err := validLease(lease); err != nil {
		return Resolution{}, err
	}
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	item, err := s.store.GetQueueItem(ctx, lease.QueueID)
	if err != nil {
		span.RecordError(err)
		return Resolution{}, mapStoreErr(err)
	}
	if item == nil {
		return Resolution{}, ErrNotFound
	}
	if !item.HeldBy(lease) {
		return Resolution{}, ErrStaleClaim
	}

	now := s.clock.Now()
	text := errorText(cause)
	next := item.Attempt + 1

	if next >= maxRetries || IsPermanent(cause) {
		err := s.store.FailQueueItem(ctx, storage.Failure{
			Lease:           lease,
			ExpectedAttempt: item.Attempt,
			Error:           text,
		})
		if err != nil {
			span.RecordError(err)
			return Resolution{}, mapStoreErr(err)
		}
		span.SetAttributes(attribute.Bool("terminal", true))
		return Resolution{Terminal: true, Attempt: next}, nil
	}

	at := now.Add(Backoff(item.Attempt, s.cfg.BackoffBase, s.cfg.MaxBackoff))
	err = s.store.RescheduleQueueItem(ctx, storage.Reschedule{
		Lease:           lease,
		ExpectedAttempt: item.Attempt,
		AvailableAt:     at,
		Error:           text,
	})
	if err != nil {
		span.RecordError(err)
		return Resolution{}, mapStoreErr(err)
	}
	return Resolution{Attempt: next, NextAttemptAt: at}, nil
}

// Stats reports queue depth and log outcomes, for one hub or all of them.
func (s *Service) Stats(ctx context.Context, hubID string) (*storage.Stats, error) {
	stats, err := s.store.GetStats(ctx, hubID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return stats, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return ErrStaleClaim
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
