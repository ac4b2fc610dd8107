package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/nudgequeue/internal/models"
)

var (
	// ErrNotFound is returned when a queue item or log entry does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional write lost to a concurrent
	// one, including a report under a lease the item no longer holds.
	ErrConflict = errors.New("storage: conflicting update")
)

type Storage interface {
	// Hubs
	CreateHub(ctx context.Context, hub *models.Hub) error
	GetHub(ctx context.Context, id string) (*models.Hub, error)
	GetHubByAPIKey(ctx context.Context, apiKey string) (*models.Hub, error)
	ListHubs(ctx context.Context) ([]models.Hub, error)
	DeleteHub(ctx context.Context, id string) error
	UpdateHubAPIKey(ctx context.Context, id, newKey string) error
	UpdateHubWebhook(ctx context.Context, id, url, secret string) error

	// Admission
	Admit(ctx context.Context, a Admission) (AdmitOutcome, error)

	// Dispatch
	ClaimQueueItems(ctx context.Context, p ClaimParams) ([]models.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	CompleteQueueItem(ctx context.Context, lease models.Lease, sentAt time.Time) error
	RescheduleQueueItem(ctx context.Context, r Reschedule) error
	FailQueueItem(ctx context.Context, f Failure) error

	// Log
	GetLogEntry(ctx context.Context, id string) (*models.LogEntry, error)
	ListLogEntries(ctx context.Context, f LogFilter) ([]models.LogEntry, error)
	PruneLogEntries(ctx context.Context, before time.Time) (int64, error)

	// Stats
	GetStats(ctx context.Context, hubID string, now time.Time) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// AdmitOutcome is the result of an admission attempt.
type AdmitOutcome int

const (
	Admitted AdmitOutcome = iota
	RejectedCooldown
	RejectedDuplicate
)

func (o AdmitOutcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case RejectedCooldown:
		return "rate_limited"
	case RejectedDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Admission carries the rows to insert and the windows the checks run
// against. Item.LogID must equal Log.ID.
type Admission struct {
	Item *models.QueueItem
	Log  *models.LogEntry

	// CooldownSince rejects when the member has a queued or sent log entry
	// scheduled after this instant, for any recipe.
	CooldownSince time.Time
	// DayStart rejects identical content scheduled on or after this instant.
	DayStart time.Time
}

type ClaimParams struct {
	WorkerID   string
	BatchSize  int
	Now        time.Time
	LeaseUntil time.Time
}

// Reschedule releases a claim and pushes the item back. It applies only
// while Lease is the item's current claim and the attempt is unchanged.
type Reschedule struct {
	models.Lease
	ExpectedAttempt int
	AvailableAt     time.Time
	Error           string
}

// Failure terminally removes an item and marks its log entry failed, under
// the same conditions as Reschedule.
type Failure struct {
	models.Lease
	ExpectedAttempt int
	Error           string
}

type LogFilter struct {
	HubID      string
	MemberID   string
	RecipeName string
	Status     models.LogStatus
	Limit      int
	Offset     int
}

type Stats struct {
	ReadyItems    int64   `json:"ready_items"`
	DelayedItems  int64   `json:"delayed_items"`
	LockedItems   int64   `json:"locked_items"`
	ExpiredLeases int64   `json:"expired_leases"`
	QueuedLogs    int64   `json:"queued_logs"`
	SentLogs      int64   `json:"sent_logs"`
	FailedLogs    int64   `json:"failed_logs"`
	DeliveryRate  float64 `json:"delivery_rate"`
}
