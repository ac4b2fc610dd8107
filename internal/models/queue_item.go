package models

import "time"

// DefaultChannel is used when a producer does not name a channel.
const DefaultChannel = "generic"

// Payload is what a sender receives for one nudge.
type Payload struct {
	Message   string         `json:"message"`
	Variables map[string]any `json:"variables"`
	Channel   string         `json:"channel"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueueItem is an admitted delivery that has neither succeeded nor terminally
// failed. It is deleted once resolved; the LogEntry keeps the history.
type QueueItem struct {
	ID         string  `json:"id"`
	LogID      string  `json:"log_id,omitempty"`
	HubID      string  `json:"hub_id"`
	MemberID   string  `json:"member_id"`
	RecipeName string  `json:"recipe_name"`
	Payload    Payload `json:"payload"`

	AvailableAt    time.Time  `json:"available_at"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempt        int        `json:"attempt"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Locked reports whether the item is held by a live claim at now.
func (q QueueItem) Locked(now time.Time) bool {
	if q.LockedAt == nil {
		return false
	}
	return q.LeaseExpiresAt == nil || q.LeaseExpiresAt.After(now)
}

// Lease identifies one claim on a queue item. Outcome reports present it so
// a worker whose claim lapsed cannot resolve an item someone else now holds.
type Lease struct {
	QueueID  string    `json:"queue_id"`
	WorkerID string    `json:"worker_id"`
	LockedAt time.Time `json:"locked_at"`
}

// Lease returns the claim the item was handed out under.
func (q QueueItem) Lease() Lease {
	l := Lease{QueueID: q.ID, WorkerID: q.LockedBy}
	if q.LockedAt != nil {
		l.LockedAt = *q.LockedAt
	}
	return l
}

// HeldBy reports whether l is the item's current claim. Lock times compare
// at millisecond precision, which is what the stores keep.
func (q QueueItem) HeldBy(l Lease) bool {
	return q.LockedAt != nil &&
		q.LockedBy == l.WorkerID &&
		q.LockedAt.UnixMilli() == l.LockedAt.UnixMilli()
}
