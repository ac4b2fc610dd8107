package models

import "time"

type LogStatus string

const (
	LogQueued LogStatus = "queued"
	LogSent   LogStatus = "sent"
	LogFailed LogStatus = "failed"
)

// LogEntry is the durable history of one nudge. Its status only moves
// queued -> sent or queued -> failed.
type LogEntry struct {
	ID          string     `json:"id"`
	HubID       string     `json:"hub_id"`
	MemberID    string     `json:"member_id"`
	RecipeName  string     `json:"recipe_name"`
	Channel     string     `json:"channel"`
	Message     string     `json:"message"`
	MessageHash string     `json:"message_hash"`
	Status      LogStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DayBucket   string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
}
