package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shohag/nudgequeue/internal/models"
)

// LogSender writes nudges to the log instead of delivering them.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, item models.QueueItem) error {
	s.log.Info().
		Str("queue_id", item.ID).
		Str("hub_id", item.HubID).
		Str("member_id", item.MemberID).
		Str("recipe_name", item.RecipeName).
		Str("channel", item.Payload.Channel).
		Str("message", item.Payload.Message).
		Msg("nudge delivered (dry run)")
	return nil
}
