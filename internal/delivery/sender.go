package delivery

import (
	"context"
	"fmt"
	"sort"

	"github.com/shohag/nudgequeue/internal/models"
)

// Sender delivers one nudge. Returning an error wrapped with queue.Permanent
// fails the item without spending its remaining retries.
type Sender interface {
	Send(ctx context.Context, item models.QueueItem) error
}

type SenderFunc func(ctx context.Context, item models.QueueItem) error

func (f SenderFunc) Send(ctx context.Context, item models.QueueItem) error {
	return f(ctx, item)
}

// Router maps payload channels to senders.
type Router struct {
	senders map[string]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

func (r *Router) Handle(channel string, s Sender) {
	r.senders[channel] = s
}

func (r *Router) Route(channel string) (Sender, bool) {
	if channel == "" {
		channel = models.DefaultChannel
	}
	s, ok := r.senders[channel]
	return s, ok
}

func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// BuildRouter wires channel routes to named senders. routes maps a channel
// to a sender name such as "webhook"; unknown names are an error.
func BuildRouter(routes map[string]string, available map[string]Sender) (*Router, error) {
	r := NewRouter()
	for channel, name := range routes {
		s, ok := available[name]
		if !ok || s == nil {
			return nil, fmt.Errorf("delivery: route %q uses unavailable sender %q", channel, name)
		}
		r.Handle(channel, s)
	}
	if _, ok := r.Route(models.DefaultChannel); !ok {
		if s, ok := available["log"]; ok && s != nil {
			r.Handle(models.DefaultChannel, s)
		}
	}
	return r, nil
}
