package api

import (
	"net/http"

	"github.com/shohag/nudgequeue/internal/queue"
)

type StatsHandler struct {
	queue *queue.Service
}

func NewStatsHandler(q *queue.Service) *StatsHandler {
	return &StatsHandler{queue: q}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "nudgequeue",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	hub := HubFromContext(r.Context())
	if hub == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.queue.Stats(r.Context(), hub.ID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
