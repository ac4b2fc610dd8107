package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/render"
	"github.com/shohag/nudgequeue/internal/storage"
)

type NudgeHandler struct {
	store storage.Storage
	queue *queue.Service
}

func NewNudgeHandler(store storage.Storage, q *queue.Service) *NudgeHandler {
	return &NudgeHandler{store: store, queue: q}
}

// enqueueRequest carries either a rendered message or a template that is
// rendered here with variables.
type enqueueRequest struct {
	MemberID   string         `json:"member_id"`
	RecipeName string         `json:"recipe_name"`
	Message    string         `json:"message"`
	Template   string         `json:"template"`
	Variables  map[string]any `json:"variables"`
	Channel    string         `json:"channel"`
	Metadata   map[string]any `json:"metadata"`
}

func (h *NudgeHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	hub := HubFromContext(r.Context())
	if hub == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message != "" && req.Template != "" {
		writeError(w, http.StatusBadRequest, "message and template are mutually exclusive")
		return
	}
	message := req.Message
	if req.Template != "" {
		message = render.Render(req.Template, req.Variables)
	}

	res, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		HubID:      hub.ID,
		MemberID:   req.MemberID,
		RecipeName: req.RecipeName,
		Message:    message,
		Variables:  req.Variables,
		Channel:    req.Channel,
		Metadata:   req.Metadata,
	})
	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, res)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to enqueue nudge")
	case res.Enqueued:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *NudgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	hub := HubFromContext(r.Context())
	if hub == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	entry, err := h.store.GetLogEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if entry == nil || entry.HubID != hub.ID {
		writeError(w, http.StatusNotFound, "nudge not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *NudgeHandler) List(w http.ResponseWriter, r *http.Request) {
	hub := HubFromContext(r.Context())
	if hub == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit > 500 {
		limit = 500
	}

	status := models.LogStatus(q.Get("status"))
	switch status {
	case "", models.LogQueued, models.LogSent, models.LogFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be queued, sent or failed")
		return
	}

	entries, err := h.store.ListLogEntries(r.Context(), storage.LogFilter{
		HubID:      hub.ID,
		MemberID:   q.Get("member_id"),
		RecipeName: q.Get("recipe_name"),
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
