package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/storage"
)

type HubHandler struct {
	store storage.Storage
}

func NewHubHandler(store storage.Storage) *HubHandler {
	return &HubHandler{store: store}
}

type createHubRequest struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
}

type webhookRequest struct {
	URL string `json:"url"`
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// redact hides credentials on read paths; they are only shown when issued.
func redact(hub *models.Hub) {
	hub.APIKey = ""
	hub.WebhookSecret = ""
}

func (h *HubHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createHubRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.WebhookURL != "" && !validWebhookURL(req.WebhookURL) {
		writeError(w, http.StatusBadRequest, "webhook_url must be a valid HTTP or HTTPS URL")
		return
	}

	now := time.Now().UTC()
	hub := &models.Hub{
		ID:         models.NewID("hub"),
		Name:       req.Name,
		APIKey:     models.NewAPIKey(),
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if hub.WebhookURL != "" {
		hub.WebhookSecret = models.NewSecret()
	}

	if err := h.store.CreateHub(r.Context(), hub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create hub")
		return
	}

	writeJSON(w, http.StatusCreated, hub)
}

func (h *HubHandler) Get(w http.ResponseWriter, r *http.Request) {
	hub, ok := h.load(w, r)
	if !ok {
		return
	}
	redact(hub)
	writeJSON(w, http.StatusOK, hub)
}

func (h *HubHandler) List(w http.ResponseWriter, r *http.Request) {
	hubs, err := h.store.ListHubs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hubs")
		return
	}
	for i := range hubs {
		redact(&hubs[i])
	}
	if hubs == nil {
		hubs = []models.Hub{}
	}
	writeJSON(w, http.StatusOK, hubs)
}

func (h *HubHandler) Delete(w http.ResponseWriter, r *http.Request) {
	hub, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteHub(r.Context(), hub.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete hub")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HubHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	hub, ok := h.load(w, r)
	if !ok {
		return
	}

	newKey := models.NewAPIKey()
	if err := h.store.UpdateHubAPIKey(r.Context(), hub.ID, newKey); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}

// SetWebhook replaces the hub's webhook and issues a fresh signing secret.
// An empty url removes the webhook.
func (h *HubHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	hub, ok := h.load(w, r)
	if !ok {
		return
	}

	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL != "" && !validWebhookURL(req.URL) {
		writeError(w, http.StatusBadRequest, "url must be a valid HTTP or HTTPS URL")
		return
	}

	secret := ""
	if req.URL != "" {
		secret = models.NewSecret()
	}
	if err := h.store.UpdateHubWebhook(r.Context(), hub.ID, req.URL, secret); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"webhook_url":    req.URL,
		"webhook_secret": secret,
	})
}

func (h *HubHandler) load(w http.ResponseWriter, r *http.Request) (*models.Hub, bool) {
	hub, err := h.store.GetHub(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get hub")
		return nil, false
	}
	if hub == nil {
		writeError(w, http.StatusNotFound, "hub not found")
		return nil, false
	}
	return hub, true
}
