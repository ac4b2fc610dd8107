package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/signing"
)

const (
	HeaderID        = "X-Nudge-ID"
	HeaderTimestamp = "X-Nudge-Timestamp"
	HeaderSignature = "X-Nudge-Signature"
)

// HubLookup resolves the hub whose webhook receives a nudge.
type HubLookup interface {
	GetHub(ctx context.Context, id string) (*models.Hub, error)
}

// WebhookBody is the JSON document POSTed to a hub's webhook.
type WebhookBody struct {
	ID         string         `json:"id"`
	LogID      string         `json:"log_id,omitempty"`
	HubID      string         `json:"hub_id"`
	MemberID   string         `json:"member_id"`
	RecipeName string         `json:"recipe_name"`
	Channel    string         `json:"channel"`
	Message    string         `json:"message"`
	Variables  map[string]any `json:"variables"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Attempt    int            `json:"attempt"`
}

type WebhookSender struct {
	hubs      HubLookup
	client    *http.Client
	userAgent string
}

func NewWebhookSender(hubs HubLookup, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		hubs:      hubs,
		client:    &http.Client{Timeout: timeout},
		userAgent: "NudgeQueue/1.0",
	}
}

func (s *WebhookSender) Send(ctx context.Context, item models.QueueItem) error {
	hub, err := s.hubs.GetHub(ctx, item.HubID)
	if err != nil {
		return fmt.Errorf("load hub %s: %w", item.HubID, err)
	}
	if hub == nil {
		return queue.Permanent(fmt.Errorf("hub %s not found", item.HubID))
	}
	if hub.WebhookURL == "" {
		return queue.Permanent(errors.New("hub has no webhook url"))
	}

	payload, err := json.Marshal(WebhookBody{
		ID:         item.ID,
		LogID:      item.LogID,
		HubID:      item.HubID,
		MemberID:   item.MemberID,
		RecipeName: item.RecipeName,
		Channel:    item.Payload.Channel,
		Message:    item.Payload.Message,
		Variables:  item.Payload.Variables,
		Metadata:   item.Payload.Metadata,
		Attempt:    item.Attempt + 1,
	})
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderID, item.ID)
	if hub.WebhookSecret != "" {
		signature, timestamp := signing.Sign(hub.WebhookSecret, item.ID, payload, time.Now())
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(HeaderSignature, signature)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return statusError(resp.StatusCode, string(body))
}
