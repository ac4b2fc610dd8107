package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/signing"
)

type hubMap map[string]*models.Hub

func (m hubMap) GetHub(_ context.Context, id string) (*models.Hub, error) {
	return m[id], nil
}

func webhookItem() models.QueueItem {
	return models.QueueItem{
		ID:         "nq_1",
		LogID:      "nlog_1",
		HubID:      "hub_1",
		MemberID:   "alice",
		RecipeName: "welcome",
		Payload: models.Payload{
			Message:   "Hello Alice",
			Variables: map[string]any{"name": "Alice"},
			Channel:   "webhook",
		},
		Attempt: 2,
	}
}

func TestWebhookSenderSignsAndPosts(t *testing.T) {
	var (
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hubs := hubMap{"hub_1": {ID: "hub_1", WebhookURL: srv.URL, WebhookSecret: "whsec_test"}}
	err := NewWebhookSender(hubs, time.Second).Send(context.Background(), webhookItem())
	require.NoError(t, err)

	var got WebhookBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "nq_1", got.ID)
	assert.Equal(t, "nlog_1", got.LogID)
	assert.Equal(t, "Hello Alice", got.Message)
	assert.Equal(t, 3, got.Attempt)

	assert.Equal(t, "nq_1", headers.Get(HeaderID))
	ts, err := strconv.ParseInt(headers.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, signing.Verify("whsec_test", "nq_1", body, ts, headers.Get(HeaderSignature)))
}

func TestWebhookSenderClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusNotFound, true, true},
		{http.StatusUnprocessableEntity, true, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			hubs := hubMap{"hub_1": {ID: "hub_1", WebhookURL: srv.URL}}
			err := NewWebhookSender(hubs, time.Second).Send(context.Background(), webhookItem())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
		})
	}
}

func TestWebhookSenderNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	hubs := hubMap{"hub_1": {ID: "hub_1", WebhookURL: url}}
	err := NewWebhookSender(hubs, time.Second).Send(context.Background(), webhookItem())
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestWebhookSenderMissingHubOrURL(t *testing.T) {
	s := NewWebhookSender(hubMap{"hub_1": {ID: "hub_1"}}, time.Second)

	err := s.Send(context.Background(), webhookItem())
	assert.True(t, queue.IsPermanent(err))

	item := webhookItem()
	item.HubID = "hub_gone"
	err = s.Send(context.Background(), item)
	assert.True(t, queue.IsPermanent(err))
}
