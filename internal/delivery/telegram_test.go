package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
)

func fakeBotAPI(t *testing.T, reply string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramSenderSendsToMetadataChat(t *testing.T) {
	var got map[string]any
	srv := fakeBotAPI(t, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":4242,"type":"private"},"text":"hi"}}`, &got)

	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: srv.URL})
	require.NoError(t, err)

	item := models.QueueItem{
		ID:       "nq_1",
		MemberID: "alice",
		Payload: models.Payload{
			Message:  "hi",
			Metadata: map[string]any{MetadataChatID: float64(4242)},
		},
	}
	require.NoError(t, s.Send(context.Background(), item))
	assert.Equal(t, "4242", got["chat_id"])
	assert.Equal(t, "hi", got["text"])
}

func TestTelegramSenderBlockedIsPermanent(t *testing.T) {
	srv := fakeBotAPI(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, nil)

	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: srv.URL})
	require.NoError(t, err)

	err = s.Send(context.Background(), models.QueueItem{MemberID: "99", Payload: models.Payload{Message: "hi"}})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestTelegramSenderWithoutChatID(t *testing.T) {
	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	err = s.Send(context.Background(), models.QueueItem{MemberID: "alice", Payload: models.Payload{Message: "hi"}})
	assert.True(t, queue.IsPermanent(err))
}

func TestNewTelegramSenderRequiresToken(t *testing.T) {
	_, err := NewTelegramSender(TelegramConfig{})
	assert.Error(t, err)
}

func TestTelegramSenderHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: srv.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = s.Send(ctx, models.QueueItem{MemberID: "99", Payload: models.Payload{Message: "hi"}})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
