package delivery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/storage"
)

func newQueue(t *testing.T) (*queue.Service, *storage.SQLiteStorage) {
	t.Helper()
	return newQueueWithConfig(t, queue.Config{})
}

func newQueueWithConfig(t *testing.T, cfg queue.Config) (*queue.Service, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "nudges.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return queue.NewService(store, cfg, zerolog.Nop()), store
}

// enqueueAndClaim admits one nudge and claims it, returning the claimed item.
func enqueueAndClaim(t *testing.T, svc *queue.Service, member, channel string) models.QueueItem {
	t.Helper()
	ctx := context.Background()
	res, err := svc.Enqueue(ctx, queue.EnqueueRequest{
		HubID:      "hub_1",
		MemberID:   member,
		RecipeName: "welcome",
		Message:    "Hello " + member,
		Channel:    channel,
	})
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	items, err := svc.Claim(ctx, 1, "wrk_test")
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}
