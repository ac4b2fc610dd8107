package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/nudgequeue/internal/models"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func admission(hub, member, recipe, hash string, at time.Time) Admission {
	lg := &models.LogEntry{
		ID:          models.NewID("nlog"),
		HubID:       hub,
		MemberID:    member,
		RecipeName:  recipe,
		Channel:     models.DefaultChannel,
		Message:     "hello " + member,
		MessageHash: hash,
		Status:      models.LogQueued,
		ScheduledAt: at,
		DayBucket:   at.Format(time.DateOnly),
		CreatedAt:   at,
	}
	it := &models.QueueItem{
		ID:         models.NewID("nq"),
		LogID:      lg.ID,
		HubID:      hub,
		MemberID:   member,
		RecipeName: recipe,
		Payload: models.Payload{
			Message:   lg.Message,
			Variables: map[string]any{"name": member},
			Channel:   models.DefaultChannel,
		},
		AvailableAt: at,
		CreatedAt:   at,
	}
	y, m, d := at.Date()
	return Admission{
		Item:          it,
		Log:           lg,
		CooldownSince: at.Add(-6 * time.Hour),
		DayStart:      time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

func mustAdmit(t *testing.T, s Storage, a Admission) {
	t.Helper()
	out, err := s.Admit(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, Admitted, out)
}

func mustClaim(t *testing.T, s Storage, worker string, n int, now time.Time) []models.QueueItem {
	t.Helper()
	items, err := s.ClaimQueueItems(context.Background(), ClaimParams{
		WorkerID: worker, BatchSize: n, Now: now, LeaseUntil: now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	return items
}

// runStorageSuite exercises behaviour every backend must share.
func runStorageSuite(t *testing.T, open func(t *testing.T) Storage) {
	t.Run("Hubs", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		hub := &models.Hub{
			ID:        models.NewID("hub"),
			Name:      "Book Club",
			APIKey:    models.NewAPIKey(),
			CreatedAt: base,
			UpdatedAt: base,
		}
		require.NoError(t, s.CreateHub(ctx, hub))

		got, err := s.GetHub(ctx, hub.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Book Club", got.Name)
		assert.True(t, got.CreatedAt.Equal(base))

		byKey, err := s.GetHubByAPIKey(ctx, hub.APIKey)
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, hub.ID, byKey.ID)

		missing, err := s.GetHubByAPIKey(ctx, "hk_nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, s.UpdateHubWebhook(ctx, hub.ID, "https://example.test/hook", "whsec_x"))
		assert.ErrorIs(t, s.UpdateHubWebhook(ctx, "hub_missing", "u", "s"), ErrNotFound)

		newKey := models.NewAPIKey()
		require.NoError(t, s.UpdateHubAPIKey(ctx, hub.ID, newKey))
		got, err = s.GetHub(ctx, hub.ID)
		require.NoError(t, err)
		assert.Equal(t, newKey, got.APIKey)
		assert.Equal(t, "https://example.test/hook", got.WebhookURL)

		hubs, err := s.ListHubs(ctx)
		require.NoError(t, err)
		assert.Len(t, hubs, 1)

		require.NoError(t, s.DeleteHub(ctx, hub.ID))
		got, err = s.GetHub(ctx, hub.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("AdmitChecks", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		mustAdmit(t, s, admission("hub_1", "alice", "welcome", "h1", base))

		out, err := s.Admit(ctx, admission("hub_1", "alice", "welcome", "h1", base.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, RejectedDuplicate, out)

		out, err = s.Admit(ctx, admission("hub_1", "alice", "digest", "h2", base.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, RejectedCooldown, out)

		mustAdmit(t, s, admission("hub_1", "bob", "digest", "h2", base.Add(time.Hour)))

		logs, err := s.ListLogEntries(ctx, LogFilter{HubID: "hub_1"})
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("AdmitUniqueIndexBacksDuplicateCheck", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		mustAdmit(t, s, admission("hub_1", "carol", "welcome", "h1", base))

		// Skip the pre-check and the cooldown so only the index can reject.
		a := admission("hub_1", "carol", "welcome", "h1", base.Add(time.Minute))
		a.DayStart = base.Add(24 * time.Hour)
		a.CooldownSince = base.Add(24 * time.Hour)
		out, err := s.Admit(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, RejectedDuplicate, out)

		item, err := s.GetQueueItem(ctx, a.Item.ID)
		require.NoError(t, err)
		assert.Nil(t, item, "rejected admission must not leave a queue item")
	})

	t.Run("ClaimLeaseAndResolve", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a1 := admission("hub_1", "m1", "welcome", "h1", base)
		a2 := admission("hub_1", "m2", "welcome", "h2", base.Add(time.Second))
		a3 := admission("hub_1", "m3", "welcome", "h3", base.Add(time.Hour))
		mustAdmit(t, s, a1)
		mustAdmit(t, s, a2)
		mustAdmit(t, s, a3)

		now := base.Add(time.Minute)
		items, err := s.ClaimQueueItems(ctx, ClaimParams{WorkerID: "w1", BatchSize: 5, Now: now, LeaseUntil: now.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, a1.Item.ID, items[0].ID)
		assert.Equal(t, a2.Item.ID, items[1].ID)
		assert.Equal(t, "w1", items[0].LockedBy)
		assert.Equal(t, "m1", items[0].Payload.Variables["name"])

		again, err := s.ClaimQueueItems(ctx, ClaimParams{WorkerID: "w2", BatchSize: 5, Now: now, LeaseUntil: now.Add(time.Minute)})
		require.NoError(t, err)
		assert.Empty(t, again)

		stats, err := s.GetStats(ctx, "hub_1", now)
		require.NoError(t, err)
		assert.EqualValues(t, 0, stats.ReadyItems)
		assert.EqualValues(t, 1, stats.DelayedItems)
		assert.EqualValues(t, 2, stats.LockedItems)
		assert.EqualValues(t, 3, stats.QueuedLogs)

		require.NoError(t, s.CompleteQueueItem(ctx, items[0].Lease(), now))
		assert.ErrorIs(t, s.CompleteQueueItem(ctx, items[0].Lease(), now), ErrNotFound)

		err = s.RescheduleQueueItem(ctx, Reschedule{Lease: items[1].Lease(), ExpectedAttempt: 3, AvailableAt: now})
		assert.ErrorIs(t, err, ErrConflict)
		require.NoError(t, s.RescheduleQueueItem(ctx, Reschedule{
			Lease: items[1].Lease(), ExpectedAttempt: 0, AvailableAt: now.Add(time.Minute), Error: "boom",
		}))

		later := now.Add(2 * time.Minute)
		items, err = s.ClaimQueueItems(ctx, ClaimParams{WorkerID: "w2", BatchSize: 1, Now: later, LeaseUntil: later.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, a2.Item.ID, items[0].ID)
		assert.Equal(t, 1, items[0].Attempt)

		require.NoError(t, s.FailQueueItem(ctx, Failure{Lease: items[0].Lease(), ExpectedAttempt: 1, Error: "gone"}))

		sent, err := s.GetLogEntry(ctx, a1.Log.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LogSent, sent.Status)
		assert.Equal(t, 1, sent.Attempt)

		failed, err := s.GetLogEntry(ctx, a2.Log.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LogFailed, failed.Status)
		assert.Equal(t, 2, failed.Attempt)
		assert.Equal(t, "gone", failed.Error)
		assert.Nil(t, failed.SentAt)

		stats, err = s.GetStats(ctx, "", later)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.SentLogs)
		assert.EqualValues(t, 1, stats.FailedLogs)
		assert.InDelta(t, 50.0, stats.DeliveryRate, 0.001)
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a := admission("hub_1", "m1", "welcome", "h1", base)
		mustAdmit(t, s, a)

		_, err := s.ClaimQueueItems(ctx, ClaimParams{WorkerID: "w1", BatchSize: 1, Now: base, LeaseUntil: base.Add(time.Minute)})
		require.NoError(t, err)

		after := base.Add(time.Minute)
		stats, err := s.GetStats(ctx, "", after)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.ExpiredLeases)

		items, err := s.ClaimQueueItems(ctx, ClaimParams{WorkerID: "w2", BatchSize: 1, Now: after, LeaseUntil: after.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "w2", items[0].LockedBy)
	})

	t.Run("ItemWithoutLogIDFallsBackToNewestQueuedLog", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a := admission("hub_1", "m1", "welcome", "h1", base)
		a.Item.LogID = ""
		mustAdmit(t, s, a)
		items := mustClaim(t, s, "w1", 1, base)

		require.NoError(t, s.CompleteQueueItem(ctx, items[0].Lease(), base.Add(time.Second)))

		lg, err := s.GetLogEntry(ctx, a.Log.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LogSent, lg.Status)
	})

	t.Run("ListAndPrune", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var admitted []Admission
		for i := 0; i < 4; i++ {
			a := admission("hub_1", fmt.Sprintf("m%d", i), "welcome", fmt.Sprintf("h%d", i), base.Add(time.Duration(i)*time.Hour))
			mustAdmit(t, s, a)
			admitted = append(admitted, a)
		}
		claimed := mustClaim(t, s, "w1", 4, base.Add(4*time.Hour))
		require.Len(t, claimed, 4)
		require.NoError(t, s.CompleteQueueItem(ctx, claimed[0].Lease(), base))
		require.NoError(t, s.FailQueueItem(ctx, Failure{Lease: claimed[1].Lease(), Error: "x"}))
		require.NoError(t, s.CompleteQueueItem(ctx, claimed[3].Lease(), base))

		queued, err := s.ListLogEntries(ctx, LogFilter{Status: models.LogQueued})
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, admitted[2].Log.ID, queued[0].ID)

		page, err := s.ListLogEntries(ctx, LogFilter{HubID: "hub_1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, admitted[3].Log.ID, page[0].ID, "newest first")

		n, err := s.PruneLogEntries(ctx, base.Add(150*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		rest, err := s.ListLogEntries(ctx, LogFilter{})
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("ReportsAreFencedByLease", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a := admission("hub_1", "m1", "welcome", "h1", base)
		mustAdmit(t, s, a)

		stale := mustClaim(t, s, "w1", 1, base)[0].Lease()
		live := mustClaim(t, s, "w2", 1, base.Add(time.Minute))[0].Lease()

		assert.ErrorIs(t, s.FailQueueItem(ctx, Failure{Lease: stale, Error: "late"}), ErrConflict)
		assert.ErrorIs(t, s.RescheduleQueueItem(ctx, Reschedule{Lease: stale, AvailableAt: base}), ErrConflict)
		assert.ErrorIs(t, s.CompleteQueueItem(ctx, stale, base), ErrConflict)

		// same worker, different claim
		again := live
		again.LockedAt = stale.LockedAt
		assert.ErrorIs(t, s.CompleteQueueItem(ctx, again, base), ErrConflict)

		item, err := s.GetQueueItem(ctx, a.Item.ID)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.True(t, item.HeldBy(live))
		assert.Equal(t, 0, item.Attempt)

		lg, err := s.GetLogEntry(ctx, a.Log.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LogQueued, lg.Status)
		assert.Empty(t, lg.Error)

		require.NoError(t, s.CompleteQueueItem(ctx, live, base.Add(time.Minute)))
	})

	t.Run("ConcurrentAdmitsForOneMember", func(t *testing.T) {
		s := open(t)

		const callers = 12
		outcomes := make([]AdmitOutcome, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a := admission("hub_1", "zoe", fmt.Sprintf("recipe-%02d", i), fmt.Sprintf("h%d", i), base)
				outcomes[i], errs[i] = s.Admit(context.Background(), a)
			}()
		}
		wg.Wait()

		counts := map[AdmitOutcome]int{}
		for i := range outcomes {
			require.NoError(t, errs[i])
			counts[outcomes[i]]++
		}
		assert.Equal(t, 1, counts[Admitted])
		assert.Equal(t, callers-1, counts[RejectedCooldown])

		logs, err := s.ListLogEntries(context.Background(), LogFilter{HubID: "hub_1", MemberID: "zoe"})
		require.NoError(t, err)
		assert.Len(t, logs, 1)
	})
}
