package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakePruner) PruneLogEntries(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestRunOnceUsesTTL(t *testing.T) {
	p := &fakePruner{n: 3}
	s := New(p, Config{Schedule: "@daily", LogTTL: 48 * time.Hour}, zerolog.Nop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.True(t, p.before.Equal(now.Add(-48*time.Hour)))
}

func TestRunOnceError(t *testing.T) {
	s := New(&fakePruner{err: errors.New("disk full")}, Config{LogTTL: time.Hour}, zerolog.Nop())
	_, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&fakePruner{}, Config{Schedule: "every tuesday", LogTTL: time.Hour}, zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	s := New(&fakePruner{}, Config{Schedule: "@hourly", LogTTL: time.Hour}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
