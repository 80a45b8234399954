package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTouch_FirstThenWithin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	within, err := s.Touch(ctx, "203.0.113.5", 15*time.Minute)
	require.NoError(t, err)
	require.False(t, within, "first sighting must not be a duplicate")

	within, err = s.Touch(ctx, "203.0.113.5", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, within, "second sighting inside the window is a duplicate")

	rec, err := s.GetActivity(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 2, rec.UsageCount)
}

func TestTouch_OutsideWindowRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	_, err := s.Touch(ctx, "198.51.100.7", 15*time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Hour) }
	within, err := s.Touch(ctx, "198.51.100.7", 15*time.Minute)
	require.NoError(t, err)
	require.False(t, within, "stale record is not a duplicate")

	rec, err := s.GetActivity(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.Equal(t, 2, rec.UsageCount, "counter still increments on stale touch")
	require.True(t, rec.LastSeen.After(base), "timestamp refreshed on stale touch")
}

func TestTouch_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var notDuplicate atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			within, err := s.Touch(ctx, "192.0.2.99", 15*time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if !within {
				notDuplicate.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), notDuplicate.Load(),
		"exactly one concurrent caller may observe a fresh IP")

	rec, err := s.GetActivity(ctx, "192.0.2.99")
	require.NoError(t, err)
	require.Equal(t, workers, rec.UsageCount)
}

func TestSweepInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	_, err := s.Touch(ctx, "203.0.113.1", time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(40 * 24 * time.Hour) }
	_, err = s.Touch(ctx, "203.0.113.2", time.Minute)
	require.NoError(t, err)

	n, err := s.SweepInactive(ctx, base.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rec, err := s.GetActivity(ctx, "203.0.113.1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestAddOrRenew_CountMonotonicExpiryForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hour := time.Hour
	day := 24 * time.Hour

	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.5", "sshd", &hour, false))
	rec, err := s.GetBan(ctx, "203.0.113.5", "sshd")
	require.NoError(t, err)
	require.Equal(t, 1, rec.UsageCount)
	require.NotNil(t, rec.ExpireAt)
	first := *rec.ExpireAt

	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.5", "sshd", &day, false))
	rec, err = s.GetBan(ctx, "203.0.113.5", "sshd")
	require.NoError(t, err)
	require.Equal(t, 2, rec.UsageCount)
	require.True(t, rec.ExpireAt.After(first), "expiry moved forward")

	// A shorter renew must not pull the expiry back.
	long := *rec.ExpireAt
	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.5", "sshd", &hour, false))
	rec, err = s.GetBan(ctx, "203.0.113.5", "sshd")
	require.NoError(t, err)
	require.Equal(t, 3, rec.UsageCount)
	require.False(t, rec.ExpireAt.Before(long), "expiry must never move backward silently")
}

func TestAddOrRenew_PermanentPolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hour := time.Hour

	require.NoError(t, s.AddOrRenew(ctx, "198.51.100.9", "apache-badget", nil, false))
	rec, err := s.GetBan(ctx, "198.51.100.9", "apache-badget")
	require.NoError(t, err)
	require.Nil(t, rec.ExpireAt, "nil duration is a permanent ban")

	// Temporary renew without force is a no-op on the expiry.
	require.NoError(t, s.AddOrRenew(ctx, "198.51.100.9", "apache-badget", &hour, false))
	rec, err = s.GetBan(ctx, "198.51.100.9", "apache-badget")
	require.NoError(t, err)
	require.Nil(t, rec.ExpireAt, "permanent ban survives an unforced temporary renew")
	require.Equal(t, 2, rec.UsageCount)

	// Forced downgrade is explicit.
	require.NoError(t, s.AddOrRenew(ctx, "198.51.100.9", "apache-badget", &hour, true))
	rec, err = s.GetBan(ctx, "198.51.100.9", "apache-badget")
	require.NoError(t, err)
	require.NotNil(t, rec.ExpireAt)
}

func TestBanLifecycle_ExpireScanRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	short := 10 * time.Minute
	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.10", "sshd", &short, false))
	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.11", "sshd", nil, false))

	expired, err := s.ListExpired(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []BanKey{{IP: "203.0.113.10", Jail: "sshd"}}, expired)

	active, err := s.ActiveBans(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "203.0.113.11", active[0].IP)

	require.NoError(t, s.Remove(ctx, "203.0.113.10", "sshd"))
	require.NoError(t, s.Remove(ctx, "203.0.113.10", "sshd"), "double remove is not an error")

	rec, err := s.GetBan(ctx, "203.0.113.10", "sshd")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestSameIPDistinctJails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hour := time.Hour

	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.20", "sshd", &hour, false))
	require.NoError(t, s.AddOrRenew(ctx, "203.0.113.20", "apache-badget", &hour, false))

	a, err := s.GetBan(ctx, "203.0.113.20", "sshd")
	require.NoError(t, err)
	b, err := s.GetBan(ctx, "203.0.113.20", "apache-badget")
	require.NoError(t, err)
	require.Equal(t, 1, a.UsageCount)
	require.Equal(t, 1, b.UsageCount)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.LoadCheckpoint(ctx, "/var/log/auth.log")
	require.NoError(t, err)
	require.True(t, ts.IsZero(), "missing checkpoint loads as zero time")

	want := time.Date(2026, 7, 14, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, "/var/log/auth.log", want))
	require.NoError(t, s.SaveCheckpoint(ctx, "/var/log/auth.log", want.Add(time.Minute)))

	got, err := s.LoadCheckpoint(ctx, "/var/log/auth.log")
	require.NoError(t, err)
	require.True(t, got.Equal(want.Add(time.Minute)))
}
