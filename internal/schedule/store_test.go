package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookaware/internal/components/chrono"
	"bookaware/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)

func openTestStore(t testing.TB, path string, clock chrono.TimeAPI) (*Store, *telemetry.RecordingAPI) {
	t.Helper()
	tel := &telemetry.RecordingAPI{}
	store, err := Open(context.Background(), Options{
		Path:     path,
		Interval: 6 * time.Hour,
		Time:     clock,
	}, tel)
	require.NoError(t, err)
	return store, tel
}

func TestFirstRun(t *testing.T) {
	ctx := context.Background()
	clock := chrono.NewFakeTime(epoch)
	store, _ := openTestStore(t, ":memory:", clock)
	defer store.Close()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, state.LastScrape.IsZero())
	require.True(t, state.NextScrape.Equal(epoch))
	require.True(t, state.Due(epoch, time.Time{}))

	_, ok, err := store.LastScrape(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordScrapeAttempt(t *testing.T) {
	ctx := context.Background()
	clock := chrono.NewFakeTime(epoch)
	store, _ := openTestStore(t, ":memory:", clock)
	defer store.Close()

	attempts := []time.Time{
		epoch,
		epoch.Add(90 * time.Minute),
		epoch.Add(-48 * time.Hour),
		epoch.Add(365 * 24 * time.Hour),
	}
	for _, at := range attempts {
		require.NoError(t, store.RecordScrapeAttempt(ctx, at))

		state, err := store.Load(ctx)
		require.NoError(t, err)
		require.True(t, state.LastScrape.Equal(at))
		require.True(t, state.NextScrape.Equal(at.Add(6*time.Hour)))
	}
}

func TestRequestRefresh(t *testing.T) {
	ctx := context.Background()
	clock := chrono.NewFakeTime(epoch)
	store, tel := openTestStore(t, ":memory:", clock)
	defer store.Close()

	// soft refresh before anything was ever scraped
	applied, err := store.RequestRefresh(ctx, SoftRefresh, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, applied)
	next, err := store.NextScrape(ctx)
	require.NoError(t, err)
	require.True(t, next.Equal(epoch.Add(time.Minute)))

	require.NoError(t, store.RecordScrapeAttempt(ctx, epoch))

	cases := []struct {
		kind    RefreshKind
		at      time.Time
		applied bool
	}{
		{SoftRefresh, epoch.Add(time.Minute), false},
		{SoftRefresh, epoch.Add(SoftRefreshCooldown), false},
		{Force, epoch.Add(time.Minute), true},
		{Force, epoch, true},
		{SoftRefresh, epoch.Add(SoftRefreshCooldown + time.Second), true},
	}
	for _, test := range cases {
		// reset the deadline before each request
		require.NoError(t, store.RecordScrapeAttempt(ctx, epoch))

		applied, err := store.RequestRefresh(ctx, test.kind, test.at)
		require.NoError(t, err)
		require.Equal(t, test.applied, applied, "%v at %v", test.kind, test.at)

		state, err := store.Load(ctx)
		require.NoError(t, err)
		require.True(t, state.LastScrape.Equal(epoch))
		if test.applied {
			require.True(t, state.NextScrape.Equal(test.at))
		} else {
			require.True(t, state.NextScrape.Equal(epoch.Add(6*time.Hour)))
		}
	}

	require.Len(t, tel.Reports("warning", report_store_request_refresh), 2)

	_, err = store.RequestRefresh(ctx, RefreshKind(42), epoch)
	require.Error(t, err)
}

func TestDue(t *testing.T) {
	state := State{
		LastScrape: epoch,
		NextScrape: epoch.Add(6 * time.Hour),
	}

	require.False(t, state.Due(epoch.Add(time.Hour), epoch))
	require.True(t, state.Due(epoch.Add(6*time.Hour), epoch))
	require.True(t, state.Due(epoch.Add(7*time.Hour), epoch))

	// clock went back before the last attempt
	require.True(t, state.Due(epoch.Add(-time.Minute), time.Time{}))
	// clock went back before the last check
	require.True(t, state.Due(epoch.Add(2*time.Hour), epoch.Add(3*time.Hour)))

	never := State{NextScrape: epoch}
	require.False(t, never.Due(epoch.Add(-time.Hour), time.Time{}))
	require.True(t, never.Due(epoch, time.Time{}))
}

func TestPersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bookaware.db")
	clock := chrono.NewFakeTime(epoch)

	store, _ := openTestStore(t, path, clock)
	require.NoError(t, store.RecordScrapeAttempt(ctx, epoch))

	// a second process cannot open the same store
	_, err := Open(ctx, Options{Path: path, Interval: time.Hour, Time: clock}, &telemetry.RecordingAPI{})
	require.True(t, errors.Is(err, ErrLocked), "got %v", err)

	require.NoError(t, store.Close())

	// restart an hour later: the stored deadline governs, not the restart time
	clock.Set(epoch.Add(time.Hour))
	reopened, _ := openTestStore(t, path, clock)
	defer reopened.Close()

	state, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, state.LastScrape.Equal(epoch))
	require.True(t, state.NextScrape.Equal(epoch.Add(6*time.Hour)))
	require.False(t, state.Due(clock.Now(), time.Time{}))
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bookaware.db")

	_, ok, err := Inspect(ctx, path)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	clock := chrono.NewFakeTime(epoch)
	store, _ := openTestStore(t, path, clock)
	require.NoError(t, store.RecordScrapeAttempt(ctx, epoch))

	// readable while the store is open and locked
	state, ok, err := Inspect(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, state.LastScrape.Equal(epoch))
	require.True(t, state.NextScrape.Equal(epoch.Add(6*time.Hour)))

	require.NoError(t, store.Close())
	state, ok, err = Inspect(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, state.NextScrape.Equal(epoch.Add(6*time.Hour)))
}
