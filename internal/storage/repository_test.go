package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"spike-alerts/internal/config"
	"spike-alerts/internal/market"
)

// setupStore starts a PostgreSQL container, applies migrations and returns a Store.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("spikewatch"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))
	// migrations are idempotent
	require.NoError(t, Migrate(ctx, pool))

	store := NewStore(pool)
	t.Cleanup(store.Close)
	return store
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.LoadDedupRecords(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.ArchiveSnapshots(context.Background(), []market.Snapshot{{}}), ErrNotConfigured)
	assert.NoError(t, s.ArchiveSnapshots(context.Background(), nil))
}

func TestDedupStateRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := market.DedupKey{Symbol: "XYZUSDT", Exchange: "binance", Category: market.CategoryPump}

	require.NoError(t, store.UpsertDedupRecord(ctx, market.DedupRecord{Key: key, LastFiredAt: base}))
	require.NoError(t, store.UpsertDedupRecord(ctx, market.DedupRecord{Key: key, LastFiredAt: base.Add(-time.Hour)}))

	records, err := store.LoadDedupRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, key, records[0].Key)
	assert.True(t, records[0].LastFiredAt.Equal(base), "last fire must not move backwards")
}

func TestSnapshotArchive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	change := decimal.RequireFromString("12.5")

	snaps := []market.Snapshot{
		{Symbol: "XYZUSDT", Exchange: "binance", Price: decimal.RequireFromString("1.00"), Volume: decimal.NewFromInt(1000), Change24h: &change, ObservedAt: base},
		{Symbol: "XYZUSDT", Exchange: "binance", Price: decimal.RequireFromString("1.35"), ObservedAt: base.Add(5 * time.Minute)},
		{Symbol: "ABCUSDT", Exchange: "okx", Price: decimal.RequireFromString("7"), ObservedAt: base.Add(time.Minute)},
	}
	require.NoError(t, store.ArchiveSnapshots(ctx, snaps))

	all, err := store.ListSnapshots(ctx, SnapshotFilter{From: base})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ABCUSDT", all[1].Symbol)

	series, err := store.ListSnapshots(ctx, SnapshotFilter{Exchange: "binance", Symbol: "XYZUSDT", From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, series, 2)
	require.NotNil(t, series[0].Change24h)
	assert.True(t, series[0].Change24h.Equal(change))
	assert.Nil(t, series[1].Change24h)
	assert.True(t, series[1].Price.Equal(decimal.RequireFromString("1.35")))

	limited, err := store.ListSnapshots(ctx, SnapshotFilter{From: base, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAlertAudit(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	event := market.AlertEvent{
		Symbol:        "XYZUSDT",
		Exchange:      "binance",
		Category:      market.CategoryDump,
		Window:        "5m",
		PercentChange: decimal.RequireFromString("-8.5"),
		BaselinePrice: decimal.RequireFromString("2"),
		CurrentPrice:  decimal.RequireFromString("1.83"),
		Volume:        decimal.NewFromInt(50000),
		FiredAt:       base,
	}
	rec, err := store.InsertAlert(ctx, event)
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	require.NoError(t, store.MarkAlertDelivered(ctx, rec.ID, errors.New("telegram down")))
	require.Error(t, store.MarkAlertDelivered(ctx, rec.ID+1000, nil))

	alerts, err := store.ListRecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Delivered)
	require.NotNil(t, alerts[0].DeliveryError)
	assert.Equal(t, "telegram down", *alerts[0].DeliveryError)
	assert.Equal(t, market.CategoryDump, alerts[0].Event.Category)
	assert.True(t, alerts[0].Event.PercentChange.Equal(event.PercentChange))
}

func TestAdvisoryLockExclusive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok, "second session must not acquire the lock")

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	unlock2()
}
