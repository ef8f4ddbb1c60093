package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spike-alerts/internal/market"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pumpKey(symbol string) market.DedupKey {
	return market.DedupKey{Symbol: symbol, Exchange: "demo-exchange", Category: market.CategoryPump}
}

func TestGateStateMachine(t *testing.T) {
	gate := NewGate(time.Hour)
	key := pumpKey("XYZUSDT")

	require.Equal(t, NeverFired, gate.State(key, t0))
	require.True(t, gate.ShouldFire(key, t0))

	gate.RecordFired(key, t0)
	require.Equal(t, CoolingDown, gate.State(key, t0))
	require.Equal(t, CoolingDown, gate.State(key, t0.Add(59*time.Minute)))
	require.False(t, gate.ShouldFire(key, t0.Add(time.Second)))

	require.Equal(t, Eligible, gate.State(key, t0.Add(time.Hour)))
	require.True(t, gate.ShouldFire(key, t0.Add(time.Hour)))
}

func TestTryFireEnforcesCooldown(t *testing.T) {
	gate := NewGate(time.Hour)
	key := pumpKey("XYZUSDT")

	require.True(t, gate.TryFire(key, t0))
	require.False(t, gate.TryFire(key, t0.Add(time.Second)))
	require.False(t, gate.TryFire(key, t0.Add(59*time.Minute+59*time.Second)))
	require.True(t, gate.TryFire(key, t0.Add(time.Hour)))
	require.False(t, gate.TryFire(key, t0.Add(90*time.Minute)))
}

func TestTryFireKeysAreIndependent(t *testing.T) {
	gate := NewGate(time.Hour)

	require.True(t, gate.TryFire(pumpKey("XYZUSDT"), t0))
	require.True(t, gate.TryFire(pumpKey("ABCUSDT"), t0))

	dump := pumpKey("XYZUSDT")
	dump.Category = market.CategoryDump
	require.True(t, gate.TryFire(dump, t0))

	other := pumpKey("XYZUSDT")
	other.Exchange = "other-exchange"
	require.True(t, gate.TryFire(other, t0))
}

func TestTryFireConcurrentSingleWinner(t *testing.T) {
	gate := NewGate(time.Hour)
	key := pumpKey("XYZUSDT")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if gate.TryFire(key, t0.Add(time.Duration(i)*time.Millisecond)) {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)
}

func TestNoTwoFiresWithinCooldown(t *testing.T) {
	gate := NewGate(30 * time.Minute)
	key := pumpKey("XYZUSDT")

	var fired []time.Time
	for step := 0; step < 400; step++ {
		now := t0.Add(time.Duration(step*17) * time.Second)
		if gate.TryFire(key, now) {
			fired = append(fired, now)
		}
	}
	require.NotEmpty(t, fired)
	for i := 1; i < len(fired); i++ {
		require.GreaterOrEqual(t, fired[i].Sub(fired[i-1]), 30*time.Minute)
	}
}

func TestRestoreKeepsNewest(t *testing.T) {
	gate := NewGate(time.Hour)
	key := pumpKey("XYZUSDT")

	n := gate.Restore([]market.DedupRecord{
		{Key: key, LastFiredAt: t0.Add(-2 * time.Hour)},
		{Key: key, LastFiredAt: t0.Add(-10 * time.Minute)},
		{Key: pumpKey("ABCUSDT"), LastFiredAt: t0.Add(-3 * time.Hour)},
	})
	require.Equal(t, 2, n)
	require.False(t, gate.ShouldFire(key, t0))
	require.True(t, gate.ShouldFire(pumpKey("ABCUSDT"), t0))

	records := gate.Records()
	require.Len(t, records, 2)
	require.Equal(t, "ABCUSDT", records[0].Key.Symbol)
}

func TestForget(t *testing.T) {
	gate := NewGate(time.Hour)
	gate.RecordFired(pumpKey("OLDUSDT"), t0)
	gate.RecordFired(pumpKey("NEWUSDT"), t0.Add(2*time.Hour))

	require.Equal(t, 1, gate.Forget(t0.Add(time.Hour)))
	require.Equal(t, NeverFired, gate.State(pumpKey("OLDUSDT"), t0.Add(3*time.Hour)))
	require.Equal(t, CoolingDown, gate.State(pumpKey("NEWUSDT"), t0.Add(2*time.Hour)))
}
