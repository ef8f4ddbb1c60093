package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"spike-alerts/internal/market"
)

// State is the cooldown state of one dedup key.
type State int

const (
	NeverFired State = iota
	CoolingDown
	Eligible
)

func (s State) String() string {
	switch s {
	case NeverFired:
		return "never_fired"
	case CoolingDown:
		return "cooling_down"
	case Eligible:
		return "eligible"
	default:
		return "unknown"
	}
}

// Persister stores dedup records across restarts.
type Persister interface {
	LoadDedupRecords(ctx context.Context) ([]market.DedupRecord, error)
	UpsertDedupRecord(ctx context.Context, record market.DedupRecord) error
}

// Gate suppresses repeat alerts for a (symbol, exchange, category) within the cooldown.
type Gate struct {
	cooldown time.Duration

	mu      sync.Mutex
	records map[market.DedupKey]time.Time
}

// NewGate builds an empty gate.
func NewGate(cooldown time.Duration) *Gate {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Gate{cooldown: cooldown, records: make(map[market.DedupKey]time.Time)}
}

// Cooldown returns the configured cooldown.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// State reports where key sits at now.
func (g *Gate) State(key market.DedupKey, now time.Time) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(key, now)
}

// ShouldFire reports whether key may fire at now.
func (g *Gate) ShouldFire(key market.DedupKey, now time.Time) bool {
	return g.State(key, now) != CoolingDown
}

// RecordFired marks key as fired at now.
func (g *Gate) RecordFired(key market.DedupKey, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[key] = now
}

// TryFire checks and records in one step. It returns false while key is cooling down.
func (g *Gate) TryFire(key market.DedupKey, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stateLocked(key, now) == CoolingDown {
		return false
	}
	g.records[key] = now
	return true
}

// Restore loads persisted records, keeping the newest fire per key.
func (g *Gate) Restore(records []market.DedupRecord) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range records {
		if last, ok := g.records[rec.Key]; !ok || rec.LastFiredAt.After(last) {
			g.records[rec.Key] = rec.LastFiredAt
		}
	}
	return len(g.records)
}

// Records returns the current records ordered by key.
func (g *Gate) Records() []market.DedupRecord {
	g.mu.Lock()
	out := make([]market.DedupRecord, 0, len(g.records))
	for key, at := range g.records {
		out = append(out, market.DedupRecord{Key: key, LastFiredAt: at})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Category < b.Category
	})
	return out
}

// Forget drops records last fired before the given time. Such keys behave as
// never fired, which is indistinguishable from eligible.
func (g *Gate) Forget(before time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, at := range g.records {
		if at.Before(before) {
			delete(g.records, key)
			removed++
		}
	}
	return removed
}

func (g *Gate) stateLocked(key market.DedupKey, now time.Time) State {
	last, ok := g.records[key]
	if !ok {
		return NeverFired
	}
	if now.Before(last.Add(g.cooldown)) {
		return CoolingDown
	}
	return Eligible
}
