package history

import (
	"errors"
	"sort"
	"sync"
	"time"

	"spike-alerts/internal/market"
)

// ErrStale is returned by Record for snapshots already outside the retention horizon.
var ErrStale = errors.New("history: snapshot older than retention horizon")

// Store keeps a time-ordered buffer of snapshots per series key.
//
// The key map is guarded by mu; every buffer carries its own lock so keys can be
// read and written independently. Eviction takes the map lock exclusively.
type Store struct {
	retention time.Duration

	mu      sync.RWMutex
	buffers map[market.SeriesKey]*buffer
}

type buffer struct {
	mu     sync.Mutex
	points []market.Snapshot
}

// Stats summarises store occupancy.
type Stats struct {
	Series    int
	Snapshots int
}

// New creates a store that retains snapshots for the given horizon.
func New(retention time.Duration) *Store {
	if retention <= 0 {
		panic("history retention must be positive")
	}
	return &Store{
		retention: retention,
		buffers:   make(map[market.SeriesKey]*buffer),
	}
}

// Retention returns the configured horizon.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Record inserts snap in time order. Late snapshots are placed at their sorted
// position; equal timestamps keep arrival order.
func (s *Store) Record(snap market.Snapshot, now time.Time) error {
	key := snap.Key()
	if key.Symbol == "" || key.Exchange == "" {
		return &market.DataError{Key: key, Reason: "missing symbol or exchange"}
	}
	if snap.ObservedAt.IsZero() {
		return &market.DataError{Key: key, Reason: "missing observation time"}
	}
	if snap.Price.Sign() <= 0 {
		return &market.DataError{Key: key, Reason: "non-positive price " + snap.Price.String()}
	}
	if now.Sub(snap.ObservedAt) > s.retention {
		return ErrStale
	}

	s.mu.RLock()
	buf, ok := s.buffers[key]
	if ok {
		buf.insert(snap)
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok = s.buffers[key]
	if !ok {
		buf = &buffer{}
		s.buffers[key] = buf
	}
	buf.insert(snap)
	return nil
}

// Restore replays previously persisted snapshots, skipping anything invalid or stale.
// It returns the number of snapshots accepted.
func (s *Store) Restore(snaps []market.Snapshot, now time.Time) int {
	restored := 0
	for _, snap := range snaps {
		if err := s.Record(snap, now); err == nil {
			restored++
		}
	}
	return restored
}

// ChangeOver computes the move of key over window as seen at now.
//
// The baseline is the newest snapshot observed at or before now-window; the
// current price is the newest snapshot observed at or before now. Without a
// baseline the window is not warm and market.ErrInsufficientHistory is returned.
func (s *Store) ChangeOver(key market.SeriesKey, window market.Window, now time.Time) (market.ChangeResult, error) {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return market.ChangeResult{}, market.ErrInsufficientHistory
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	current, ok := buf.latestAt(now)
	if !ok {
		return market.ChangeResult{}, market.ErrInsufficientHistory
	}
	baseline, ok := buf.latestAt(now.Add(-window.Duration))
	if !ok {
		return market.ChangeResult{}, market.ErrInsufficientHistory
	}
	if baseline.Price.Sign() <= 0 {
		return market.ChangeResult{}, &market.DataError{Key: key, Window: window.Name, Reason: "non-positive baseline price"}
	}

	return market.ChangeResult{
		Window:        window,
		PercentChange: PercentChange(baseline.Price, current.Price),
		BaselinePrice: baseline.Price,
		CurrentPrice:  current.Price,
		BaselineAt:    baseline.ObservedAt,
		CurrentAt:     current.ObservedAt,
	}, nil
}

// Latest returns the newest snapshot observed at or before now.
func (s *Store) Latest(key market.SeriesKey, now time.Time) (market.Snapshot, bool) {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return market.Snapshot{}, false
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.latestAt(now)
}

// Snapshots returns a copy of the buffer for key.
func (s *Store) Snapshots(key market.SeriesKey) []market.Snapshot {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	out := make([]market.Snapshot, len(buf.points))
	copy(out, buf.points)
	return out
}

// Keys lists every known series, sorted by exchange then symbol.
func (s *Store) Keys() []market.SeriesKey {
	s.mu.RLock()
	keys := make([]market.SeriesKey, 0, len(s.buffers))
	for key := range s.buffers {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

// Stats reports the number of series and retained snapshots.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Series: len(s.buffers)}
	for _, buf := range s.buffers {
		buf.mu.Lock()
		stats.Snapshots += len(buf.points)
		buf.mu.Unlock()
	}
	return stats
}

// EvictStale drops snapshots older than the retention horizon and removes
// buffers left with nothing inside it. It returns the number of snapshots dropped.
func (s *Store) EvictStale(now time.Time) int {
	return s.EvictStaleExcept(now, nil)
}

// EvictStaleExcept is EvictStale for every key that hold does not claim.
func (s *Store) EvictStaleExcept(now time.Time, hold func(market.SeriesKey) bool) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, buf := range s.buffers {
		if hold != nil && hold(key) {
			continue
		}
		buf.mu.Lock()
		n := buf.evictBefore(cutoff)
		empty := len(buf.points) == 0
		buf.mu.Unlock()

		dropped += n
		if empty {
			delete(s.buffers, key)
		}
	}
	return dropped
}

func (b *buffer) insert(snap market.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.points)
	if n == 0 || !snap.ObservedAt.Before(b.points[n-1].ObservedAt) {
		b.points = append(b.points, snap)
		return
	}

	idx := sort.Search(n, func(i int) bool {
		return b.points[i].ObservedAt.After(snap.ObservedAt)
	})
	b.points = append(b.points, market.Snapshot{})
	copy(b.points[idx+1:], b.points[idx:])
	b.points[idx] = snap
}

// latestAt returns the newest point with ObservedAt <= t. Callers hold b.mu.
func (b *buffer) latestAt(t time.Time) (market.Snapshot, bool) {
	idx := sort.Search(len(b.points), func(i int) bool {
		return b.points[i].ObservedAt.After(t)
	})
	if idx == 0 {
		return market.Snapshot{}, false
	}
	return b.points[idx-1], true
}

// evictBefore trims points older than cutoff. Callers hold b.mu.
func (b *buffer) evictBefore(cutoff time.Time) int {
	n := len(b.points)
	inside := sort.Search(n, func(i int) bool {
		return !b.points[i].ObservedAt.Before(cutoff)
	})
	switch inside {
	case 0:
		return 0
	case n:
		b.points = nil
		return n
	}
	b.points = append([]market.Snapshot(nil), b.points[inside:]...)
	return inside
}
