package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spike-alerts/internal/alerting"
	"spike-alerts/internal/dedup"
	"spike-alerts/internal/detector"
	"spike-alerts/internal/fetcher"
	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
	"spike-alerts/internal/observability"
	"spike-alerts/internal/scheduler"
	"spike-alerts/internal/storage"
)

const recentAlertsCap = 200

// HistoryMirror persists recorded snapshots outside the process.
type HistoryMirror interface {
	Append(ctx context.Context, snaps []market.Snapshot, now time.Time) error
	Load(ctx context.Context, now time.Time) ([]market.Snapshot, error)
}

// Options tune the orchestrator.
type Options struct {
	FetchTimeout time.Duration
	Workers      int
	LockKey      int64
}

// Dependencies are the collaborators of a Service. Source, Exchanges, History,
// Detector, Gate and Notifier are required; the rest are optional.
type Dependencies struct {
	Source    fetcher.Source
	Exchanges []string
	History   *history.Store
	Detector  *detector.Detector
	Gate      *dedup.Gate
	Notifier  alerting.Notifier

	Persister dedup.Persister
	Alerts    storage.AlertStore
	Archive   storage.SnapshotArchive
	Mirror    HistoryMirror
	Locker    storage.AdvisoryLocker
	Metrics   *observability.Metrics
	Clock     func() time.Time
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	At              time.Time
	Fetched         int
	Recorded        int
	Rejected        int
	FailedExchanges []string
	Evaluated       int
	DataErrors      int
	Matches         int
	Suppressed      int
	Fired           []market.AlertEvent
	EmitFailures    int
	Evicted         int
}

// Service orchestrates fetching, detection, dedup and alerting.
type Service struct {
	opts      Options
	deps      Dependencies
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger

	mu     sync.Mutex
	recent []market.AlertEvent
	last   CycleReport
}

// New constructs the monitoring service.
func New(opts Options, deps Dependencies, sched *scheduler.Scheduler, logger zerolog.Logger) (*Service, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("service: source is required")
	case len(deps.Exchanges) == 0:
		return nil, errors.New("service: no exchanges configured")
	case deps.History == nil:
		return nil, errors.New("service: history store is required")
	case deps.Detector == nil:
		return nil, errors.New("service: detector is required")
	case deps.Gate == nil:
		return nil, errors.New("service: dedup gate is required")
	case deps.Notifier == nil:
		return nil, errors.New("service: notifier is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Service{
		opts:      opts,
		deps:      deps,
		scheduler: sched,
		logger:    logger.With().Str("component", "service").Logger(),
	}, nil
}

// Run restores persisted state and then polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.Rehydrate(ctx, s.deps.Clock().UTC())
	return s.scheduler.Run(ctx, s.Tick)
}

// Rehydrate warms history from the mirror and the dedup gate from its persister.
// Failures are logged; the engine starts cold instead.
func (s *Service) Rehydrate(ctx context.Context, now time.Time) {
	if s.deps.Mirror != nil {
		snaps, err := s.deps.Mirror.Load(ctx, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("history mirror unavailable, starting cold")
		} else {
			restored := s.deps.History.Restore(snaps, now)
			s.logger.Info().Int("snapshots", restored).Msg("history restored from mirror")
		}
	}
	if s.deps.Persister != nil {
		records, err := s.deps.Persister.LoadDedupRecords(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dedup state unavailable, cooldowns reset")
			return
		}
		n := s.deps.Gate.Restore(records)
		s.logger.Info().Int("keys", n).Msg("dedup state restored")
	}
}

// Tick runs one cycle under the advisory lock, if configured.
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.ProcessCycle(ctx, at)
	return err
}

type fetchResult struct {
	exchange string
	snaps    []market.Snapshot
	err      error
}

// ProcessCycle fetches every exchange, records the batches, evaluates every
// series and emits alerts that pass the dedup gate.
//
// Keys of an exchange whose fetch failed are neither evaluated nor evicted.
//
// Evaluation happens at the later of now and the newest observation stamped
// within the fetch timeout after now, so a batch stamped after the tick is not
// ignored. It returns an error only when
// every exchange failed.
func (s *Service) ProcessCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	started := time.Now()
	results := s.fetchAll(ctx)

	// the fetched work finishes even if shutdown starts now
	work := context.WithoutCancel(ctx)

	evalAt := now.UTC()
	ceiling := evalAt.Add(s.opts.FetchTimeout)
	for _, r := range results {
		for _, snap := range r.snaps {
			if snap.ObservedAt.After(evalAt) && !snap.ObservedAt.After(ceiling) {
				evalAt = snap.ObservedAt.UTC()
			}
		}
	}
	report := CycleReport{At: evalAt}

	failed := make(map[string]struct{})
	var sourceErrs []error
	var accepted []market.Snapshot
	for _, r := range results {
		if r.err != nil {
			failed[r.exchange] = struct{}{}
			report.FailedExchanges = append(report.FailedExchanges, r.exchange)
			sourceErrs = append(sourceErrs, r.err)
			continue
		}
		report.Fetched += len(r.snaps)
		for _, snap := range r.snaps {
			if err := s.deps.History.Record(snap, evalAt); err != nil {
				report.Rejected++
				s.rejected(snap, err)
				continue
			}
			accepted = append(accepted, snap)
		}
	}
	report.Recorded = len(accepted)

	s.persistSnapshots(work, accepted, evalAt)
	s.detect(work, evalAt, failed, &report)

	// history of an exchange that failed this cycle is left as it was
	report.Evicted = s.deps.History.EvictStaleExcept(evalAt, func(key market.SeriesKey) bool {
		_, held := failed[key.Exchange]
		return held
	})
	s.deps.Gate.Forget(evalAt.Add(-s.deps.Gate.Cooldown()))

	s.observeCycle(report, len(results), time.Since(started))
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info().
		Time("at", evalAt).
		Int("fetched", report.Fetched).
		Int("recorded", report.Recorded).
		Int("rejected", report.Rejected).
		Strs("failed_exchanges", report.FailedExchanges).
		Int("evaluated", report.Evaluated).
		Int("matches", report.Matches).
		Int("fired", len(report.Fired)).
		Int("suppressed", report.Suppressed).
		Int("evicted", report.Evicted).
		Msg("cycle complete")

	if len(results) > 0 && len(sourceErrs) == len(results) {
		return report, fmt.Errorf("all sources unavailable: %w", errors.Join(sourceErrs...))
	}
	return report, nil
}

func (s *Service) fetchAll(ctx context.Context) []fetchResult {
	results := make([]fetchResult, len(s.deps.Exchanges))
	var g errgroup.Group
	for i, exchange := range s.deps.Exchanges {
		i, exchange := i, exchange
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()

			start := time.Now()
			snaps, err := s.deps.Source.FetchBatch(fctx, exchange)
			if m := s.deps.Metrics; m != nil {
				m.FetchDuration.WithLabelValues(exchange).Observe(time.Since(start).Seconds())
			}
			if err != nil {
				err = &market.SourceUnavailableError{Exchange: exchange, Err: err}
				s.logger.Warn().Err(err).Str("exchange", exchange).Msg("batch fetch failed, history untouched")
				if m := s.deps.Metrics; m != nil {
					m.FetchFailures.WithLabelValues(exchange).Inc()
				}
				results[i] = fetchResult{exchange: exchange, err: err}
				return nil
			}
			if m := s.deps.Metrics; m != nil {
				m.SnapshotsFetched.WithLabelValues(exchange).Add(float64(len(snaps)))
			}
			results[i] = fetchResult{exchange: exchange, snaps: snaps}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) rejected(snap market.Snapshot, err error) {
	reason := "invalid"
	if errors.Is(err, history.ErrStale) {
		reason = "stale"
	}
	s.logger.Debug().Err(err).Str("series", snap.Key().String()).Str("reason", reason).Msg("snapshot rejected")
	if m := s.deps.Metrics; m != nil {
		m.SnapshotsRejected.WithLabelValues(reason).Inc()
	}
}

func (s *Service) persistSnapshots(ctx context.Context, snaps []market.Snapshot, now time.Time) {
	if len(snaps) == 0 {
		return
	}
	if s.deps.Mirror != nil {
		if err := s.deps.Mirror.Append(ctx, snaps, now); err != nil {
			s.logger.Error().Err(err).Msg("failed to mirror history")
		}
	}
	if s.deps.Archive != nil {
		if err := s.deps.Archive.ArchiveSnapshots(ctx, snaps); err != nil {
			s.logger.Error().Err(err).Msg("failed to archive snapshots")
		}
	}
}

func (s *Service) detect(ctx context.Context, now time.Time, failed map[string]struct{}, report *CycleReport) {
	keys := s.deps.History.Keys()
	eligible := keys[:0]
	for _, key := range keys {
		// a failed exchange keeps its history but is not judged on stale prices
		if _, skip := failed[key.Exchange]; skip {
			continue
		}
		eligible = append(eligible, key)
	}
	report.Evaluated = len(eligible)

	type outcome struct {
		match detector.Match
		ok    bool
		errs  []error
	}
	outcomes := make([]outcome, len(eligible))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, key := range eligible {
		i, key := i, key
		g.Go(func() error {
			match, ok, errs := s.deps.Detector.Detect(s.deps.History, key, now)
			outcomes[i] = outcome{match: match, ok: ok, errs: errs}
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range outcomes {
		for _, err := range out.errs {
			report.DataErrors++
			s.logger.Debug().Err(err).Str("series", eligible[i].String()).Msg("window skipped")
		}
		if !out.ok {
			continue
		}
		report.Matches++
		s.fire(ctx, eligible[i], out.match, now, report)
	}
	if m := s.deps.Metrics; m != nil && report.DataErrors > 0 {
		m.DataErrors.Add(float64(report.DataErrors))
	}
}

func (s *Service) fire(ctx context.Context, key market.SeriesKey, match detector.Match, now time.Time, report *CycleReport) {
	dk := market.DedupKey{Symbol: key.Symbol, Exchange: key.Exchange, Category: match.Category}
	if !s.deps.Gate.TryFire(dk, now) {
		report.Suppressed++
		if m := s.deps.Metrics; m != nil {
			m.AlertsSuppressed.WithLabelValues(key.Exchange, string(match.Category)).Inc()
		}
		return
	}

	volume := decimal.Zero
	if latest, ok := s.deps.History.Latest(key, now); ok {
		volume = latest.Volume
	}
	event := market.AlertEvent{
		Symbol:        key.Symbol,
		Exchange:      key.Exchange,
		Category:      match.Category,
		Window:        match.Result.Window.Name,
		PercentChange: match.Result.PercentChange,
		BaselinePrice: match.Result.BaselinePrice,
		CurrentPrice:  match.Result.CurrentPrice,
		Volume:        volume,
		FiredAt:       now,
	}
	report.Fired = append(report.Fired, event)
	s.remember(event)
	if m := s.deps.Metrics; m != nil {
		m.AlertsFired.WithLabelValues(key.Exchange, string(match.Category)).Inc()
	}

	if s.deps.Persister != nil {
		if err := s.deps.Persister.UpsertDedupRecord(ctx, market.DedupRecord{Key: dk, LastFiredAt: now}); err != nil {
			s.logger.Error().Err(err).Str("series", key.String()).Msg("failed to persist dedup state")
		}
	}

	var auditID int64
	if s.deps.Alerts != nil {
		rec, err := s.deps.Alerts.InsertAlert(ctx, event)
		if err != nil {
			s.logger.Error().Err(err).Str("series", key.String()).Msg("failed to persist alert record")
		}
		auditID = rec.ID
	}

	// delivery failure does not reopen the gate
	var emitErr error
	if err := s.deps.Notifier.Notify(ctx, event); err != nil {
		emitErr = &market.EmitError{Event: event, Err: err}
		report.EmitFailures++
		s.logger.Error().Err(emitErr).Str("series", key.String()).Msg("failed to dispatch alert")
		if m := s.deps.Metrics; m != nil {
			m.EmitErrors.Inc()
		}
	}
	if auditID != 0 {
		if err := s.deps.Alerts.MarkAlertDelivered(ctx, auditID, emitErr); err != nil {
			s.logger.Error().Err(err).Int64("alert_id", auditID).Msg("failed to record delivery outcome")
		}
	}
}

func (s *Service) observeCycle(report CycleReport, sources int, elapsed time.Duration) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case sources > 0 && len(report.FailedExchanges) == sources:
		status = "failed"
	case len(report.FailedExchanges) > 0:
		status = "partial"
	}
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	m.LastCycle.Set(float64(report.At.Unix()))
	m.HistoryEvicted.Add(float64(report.Evicted))

	stats := s.deps.History.Stats()
	m.HistorySeries.Set(float64(stats.Series))
	m.HistorySnapshots.Set(float64(stats.Snapshots))
}

func (s *Service) remember(event market.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, event)
	if over := len(s.recent) - recentAlertsCap; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
}

// RecentAlerts returns up to limit alerts fired by this process, newest first.
func (s *Service) RecentAlerts(limit int) []market.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]market.AlertEvent, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// LastCycle returns the report of the most recent cycle.
func (s *Service) LastCycle() CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// History exposes the read side of the history store.
func (s *Service) History() *history.Store {
	return s.deps.History
}

// Detector returns the configured detector.
func (s *Service) Detector() *detector.Detector {
	return s.deps.Detector
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
