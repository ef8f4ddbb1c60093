package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/dedup"
	"spike-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	insertSnapshotSQL = `INSERT INTO price_snapshots (
        exchange,
        symbol,
        price,
        volume,
        change_24h,
        observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listSnapshotsSQL = `SELECT
        exchange,
        symbol,
        price::text,
        volume::text,
        change_24h::text,
        observed_at
    FROM price_snapshots
    WHERE ($1 = '' OR exchange = $1)
      AND ($2 = '' OR symbol = $2)
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at, id
    LIMIT $5;`

	upsertDedupSQL = `INSERT INTO dedup_state (
        exchange,
        symbol,
        category,
        last_fired_at
    ) VALUES ($1,$2,$3,$4)
    ON CONFLICT (exchange, symbol, category) DO UPDATE
    SET last_fired_at = GREATEST(dedup_state.last_fired_at, EXCLUDED.last_fired_at);`

	listDedupSQL = `SELECT exchange, symbol, category, last_fired_at FROM dedup_state;`

	insertAlertSQL = `INSERT INTO alerts (
        exchange,
        symbol,
        category,
        window_name,
        pct_change,
        baseline_price,
        current_price,
        volume,
        fired_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, created_at;`

	markAlertDeliveredSQL = `UPDATE alerts
    SET delivered = $2, delivery_error = $3
    WHERE id = $1;`

	listRecentAlertsSQL = `SELECT
        id,
        exchange,
        symbol,
        category,
        window_name,
        pct_change::text,
        baseline_price::text,
        current_price::text,
        volume::text,
        fired_at,
        delivered,
        delivery_error,
        created_at
    FROM alerts
    ORDER BY fired_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotArchive persists raw snapshots for replay and export.
type SnapshotArchive interface {
	ArchiveSnapshots(ctx context.Context, snaps []market.Snapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]market.Snapshot, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, event market.AlertEvent) (AlertRecord, error)
	MarkAlertDelivered(ctx context.Context, id int64, deliveryErr error) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots, alerts and dedup state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadDedupRecords returns every persisted cooldown record.
func (s *Store) LoadDedupRecords(ctx context.Context) ([]market.DedupRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listDedupSQL)
	if err != nil {
		return nil, fmt.Errorf("list dedup state: %w", err)
	}
	defer rows.Close()

	var out []market.DedupRecord
	for rows.Next() {
		var (
			rec      market.DedupRecord
			category string
		)
		if err := rows.Scan(&rec.Key.Exchange, &rec.Key.Symbol, &category, &rec.LastFiredAt); err != nil {
			return nil, err
		}
		rec.Key.Category, err = market.ParseCategory(category)
		if err != nil {
			return nil, fmt.Errorf("dedup state %s/%s: %w", rec.Key.Exchange, rec.Key.Symbol, err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertDedupRecord stores the last fire time, never moving it backwards.
func (s *Store) UpsertDedupRecord(ctx context.Context, rec market.DedupRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertDedupSQL,
		rec.Key.Exchange,
		rec.Key.Symbol,
		string(rec.Key.Category),
		rec.LastFiredAt,
	); err != nil {
		return fmt.Errorf("upsert dedup state: %w", err)
	}
	return nil
}

// ArchiveSnapshots appends snapshots in a single batch.
func (s *Store) ArchiveSnapshots(ctx context.Context, snaps []market.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, snap := range snaps {
		var change any
		if snap.Change24h != nil {
			change = snap.Change24h.String()
		}
		batch.Queue(insertSnapshotSQL,
			snap.Exchange,
			snap.Symbol,
			snap.Price.String(),
			snap.Volume.String(),
			change,
			snap.ObservedAt,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive snapshots: %w", err)
	}
	return nil
}

// ListSnapshots returns archived snapshots ordered by observation time.
func (s *Store) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	to := filter.To
	if to.IsZero() {
		to = farFuture
	}
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := pool.Query(ctx, listSnapshotsSQL, filter.Exchange, filter.Symbol, filter.From, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]market.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// InsertAlert records a fired alert before delivery.
func (s *Store) InsertAlert(ctx context.Context, event market.AlertEvent) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	rec := AlertRecord{Event: event}
	if err := pool.QueryRow(ctx, insertAlertSQL,
		event.Exchange,
		event.Symbol,
		string(event.Category),
		event.Window,
		event.PercentChange.String(),
		event.BaselinePrice.String(),
		event.CurrentPrice.String(),
		event.Volume.String(),
		event.FiredAt,
	).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// MarkAlertDelivered stores the delivery outcome of an alert.
func (s *Store) MarkAlertDelivered(ctx context.Context, id int64, deliveryErr error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg any
	if deliveryErr != nil {
		errMsg = deliveryErr.Error()
	}
	cmdTag, err := pool.Exec(ctx, markAlertDeliveredSQL, id, deliveryErr == nil, errMsg)
	if err != nil {
		return fmt.Errorf("mark alert delivered: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanSnapshot(rows pgx.Rows) (market.Snapshot, error) {
	var (
		snap      market.Snapshot
		priceStr  string
		volumeStr string
		changeStr sql.NullString
	)
	if err := rows.Scan(&snap.Exchange, &snap.Symbol, &priceStr, &volumeStr, &changeStr, &snap.ObservedAt); err != nil {
		return market.Snapshot{}, err
	}

	var err error
	if snap.Price, err = decimal.NewFromString(priceStr); err != nil {
		return market.Snapshot{}, fmt.Errorf("parse price: %w", err)
	}
	if snap.Volume, err = decimal.NewFromString(volumeStr); err != nil {
		return market.Snapshot{}, fmt.Errorf("parse volume: %w", err)
	}
	if changeStr.Valid {
		change, err := decimal.NewFromString(changeStr.String)
		if err != nil {
			return market.Snapshot{}, fmt.Errorf("parse change_24h: %w", err)
		}
		snap.Change24h = &change
	}
	snap.ObservedAt = snap.ObservedAt.UTC()
	return snap, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec                                AlertRecord
		category                           string
		pctStr, baseStr, curStr, volumeStr string
		deliveryErr                        sql.NullString
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Event.Exchange,
		&rec.Event.Symbol,
		&category,
		&rec.Event.Window,
		&pctStr,
		&baseStr,
		&curStr,
		&volumeStr,
		&rec.Event.FiredAt,
		&rec.Delivered,
		&deliveryErr,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.Event.Category, err = market.ParseCategory(category); err != nil {
		return AlertRecord{}, err
	}
	if rec.Event.PercentChange, err = decimal.NewFromString(pctStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse pct change: %w", err)
	}
	if rec.Event.BaselinePrice, err = decimal.NewFromString(baseStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse baseline price: %w", err)
	}
	if rec.Event.CurrentPrice, err = decimal.NewFromString(curStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse current price: %w", err)
	}
	if rec.Event.Volume, err = decimal.NewFromString(volumeStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse volume: %w", err)
	}
	if deliveryErr.Valid {
		msg := deliveryErr.String
		rec.DeliveryError = &msg
	}
	return rec, nil
}

var (
	_ dedup.Persister = (*Store)(nil)
	_ SnapshotArchive = (*Store)(nil)
	_ AlertStore      = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
