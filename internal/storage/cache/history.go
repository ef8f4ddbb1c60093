package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/config"
	"spike-alerts/internal/market"
)

// HistoryMirror copies recorded snapshots into Redis sorted sets so a restart
// can warm the in-memory history instead of waiting a full day.
type HistoryMirror struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
}

type point struct {
	Price  decimal.Decimal  `json:"p"`
	Volume decimal.Decimal  `json:"v"`
	Change *decimal.Decimal `json:"c,omitempty"`
	At     int64            `json:"t"`
}

// NewHistoryMirror connects to Redis and verifies the connection.
func NewHistoryMirror(ctx context.Context, cfg config.RedisConfig, retention time.Duration, logger zerolog.Logger) (*HistoryMirror, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	prefix := strings.TrimRight(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "spikewatch:history"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &HistoryMirror{
		client:    client,
		prefix:    prefix,
		retention: retention,
		timeout:   timeout,
		logger:    logger.With().Str("component", "history_mirror").Logger(),
	}, nil
}

// Close releases the client.
func (m *HistoryMirror) Close() error {
	return m.client.Close()
}

// Append writes snapshots and trims each touched series to the retention horizon.
func (m *HistoryMirror) Append(ctx context.Context, snaps []market.Snapshot, now time.Time) error {
	if len(snaps) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cutoff := strconv.FormatInt(now.Add(-m.retention).UnixMilli()-1, 10)
	touched := make(map[string]struct{})

	pipe := m.client.Pipeline()
	for _, snap := range snaps {
		member, err := encodePoint(snap)
		if err != nil {
			return err
		}
		key := m.seriesKey(snap.Key())
		pipe.ZAdd(ctx, key, &redis.Z{
			Score:  float64(snap.ObservedAt.UnixMilli()),
			Member: member,
		})
		if _, ok := touched[key]; !ok {
			touched[key] = struct{}{}
			pipe.SAdd(ctx, m.indexKey(), snap.Key().String())
		}
	}
	for key := range touched {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.Expire(ctx, key, 2*m.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror history: %w", err)
	}
	return nil
}

// Load reads every mirrored snapshot inside the retention horizon.
func (m *HistoryMirror) Load(ctx context.Context, now time.Time) ([]market.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*m.timeout)
	defer cancel()

	members, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list mirrored series: %w", err)
	}

	min := strconv.FormatInt(now.Add(-m.retention).UnixMilli(), 10)
	var out []market.Snapshot
	for _, member := range members {
		key, ok := parseSeriesKey(member)
		if !ok {
			continue
		}
		raw, err := m.client.ZRangeByScore(ctx, m.seriesKey(key), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("read series %s: %w", member, err)
		}
		if len(raw) == 0 {
			m.client.SRem(ctx, m.indexKey(), member)
			continue
		}
		for _, r := range raw {
			snap, err := decodePoint(key, r)
			if err != nil {
				m.logger.Warn().Err(err).Str("series", member).Msg("skip malformed mirrored point")
				continue
			}
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *HistoryMirror) seriesKey(key market.SeriesKey) string {
	return m.prefix + ":" + key.String()
}

func (m *HistoryMirror) indexKey() string {
	return m.prefix + ":index"
}

func parseSeriesKey(member string) (market.SeriesKey, bool) {
	exchange, symbol, ok := strings.Cut(member, ":")
	if !ok || exchange == "" || symbol == "" {
		return market.SeriesKey{}, false
	}
	return market.SeriesKey{Exchange: exchange, Symbol: symbol}, true
}

func encodePoint(snap market.Snapshot) (string, error) {
	raw, err := json.Marshal(point{
		Price:  snap.Price,
		Volume: snap.Volume,
		Change: snap.Change24h,
		At:     snap.ObservedAt.UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(raw), nil
}

func decodePoint(key market.SeriesKey, raw string) (market.Snapshot, error) {
	var p point
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return market.Snapshot{
		Symbol:     key.Symbol,
		Exchange:   key.Exchange,
		Price:      p.Price,
		Volume:     p.Volume,
		Change24h:  p.Change,
		ObservedAt: time.Unix(0, p.At).UTC(),
	}, nil
}
