package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spike-alerts/internal/detector"
	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
	"spike-alerts/internal/observability"
	"spike-alerts/internal/service"
	"spike-alerts/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubBackend struct {
	store  *history.Store
	det    *detector.Detector
	alerts []market.AlertEvent
	last   service.CycleReport
}

func (b *stubBackend) History() *history.Store      { return b.store }
func (b *stubBackend) Detector() *detector.Detector { return b.det }
func (b *stubBackend) LastCycle() service.CycleReport {
	return b.last
}
func (b *stubBackend) RecentAlerts(limit int) []market.AlertEvent {
	if len(b.alerts) > limit {
		return b.alerts[:limit]
	}
	return b.alerts
}

type failingAlerts struct{}

func (failingAlerts) InsertAlert(context.Context, market.AlertEvent) (storage.AlertRecord, error) {
	return storage.AlertRecord{}, errors.New("down")
}
func (failingAlerts) MarkAlertDelivered(context.Context, int64, error) error { return nil }
func (failingAlerts) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, errors.New("down")
}

func newBackend(t *testing.T) *stubBackend {
	t.Helper()
	rules, err := detector.NewRules(
		[]market.Window{
			{Name: "1m", Duration: time.Minute, Source: market.SourceHistory},
			{Name: "5m", Duration: 5 * time.Minute, Source: market.SourceHistory},
		},
		[]market.Band{{Kind: market.CategoryPump, MinAbsPct: decimal.NewFromInt(30), Unbounded: true, Windows: []string{"1m", "5m"}}},
	)
	require.NoError(t, err)

	store := history.New(time.Hour)
	for i, price := range []string{"1.00", "1.10", "1.40"} {
		snap := market.Snapshot{
			Symbol:     "PEPEUSDT",
			Exchange:   "binance",
			Price:      decimal.RequireFromString(price),
			ObservedAt: t0.Add(time.Duration(i-2) * 5 * time.Minute),
		}
		require.NoError(t, store.Record(snap, t0))
	}
	return &stubBackend{store: store, det: detector.New(rules)}
}

func newTestServer(t *testing.T, b Backend, alerts storage.AlertStore, metrics *observability.Metrics) *Server {
	t.Helper()
	s := NewServer(":0", b, alerts, metrics, zerolog.Nop())
	s.now = func() time.Time { return t0 }
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	b := newBackend(t)
	b.last = service.CycleReport{At: t0, FailedExchanges: []string{"okx"}}
	rec := get(t, newTestServer(t, b, nil, nil), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"okx"}, body["failed_exchanges"])
}

func TestListSeries(t *testing.T) {
	rec := get(t, newTestServer(t, newBackend(t), nil, nil), "/api/v1/series")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []seriesView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "PEPEUSDT", out[0].Symbol)
	assert.Equal(t, 3, out[0].Snapshots)
	assert.Equal(t, "1.4", out[0].LatestPrice)
}

func TestSeriesChanges(t *testing.T) {
	s := newTestServer(t, newBackend(t), nil, nil)

	rec := get(t, s, "/api/v1/series/binance/PEPEUSDT/changes")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Series  string       `json:"series"`
		Changes []changeView `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "binance:PEPEUSDT", body.Series)
	require.Len(t, body.Changes, 2)

	byWindow := map[string]string{}
	for _, c := range body.Changes {
		byWindow[c.Window] = c.PctChange
	}
	// 1.10 -> 1.40 for both windows: the newest baseline at or before now-d is t0-5m.
	assert.Equal(t, "27.2727", byWindow["1m"])
	assert.Equal(t, "27.2727", byWindow["5m"])

	missing := get(t, s, "/api/v1/series/bybit/PEPEUSDT/changes")
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestListAlertsFallsBackToMemory(t *testing.T) {
	b := newBackend(t)
	b.alerts = []market.AlertEvent{{
		Symbol:        "PEPEUSDT",
		Exchange:      "binance",
		Category:      market.CategoryPump,
		Window:        "5m",
		PercentChange: decimal.RequireFromString("35"),
		CurrentPrice:  decimal.RequireFromString("1.35"),
		FiredAt:       t0,
	}}
	s := newTestServer(t, b, failingAlerts{}, nil)

	rec := get(t, s, "/api/v1/alerts?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []alertView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "pump", out[0].Category)
	assert.Equal(t, "35.00", out[0].PctChange)
	assert.Nil(t, out[0].Delivered)

	bad := get(t, s, "/api/v1/alerts?limit=abc")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestLastCycle(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, b, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/cycle").Code)

	b.last = service.CycleReport{At: t0, Fetched: 12, Recorded: 11, Rejected: 1}
	rec := get(t, s, "/api/v1/cycle")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 12, body["fetched"])
	assert.EqualValues(t, 1, body["rejected"])
}

func TestMetricsRoute(t *testing.T) {
	m := observability.NewMetrics("spikewatch", prometheus.NewRegistry())
	m.CyclesTotal.WithLabelValues("ok").Inc()
	rec := get(t, newTestServer(t, newBackend(t), nil, m), "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spikewatch_cycle_runs_total")
}
