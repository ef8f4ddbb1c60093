// Package api exposes a read-only HTTP status surface over the running engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spike-alerts/internal/detector"
	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
	"spike-alerts/internal/observability"
	"spike-alerts/internal/service"
	"spike-alerts/internal/storage"
)

// Backend is the engine state the API reads.
type Backend interface {
	History() *history.Store
	Detector() *detector.Detector
	RecentAlerts(limit int) []market.AlertEvent
	LastCycle() service.CycleReport
}

// Server wraps the gin router and its http.Server.
type Server struct {
	backend Backend
	alerts  storage.AlertStore
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. alerts and metrics may be nil.
func NewServer(addr string, backend Backend, alerts storage.AlertStore, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		backend: backend,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With().Str("component", "http_api").Logger(),
		now:     time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	v1 := r.Group("/api/v1")
	v1.GET("/series", s.listSeries)
	v1.GET("/series/:exchange/:symbol/changes", s.seriesChanges)
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/cycle", s.lastCycle)

	s.router = r
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	last := s.backend.LastCycle()
	body := gin.H{"status": "ok"}
	if !last.At.IsZero() {
		body["last_cycle"] = last.At
		body["failed_exchanges"] = last.FailedExchanges
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) lastCycle(c *gin.Context) {
	last := s.backend.LastCycle()
	if last.At.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "NO_CYCLE_YET"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"at":               last.At,
		"fetched":          last.Fetched,
		"recorded":         last.Recorded,
		"rejected":         last.Rejected,
		"failed_exchanges": last.FailedExchanges,
		"evaluated":        last.Evaluated,
		"data_errors":      last.DataErrors,
		"matches":          last.Matches,
		"suppressed":       last.Suppressed,
		"fired":            len(last.Fired),
		"emit_failures":    last.EmitFailures,
		"evicted":          last.Evicted,
	})
}

type seriesView struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Snapshots   int       `json:"snapshots"`
	LatestPrice string    `json:"latest_price,omitempty"`
	LatestAt    time.Time `json:"latest_at,omitempty"`
}

func (s *Server) listSeries(c *gin.Context) {
	store := s.backend.History()
	now := s.now()
	keys := store.Keys()
	out := make([]seriesView, 0, len(keys))
	for _, key := range keys {
		view := seriesView{Exchange: key.Exchange, Symbol: key.Symbol, Snapshots: len(store.Snapshots(key))}
		if latest, ok := store.Latest(key, now); ok {
			view.LatestPrice = latest.Price.String()
			view.LatestAt = latest.ObservedAt
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, out)
}

type changeView struct {
	Window     string    `json:"window"`
	Source     string    `json:"source"`
	PctChange  string    `json:"pct_change"`
	Baseline   string    `json:"baseline_price"`
	Current    string    `json:"current_price"`
	BaselineAt time.Time `json:"baseline_at"`
	CurrentAt  time.Time `json:"current_at"`
}

func (s *Server) seriesChanges(c *gin.Context) {
	key := market.SeriesKey{Exchange: c.Param("exchange"), Symbol: c.Param("symbol")}
	store := s.backend.History()
	now := s.now()
	if _, ok := store.Latest(key, now); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "SERIES_NOT_FOUND"})
		return
	}

	results, errs := detector.Evaluate(store, key, s.backend.Detector().Rules().Windows, now)
	views := make([]changeView, 0, len(results))
	for _, r := range results {
		views = append(views, changeView{
			Window:     r.Window.Name,
			Source:     string(r.Window.Source),
			PctChange:  r.PercentChange.StringFixed(4),
			Baseline:   r.BaselinePrice.String(),
			Current:    r.CurrentPrice.String(),
			BaselineAt: r.BaselineAt,
			CurrentAt:  r.CurrentAt,
		})
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	c.JSON(http.StatusOK, gin.H{"series": key.String(), "changes": views, "errors": messages})
}

type alertView struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Category  string    `json:"category"`
	Window    string    `json:"window"`
	PctChange string    `json:"pct_change"`
	Price     string    `json:"price"`
	FiredAt   time.Time `json:"fired_at"`
	Delivered *bool     `json:"delivered,omitempty"`
}

func toAlertView(e market.AlertEvent) alertView {
	return alertView{
		Exchange:  e.Exchange,
		Symbol:    e.Symbol,
		Category:  string(e.Category),
		Window:    e.Window,
		PctChange: e.PercentChange.StringFixed(2),
		Price:     e.CurrentPrice.String(),
		FiredAt:   e.FiredAt,
	}
}

func (s *Server) listAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_LIMIT"})
			return
		}
		limit = n
	}

	if s.alerts != nil {
		records, err := s.alerts.ListRecentAlerts(c.Request.Context(), limit)
		if err == nil {
			out := make([]alertView, 0, len(records))
			for _, rec := range records {
				view := toAlertView(rec.Event)
				delivered := rec.Delivered
				view.Delivered = &delivered
				out = append(out, view)
			}
			c.JSON(http.StatusOK, out)
			return
		}
		s.logger.Warn().Err(err).Msg("alert store unavailable, serving in-memory alerts")
	}

	events := s.backend.RecentAlerts(limit)
	out := make([]alertView, 0, len(events))
	for _, e := range events {
		out = append(out, toAlertView(e))
	}
	c.JSON(http.StatusOK, out)
}

var _ Backend = (*service.Service)(nil)
