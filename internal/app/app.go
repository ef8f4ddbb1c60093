package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spike-alerts/internal/alerting"
	"spike-alerts/internal/api"
	"spike-alerts/internal/config"
	"spike-alerts/internal/dedup"
	"spike-alerts/internal/detector"
	"spike-alerts/internal/fetcher"
	"spike-alerts/internal/history"
	"spike-alerts/internal/observability"
	"spike-alerts/internal/scheduler"
	"spike-alerts/internal/service"
	"spike-alerts/internal/storage"
	"spike-alerts/internal/storage/cache"
	"spike-alerts/internal/storage/columnar"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() *fetcher.Registry {
	registry := fetcher.NewRegistry()
	for _, ex := range a.Config.Exchanges {
		opts := fetcher.TickerOptions{
			BaseURL:    ex.BaseURL,
			QuoteAsset: ex.QuoteAsset,
			TopN:       ex.TopN,
			Timeout:    ex.RequestTimeout,
			UserAgent:  ex.UserAgent,
		}
		switch ex.Kind {
		case "binance":
			registry.Register(ex.Name, fetcher.NewBinance(opts, a.Logger))
		case "bybit":
			registry.Register(ex.Name, fetcher.NewBybit(opts, a.Logger))
		case "okx":
			registry.Register(ex.Name, fetcher.NewOKX(opts, a.Logger))
		case "mexc":
			registry.Register(ex.Name, fetcher.NewMEXC(opts, a.Logger))
		case "bitget":
			registry.Register(ex.Name, fetcher.NewBitget(opts, a.Logger))
		case "gateio":
			registry.Register(ex.Name, fetcher.NewGateIO(opts, a.Logger))
		case "chainlink":
			feeds := make([]fetcher.Feed, 0, len(ex.Feeds))
			for _, f := range ex.Feeds {
				feeds = append(feeds, fetcher.Feed{Symbol: f.Symbol, Address: f.Address})
			}
			registry.Register(ex.Name, fetcher.NewChainlink(fetcher.ChainlinkOptions{
				RPCURL:  ex.RPCURL,
				Feeds:   feeds,
				Timeout: ex.RequestTimeout,
			}, a.Logger))
		}
	}
	return registry
}

// newNotifier always returns a notifier; console output is the fallback channel.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.NewConsoleNotifier(a.Logger)
	}

	var fanout alerting.Fanout
	for _, channel := range cfg.Channels {
		if channel == "console" {
			fanout = append(fanout, alerting.NewConsoleNotifier(a.Logger))
		}
	}
	if cfg.Telegram.Enabled {
		recipients := make([]alerting.Recipient, 0, len(cfg.Telegram.Recipients))
		for _, r := range cfg.Telegram.Recipients {
			recipients = append(recipients, alerting.Recipient{ChatID: r.ChatID, Exchanges: r.Exchanges})
		}
		fanout = append(fanout, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, recipients, cfg.Telegram.APIBase, cfg.Telegram.RequestTimeout, a.Logger))
	}
	if len(fanout) == 0 {
		return alerting.NewConsoleNotifier(a.Logger)
	}
	if len(fanout) == 1 {
		return fanout[0]
	}
	return fanout
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openMirror(ctx context.Context) (*cache.HistoryMirror, func(), error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil, nil
	}
	mirror, err := cache.NewHistoryMirror(ctx, a.Config.Redis, a.Config.Detector.Retention, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return mirror, func() { _ = mirror.Close() }, nil
}

// openArchive resolves archive.driver. The postgres driver reuses store.
func (a *App) openArchive(ctx context.Context, store *storage.Store) (storage.SnapshotArchive, func(), error) {
	switch a.Config.Archive.Driver {
	case "postgres":
		if store == nil {
			return nil, nil, errors.New("archive.driver postgres requires database.dsn")
		}
		return store, nil, nil
	case "clickhouse":
		archive, err := columnar.Open(ctx, a.Config.Archive.ClickHouseDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := archive.Migrate(ctx); err != nil {
			_ = archive.Close()
			return nil, nil, err
		}
		return archive, func() { _ = archive.Close() }, nil
	default:
		return nil, nil, nil
	}
}

// newEngine builds a service over fresh in-memory state.
func (a *App) newEngine(deps service.Dependencies, sched *scheduler.Scheduler) (*service.Service, error) {
	rules, err := a.Config.Detector.Rules()
	if err != nil {
		return nil, err
	}
	deps.History = history.New(a.Config.Detector.Retention)
	deps.Detector = detector.New(rules)
	deps.Gate = dedup.NewGate(a.Config.Detector.Cooldown)

	return service.New(service.Options{
		FetchTimeout: a.Config.Scheduler.FetchTimeout,
		Workers:      a.Config.Detector.Workers,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
	}, deps, sched, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	mirror, closeMirror, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	if closeMirror != nil {
		defer closeMirror()
	}

	archive, closeArchive, err := a.openArchive(ctx, store)
	if err != nil {
		return err
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	registry := a.newSource()
	metrics := observability.NewMetrics(a.Config.App.Name, prometheus.NewRegistry())

	deps := service.Dependencies{
		Source:    registry,
		Exchanges: registry.Exchanges(),
		Notifier:  a.newNotifier(),
		Archive:   archive,
		Metrics:   metrics,
	}
	var alerts storage.AlertStore
	if store != nil {
		deps.Persister = store
		deps.Alerts = store
		deps.Locker = store
		alerts = store
	}
	if mirror != nil {
		deps.Mirror = mirror
	}

	svc, err := a.newEngine(deps, sched)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.HTTP.Enabled {
		server := api.NewServer(a.Config.HTTP.Addr, svc, alerts, metrics, a.Logger)
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
	}

	a.Logger.Info().Strs("exchanges", deps.Exchanges).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived snapshots.
type ExportOptions struct {
	Exchange  string
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure a replay of archived snapshots.
type ReplayOptions struct {
	From     time.Time
	To       time.Time
	Exchange string
	// Notify routes alerts from the requested range through the configured
	// channels. Alerts raised while warming up still arm their cooldowns but
	// are never delivered.
	Notify bool
}
