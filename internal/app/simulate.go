package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spike-alerts/internal/fetcher"
	"spike-alerts/internal/market"
	"spike-alerts/internal/service"
)

// SimulateOptions 描述一次模拟行情。
type SimulateOptions struct {
	Exchange string
	Symbol   string
	Window   string
	Pct      decimal.Decimal
}

// SimulateAlert 在一个独立引擎中回放基准价与异动价，走完整的检测、去重与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (market.AlertEvent, error) {
	if !a.Config.Alerting.Enabled {
		return market.AlertEvent{}, errors.New("alerting 未启用")
	}
	if opts.Pct.LessThanOrEqual(decimal.NewFromInt(-100)) {
		return market.AlertEvent{}, errors.New("--pct 必须大于 -100")
	}

	rules, err := a.Config.Detector.Rules()
	if err != nil {
		return market.AlertEvent{}, err
	}
	var window market.Window
	for _, w := range rules.Windows {
		if w.Name == opts.Window {
			window = w
		}
	}
	if window.Name == "" {
		return market.AlertEvent{}, fmt.Errorf("未知窗口 %q", opts.Window)
	}

	now := time.Now().UTC()
	baseline := market.Snapshot{
		Symbol:   opts.Symbol,
		Exchange: opts.Exchange,
		Price:    decimal.NewFromInt(1),
		Volume:   decimal.NewFromInt(1_000_000_000),
	}
	current := baseline
	current.Price = decimal.NewFromInt(1).Add(opts.Pct.Div(decimal.NewFromInt(100)))
	current.ObservedAt = now

	source := fetcher.NewStatic()
	svc, err := a.newEngine(service.Dependencies{
		Source:    source,
		Exchanges: []string{opts.Exchange},
		Notifier:  a.newNotifier(),
	}, nil)
	if err != nil {
		return market.AlertEvent{}, err
	}

	var cycles []time.Time
	if window.Source == market.SourceReported {
		change := opts.Pct
		current.Change24h = &change
		cycles = []time.Time{now}
		source.Push(opts.Exchange, []market.Snapshot{current})
	} else {
		baseline.ObservedAt = now.Add(-window.Duration)
		cycles = []time.Time{baseline.ObservedAt, now}
		source.Push(opts.Exchange, []market.Snapshot{baseline})
		source.Push(opts.Exchange, []market.Snapshot{current})
	}

	var report service.CycleReport
	for _, at := range cycles {
		if report, err = svc.ProcessCycle(ctx, at); err != nil {
			return market.AlertEvent{}, err
		}
	}
	if len(report.Fired) == 0 {
		return market.AlertEvent{}, fmt.Errorf("模拟涨跌幅 %s%% 未命中任何告警区间", opts.Pct.String())
	}
	if report.EmitFailures > 0 {
		return report.Fired[0], errors.New("告警已触发但投递失败，请检查日志")
	}
	return report.Fired[0], nil
}
