package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies an abnormal move.
type Category string

const (
	CategoryPump Category = "pump"
	CategoryDump Category = "dump"
)

// ParseCategory accepts "pump" or "dump" in any case.
func ParseCategory(v string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(v))) {
	case CategoryPump:
		return CategoryPump, nil
	case CategoryDump:
		return CategoryDump, nil
	default:
		return "", fmt.Errorf("unknown category %q", v)
	}
}

// WindowSource tells the evaluator where a window's change comes from.
type WindowSource string

const (
	// SourceHistory computes the change from the rolling buffer.
	SourceHistory WindowSource = "history"
	// SourceReported uses the exchange-reported 24h change on the newest snapshot.
	SourceReported WindowSource = "reported"
)

// SeriesKey identifies one rolling history buffer.
type SeriesKey struct {
	Symbol   string
	Exchange string
}

func (k SeriesKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// Snapshot is a single price observation for a symbol on an exchange.
type Snapshot struct {
	Symbol     string
	Exchange   string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Change24h  *decimal.Decimal
	ObservedAt time.Time
}

// Key returns the series the snapshot belongs to.
func (s Snapshot) Key() SeriesKey {
	return SeriesKey{Symbol: s.Symbol, Exchange: s.Exchange}
}

// Window is a fixed lookback duration.
type Window struct {
	Name     string
	Duration time.Duration
	Source   WindowSource
}

// ChangeResult is the percent move of one series over one window.
type ChangeResult struct {
	Window        Window
	PercentChange decimal.Decimal
	BaselinePrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	BaselineAt    time.Time
	CurrentAt     time.Time
}

// Band is a threshold range for one category.
type Band struct {
	Kind      Category
	MinAbsPct decimal.Decimal
	// MaxAbsPct is ignored when Unbounded is set.
	MaxAbsPct decimal.Decimal
	Unbounded bool
	Windows   []string
	MinVolume decimal.Decimal
}

// AppliesTo reports whether the band watches the named window.
func (b Band) AppliesTo(window string) bool {
	for _, w := range b.Windows {
		if w == window {
			return true
		}
	}
	return false
}

// Admits reports whether pct has the band's sign and falls inside its magnitude range.
func (b Band) Admits(pct decimal.Decimal) bool {
	switch b.Kind {
	case CategoryPump:
		if pct.Sign() <= 0 {
			return false
		}
	case CategoryDump:
		if pct.Sign() >= 0 {
			return false
		}
	default:
		return false
	}
	abs := pct.Abs()
	if abs.LessThan(b.MinAbsPct) {
		return false
	}
	return b.Unbounded || abs.LessThanOrEqual(b.MaxAbsPct)
}

// AlertEvent is a qualified, deduplicated alert.
type AlertEvent struct {
	Symbol        string
	Exchange      string
	Category      Category
	Window        string
	PercentChange decimal.Decimal
	BaselinePrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	Volume        decimal.Decimal
	FiredAt       time.Time
}

// Key returns the series the event was raised for.
func (e AlertEvent) Key() SeriesKey {
	return SeriesKey{Symbol: e.Symbol, Exchange: e.Exchange}
}

// DedupKey is the granularity of the cooldown.
type DedupKey struct {
	Symbol   string
	Exchange string
	Category Category
}

// DedupRecord holds the last fire time of one dedup key.
type DedupRecord struct {
	Key         DedupKey
	LastFiredAt time.Time
}
