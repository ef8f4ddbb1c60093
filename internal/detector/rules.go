package detector

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"spike-alerts/internal/market"
)

const reportedWindowDuration = 24 * time.Hour

// Rules is the validated window and band set used by every evaluation.
type Rules struct {
	Windows []market.Window
	Bands   []market.Band
}

// NewRules validates windows and bands. Windows are returned ordered shortest first.
func NewRules(windows []market.Window, bands []market.Band) (Rules, error) {
	if len(windows) == 0 {
		return Rules{}, errors.New("at least one window is required")
	}
	if len(bands) == 0 {
		return Rules{}, errors.New("at least one band is required")
	}

	known := make(map[string]struct{}, len(windows))
	normalized := make([]market.Window, 0, len(windows))
	for _, w := range windows {
		if w.Name == "" {
			return Rules{}, errors.New("window name is required")
		}
		if _, dup := known[w.Name]; dup {
			return Rules{}, fmt.Errorf("duplicate window %q", w.Name)
		}
		switch w.Source {
		case "", market.SourceHistory:
			w.Source = market.SourceHistory
			if w.Duration <= 0 {
				return Rules{}, fmt.Errorf("window %q: duration must be positive", w.Name)
			}
		case market.SourceReported:
			if w.Duration <= 0 {
				w.Duration = reportedWindowDuration
			}
		default:
			return Rules{}, fmt.Errorf("window %q: unknown source %q", w.Name, w.Source)
		}
		known[w.Name] = struct{}{}
		normalized = append(normalized, w)
	}

	for i, b := range bands {
		if b.Kind != market.CategoryPump && b.Kind != market.CategoryDump {
			return Rules{}, fmt.Errorf("band %d: unknown kind %q", i, b.Kind)
		}
		if b.MinAbsPct.Sign() < 0 {
			return Rules{}, fmt.Errorf("band %d: min_pct cannot be negative", i)
		}
		if !b.Unbounded && b.MinAbsPct.GreaterThan(b.MaxAbsPct) {
			return Rules{}, fmt.Errorf("band %d: min_pct %s greater than max_pct %s", i, b.MinAbsPct, b.MaxAbsPct)
		}
		if b.MinVolume.Sign() < 0 {
			return Rules{}, fmt.Errorf("band %d: min_volume cannot be negative", i)
		}
		if len(b.Windows) == 0 {
			return Rules{}, fmt.Errorf("band %d: no windows", i)
		}
		for _, name := range b.Windows {
			if _, ok := known[name]; !ok {
				return Rules{}, fmt.Errorf("band %d: unknown window %q", i, name)
			}
		}
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		return normalized[i].Duration < normalized[j].Duration
	})

	return Rules{Windows: normalized, Bands: append([]market.Band(nil), bands...)}, nil
}

// LongestHistoryWindow returns the longest window computed from the buffer.
func (r Rules) LongestHistoryWindow() time.Duration {
	var longest time.Duration
	for _, w := range r.Windows {
		if w.Source == market.SourceHistory && w.Duration > longest {
			longest = w.Duration
		}
	}
	return longest
}
