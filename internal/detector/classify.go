package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

// Match is the single qualifying move for a series in one evaluation.
type Match struct {
	Category market.Category
	Result   market.ChangeResult
	Band     market.Band
}

// Classify picks at most one qualifying result.
//
// Ordering: shortest measured span first, then larger magnitude, then pump
// before dump. Windows that resolved to the same baseline and current snapshot
// are reported under the longest of them, so sparse history never labels a
// five minute move as a one minute one. volume is the newest snapshot volume,
// checked against each band's MinVolume.
func Classify(results []market.ChangeResult, bands []market.Band, volume decimal.Decimal) (Match, bool) {
	var (
		best  Match
		found bool
	)
	for _, res := range results {
		for _, band := range bands {
			if !band.AppliesTo(res.Window.Name) || !band.Admits(res.PercentChange) {
				continue
			}
			if band.MinVolume.Sign() > 0 && volume.LessThan(band.MinVolume) {
				continue
			}
			candidate := Match{Category: band.Kind, Result: res, Band: band}
			if !found || outranks(candidate, best) {
				best = candidate
				found = true
			}
		}
	}
	return best, found
}

func outranks(a, b Match) bool {
	if spanA, spanB := span(a.Result), span(b.Result); spanA != spanB {
		return spanA < spanB
	}
	if a.Result.Window.Duration != b.Result.Window.Duration {
		return a.Result.Window.Duration > b.Result.Window.Duration
	}
	absA, absB := a.Result.PercentChange.Abs(), b.Result.PercentChange.Abs()
	if !absA.Equal(absB) {
		return absA.GreaterThan(absB)
	}
	return a.Category == market.CategoryPump && b.Category == market.CategoryDump
}

// Detector runs evaluation and classification with a fixed rule set.
type Detector struct {
	rules Rules
}

// New wraps validated rules.
func New(rules Rules) *Detector {
	return &Detector{rules: rules}
}

// Rules returns the rule set.
func (d *Detector) Rules() Rules {
	return d.rules
}

// Detect evaluates key at now. It returns the best match, if any, together with
// per-window data errors.
func (d *Detector) Detect(reader ChangeReader, key market.SeriesKey, now time.Time) (Match, bool, []error) {
	results, errs := Evaluate(reader, key, d.rules.Windows, now)
	if len(results) == 0 {
		return Match{}, false, errs
	}

	var volume decimal.Decimal
	if latest, ok := reader.Latest(key, now); ok {
		volume = latest.Volume
	}
	match, ok := Classify(results, d.rules.Bands, volume)
	return match, ok, errs
}

// span is the time actually covered by a result. Results without timestamps
// fall back to the nominal window.
func span(r market.ChangeResult) time.Duration {
	if r.BaselineAt.IsZero() || r.CurrentAt.IsZero() {
		return r.Window.Duration
	}
	return r.CurrentAt.Sub(r.BaselineAt)
}
