package detector

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// ChangeReader is the read side of the history store.
type ChangeReader interface {
	ChangeOver(key market.SeriesKey, window market.Window, now time.Time) (market.ChangeResult, error)
	Latest(key market.SeriesKey, now time.Time) (market.Snapshot, bool)
}

var _ ChangeReader = (*history.Store)(nil)

// Evaluate returns one result per warm window. Windows without enough history are
// omitted; data errors are collected and the remaining windows still evaluated.
// It never mutates the reader.
func Evaluate(reader ChangeReader, key market.SeriesKey, windows []market.Window, now time.Time) ([]market.ChangeResult, []error) {
	results := make([]market.ChangeResult, 0, len(windows))
	var errs []error

	for _, w := range windows {
		var (
			res market.ChangeResult
			err error
		)
		if w.Source == market.SourceReported {
			res, err = reportedChange(reader, key, w, now)
		} else {
			res, err = reader.ChangeOver(key, w, now)
		}

		switch {
		case err == nil:
			results = append(results, res)
		case errors.Is(err, market.ErrInsufficientHistory):
		default:
			errs = append(errs, err)
		}
	}
	return results, errs
}

// reportedChange derives a result from the exchange-reported 24h change on the
// newest snapshot. The baseline is backed out of the current price.
func reportedChange(reader ChangeReader, key market.SeriesKey, w market.Window, now time.Time) (market.ChangeResult, error) {
	latest, ok := reader.Latest(key, now)
	if !ok || latest.Change24h == nil {
		return market.ChangeResult{}, market.ErrInsufficientHistory
	}

	pct := *latest.Change24h
	factor := one.Add(pct.Div(hundred))
	if factor.Sign() <= 0 {
		return market.ChangeResult{}, &market.DataError{Key: key, Window: w.Name, Reason: "reported change implies non-positive baseline"}
	}

	return market.ChangeResult{
		Window:        w,
		PercentChange: pct,
		BaselinePrice: latest.Price.Div(factor),
		CurrentPrice:  latest.Price,
		BaselineAt:    latest.ObservedAt.Add(-w.Duration),
		CurrentAt:     latest.ObservedAt,
	}, nil
}
