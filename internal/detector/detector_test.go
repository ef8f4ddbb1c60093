package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
)

var (
	t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w1m    = market.Window{Name: "1m", Duration: time.Minute, Source: market.SourceHistory}
	w5m    = market.Window{Name: "5m", Duration: 5 * time.Minute, Source: market.SourceHistory}
	w15m   = market.Window{Name: "15m", Duration: 15 * time.Minute, Source: market.SourceHistory}
	wDaily = market.Window{Name: "daily", Duration: 24 * time.Hour, Source: market.SourceHistory}
	w24h   = market.Window{Name: "24h", Source: market.SourceReported}
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func pumpBand(min, max string, windows ...string) market.Band {
	b := market.Band{Kind: market.CategoryPump, MinAbsPct: dec(min), Windows: windows}
	if max == "" {
		b.Unbounded = true
	} else {
		b.MaxAbsPct = dec(max)
	}
	return b
}

func dumpBand(min, max string, windows ...string) market.Band {
	b := pumpBand(min, max, windows...)
	b.Kind = market.CategoryDump
	return b
}

func result(w market.Window, pct string) market.ChangeResult {
	return market.ChangeResult{Window: w, PercentChange: dec(pct)}
}

func TestNewRulesRejectsInvertedBand(t *testing.T) {
	_, err := NewRules([]market.Window{w5m}, []market.Band{pumpBand("70", "30", "5m")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "greater than max_pct")
}

func TestNewRulesValidation(t *testing.T) {
	cases := map[string]struct {
		windows []market.Window
		bands   []market.Band
	}{
		"no windows":       {nil, []market.Band{pumpBand("30", "70", "5m")}},
		"no bands":         {[]market.Window{w5m}, nil},
		"unknown window":   {[]market.Window{w5m}, []market.Band{pumpBand("30", "70", "1h")}},
		"duplicate window": {[]market.Window{w5m, w5m}, []market.Band{pumpBand("30", "70", "5m")}},
		"zero duration":    {[]market.Window{{Name: "x"}}, []market.Band{pumpBand("30", "70", "x")}},
		"negative min":     {[]market.Window{w5m}, []market.Band{pumpBand("-1", "70", "5m")}},
		"band without windows": {[]market.Window{w5m}, []market.Band{pumpBand("30", "70")}},
		"bad kind": {[]market.Window{w5m}, []market.Band{{Kind: "moon", MinAbsPct: dec("1"), Unbounded: true, Windows: []string{"5m"}}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRules(tc.windows, tc.bands)
			require.Error(t, err)
		})
	}
}

func TestNewRulesOrdersWindowsAndDefaultsReported(t *testing.T) {
	rules, err := NewRules(
		[]market.Window{wDaily, w15m, w24h, w1m, w5m},
		[]market.Band{pumpBand("30", "70", "1m", "5m", "15m", "24h"), dumpBand("30", "70", "daily")},
	)
	require.NoError(t, err)

	names := make([]string, 0, len(rules.Windows))
	for _, w := range rules.Windows {
		names = append(names, w.Name)
	}
	require.Equal(t, []string{"1m", "5m", "15m", "daily", "24h"}, names)
	require.Equal(t, 24*time.Hour, rules.Windows[4].Duration)
	require.Equal(t, 24*time.Hour, rules.LongestHistoryWindow())
}

func TestBandAdmits(t *testing.T) {
	pump := pumpBand("30", "70", "5m")
	require.True(t, pump.Admits(dec("30")))
	require.True(t, pump.Admits(dec("70")))
	require.True(t, pump.Admits(dec("45.5")))
	require.False(t, pump.Admits(dec("29.999")))
	require.False(t, pump.Admits(dec("70.01")))
	require.False(t, pump.Admits(dec("-40")))

	dump := dumpBand("5", "", "5m")
	require.True(t, dump.Admits(dec("-5")))
	require.True(t, dump.Admits(dec("-99.9")))
	require.False(t, dump.Admits(dec("-4.99")))
	require.False(t, dump.Admits(dec("6")))
}

func TestClassifyPrefersShortestWindow(t *testing.T) {
	bands := []market.Band{pumpBand("30", "70", "1m", "5m", "15m")}
	results := []market.ChangeResult{result(w15m, "40"), result(w5m, "35")}

	match, ok := Classify(results, bands, decimal.Zero)
	require.True(t, ok)
	require.Equal(t, market.CategoryPump, match.Category)
	require.Equal(t, "5m", match.Result.Window.Name)
	require.Equal(t, "35", match.Result.PercentChange.String())
}

func TestClassifySharedBaselineReportsLongestWindow(t *testing.T) {
	bands := []market.Band{pumpBand("30", "70", "1m", "5m", "15m")}
	at := func(w market.Window, pct string, baseline time.Time) market.ChangeResult {
		r := result(w, pct)
		r.BaselineAt = baseline
		r.CurrentAt = t0.Add(5 * time.Minute)
		return r
	}

	// sparse history: 1m and 5m both fall back to the t0 snapshot
	match, ok := Classify([]market.ChangeResult{at(w1m, "35", t0), at(w5m, "35", t0)}, bands, decimal.Zero)
	require.True(t, ok)
	require.Equal(t, "5m", match.Result.Window.Name)

	// dense history: 1m has its own, more recent baseline
	match, ok = Classify([]market.ChangeResult{at(w5m, "35", t0), at(w1m, "31", t0.Add(4*time.Minute))}, bands, decimal.Zero)
	require.True(t, ok)
	require.Equal(t, "1m", match.Result.Window.Name)
}

func TestClassifyEqualWindowPrefersMagnitudeThenPump(t *testing.T) {
	other5m := market.Window{Name: "5m-alt", Duration: 5 * time.Minute}
	bands := []market.Band{
		pumpBand("30", "", "5m", "5m-alt"),
		dumpBand("30", "", "5m", "5m-alt"),
	}

	match, ok := Classify([]market.ChangeResult{result(w5m, "31"), result(other5m, "-45")}, bands, decimal.Zero)
	require.True(t, ok)
	require.Equal(t, market.CategoryDump, match.Category)

	match, ok = Classify([]market.ChangeResult{result(other5m, "-40"), result(w5m, "40")}, bands, decimal.Zero)
	require.True(t, ok)
	require.Equal(t, market.CategoryPump, match.Category)
}

func TestClassifyNoMatch(t *testing.T) {
	bands := []market.Band{pumpBand("30", "70", "5m"), dumpBand("5", "", "5m")}

	_, ok := Classify([]market.ChangeResult{result(w5m, "12")}, bands, decimal.Zero)
	require.False(t, ok)

	// band does not watch 15m
	_, ok = Classify([]market.ChangeResult{result(w15m, "50")}, bands, decimal.Zero)
	require.False(t, ok)

	_, ok = Classify(nil, bands, decimal.Zero)
	require.False(t, ok)
}

func TestClassifyMinVolume(t *testing.T) {
	band := pumpBand("30", "70", "5m")
	band.MinVolume = dec("100000")

	_, ok := Classify([]market.ChangeResult{result(w5m, "35")}, []market.Band{band}, dec("99999"))
	require.False(t, ok)

	_, ok = Classify([]market.ChangeResult{result(w5m, "35")}, []market.Band{band}, dec("100000"))
	require.True(t, ok)
}

func TestEvaluateSkipsColdWindows(t *testing.T) {
	store := history.New(24 * time.Hour)
	key := market.SeriesKey{Symbol: "XYZUSDT", Exchange: "demo-exchange"}
	now := t0.Add(6 * time.Minute)

	require.NoError(t, store.Record(market.Snapshot{Symbol: "XYZUSDT", Exchange: "demo-exchange", Price: dec("1.00"), ObservedAt: t0}, now))
	require.NoError(t, store.Record(market.Snapshot{Symbol: "XYZUSDT", Exchange: "demo-exchange", Price: dec("1.35"), ObservedAt: now}, now))

	results, errs := Evaluate(store, key, []market.Window{w1m, w5m, w15m, wDaily}, now)
	require.Empty(t, errs)
	require.Len(t, results, 2)
	require.Equal(t, "1m", results[0].Window.Name)
	require.Equal(t, "5m", results[1].Window.Name)
	require.Equal(t, "35", results[1].PercentChange.String())
}

func TestEvaluateReportedWindow(t *testing.T) {
	store := history.New(24 * time.Hour)
	key := market.SeriesKey{Symbol: "XYZUSDT", Exchange: "demo-exchange"}
	change := dec("50")

	require.NoError(t, store.Record(market.Snapshot{Symbol: "XYZUSDT", Exchange: "demo-exchange", Price: dec("3"), Change24h: &change, ObservedAt: t0}, t0))

	results, errs := Evaluate(store, key, []market.Window{{Name: "24h", Duration: 24 * time.Hour, Source: market.SourceReported}}, t0)
	require.Empty(t, errs)
	require.Len(t, results, 1)
	require.Equal(t, "50", results[0].PercentChange.String())
	require.Equal(t, "2", results[0].BaselinePrice.String())

	crash := dec("-100")
	require.NoError(t, store.Record(market.Snapshot{Symbol: "XYZUSDT", Exchange: "demo-exchange", Price: dec("3"), Change24h: &crash, ObservedAt: t0.Add(time.Second)}, t0))
	results, errs = Evaluate(store, key, []market.Window{{Name: "24h", Duration: 24 * time.Hour, Source: market.SourceReported}}, t0.Add(time.Second))
	require.Empty(t, results)
	require.Len(t, errs, 1)
	require.True(t, market.IsDataError(errs[0]))
}

type brokenReader struct{}

func (brokenReader) ChangeOver(key market.SeriesKey, w market.Window, _ time.Time) (market.ChangeResult, error) {
	if w.Name == "5m" {
		return market.ChangeResult{}, &market.DataError{Key: key, Window: w.Name, Reason: "non-positive baseline price"}
	}
	return market.ChangeResult{Window: w, PercentChange: dec("40")}, nil
}

func (brokenReader) Latest(market.SeriesKey, time.Time) (market.Snapshot, bool) {
	return market.Snapshot{}, false
}

func TestDetectContinuesPastDataErrors(t *testing.T) {
	rules, err := NewRules([]market.Window{w5m, w15m}, []market.Band{pumpBand("30", "70", "5m", "15m")})
	require.NoError(t, err)

	match, ok, errs := New(rules).Detect(brokenReader{}, market.SeriesKey{Symbol: "A", Exchange: "b"}, t0)
	require.True(t, ok)
	require.Equal(t, "15m", match.Result.Window.Name)
	require.Len(t, errs, 1)
	require.True(t, market.IsDataError(errs[0]))
}
