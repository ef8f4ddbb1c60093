package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spike-alerts/internal/history"
	"spike-alerts/internal/market"
	"spike-alerts/internal/storage"
)

// Export renders one archived series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Exchange == "" || opts.Symbol == "" {
		return errors.New("--exchange and --symbol are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	archive, closeAll, err := a.openReadArchive(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Detector.Retention)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snaps, err := archive.ListSnapshots(ctx, storage.SnapshotFilter{
		Exchange: opts.Exchange,
		Symbol:   opts.Symbol,
		From:     from,
		To:       to,
	})
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Str("exchange", opts.Exchange).Str("symbol", opts.Symbol).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// openReadArchive picks the configured archive, falling back to postgres when
// a DSN is set. The returned closer is never nil.
func (a *App) openReadArchive(ctx context.Context) (storage.SnapshotArchive, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		if closeStore != nil {
			closeStore()
		}
	}

	archive, closeArchive, err := a.openArchive(ctx, store)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if archive == nil && store != nil {
		archive = store
	}
	if archive == nil {
		closeAll()
		return nil, nil, errors.New("no snapshot archive configured; set database.dsn or archive.driver")
	}
	return archive, func() {
		if closeArchive != nil {
			closeArchive()
		}
		closeAll()
	}, nil
}

func downsampleSnapshots(snaps []market.Snapshot, max int) []market.Snapshot {
	if max <= 1 || len(snaps) <= max {
		return snaps
	}

	result := make([]market.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snaps []market.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "exchange", "symbol", "price", "volume_24h", "change_24h_pct", "change_from_first_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	first := snaps[0].Price
	for _, snap := range snaps {
		change := ""
		if snap.Change24h != nil {
			change = snap.Change24h.StringFixed(4)
		}
		record := []string{
			snap.ObservedAt.UTC().Format(time.RFC3339),
			snap.Exchange,
			snap.Symbol,
			snap.Price.String(),
			snap.Volume.String(),
			change,
			history.PercentChange(first, snap.Price).StringFixed(4),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snaps []market.Snapshot) error {
	if len(snaps) < 2 {
		return fmt.Errorf("at least two snapshots are needed to draw a chart, got %d", len(snaps))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	price := make([]float64, len(snaps))
	move := make([]float64, len(snaps))
	first := snaps[0].Price
	for i, snap := range snaps {
		x[i] = snap.ObservedAt
		price[i] = snap.Price.InexactFloat64()
		move[i] = history.PercentChange(first, snap.Price).InexactFloat64()
	}

	title := snaps[0].Exchange + " " + snaps[0].Symbol
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.6g")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Move (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Move %",
				XValues: x,
				YValues: move,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
