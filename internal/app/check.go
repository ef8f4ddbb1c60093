package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// CheckConfig prints the effective detector and source setup. With ping set it
// also dials every configured backing store.
func (a *App) CheckConfig(ctx context.Context, out io.Writer, ping bool) error {
	rules, err := a.Config.Detector.Rules()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Window\tSource\tDuration")
	for _, win := range rules.Windows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", win.Name, win.Source, win.Duration)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Band\tMin%\tMax%\tWindows\tMinVolume")
	for _, band := range rules.Bands {
		maxPct := band.MaxAbsPct.String()
		if band.Unbounded {
			maxPct = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", band.Kind, band.MinAbsPct, maxPct, strings.Join(band.Windows, ","), band.MinVolume)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Exchange\tKind\tQuote\tTopN")
	for _, ex := range a.Config.Exchanges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ex.Name, ex.Kind, ex.QuoteAsset, ex.TopN)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "cooldown\t%s\n", a.Config.Detector.Cooldown)
	fmt.Fprintf(w, "retention\t%s\n", a.Config.Detector.Retention)
	fmt.Fprintf(w, "interval\t%s\n", a.Config.Scheduler.Interval)
	if err := w.Flush(); err != nil {
		return err
	}

	if !ping {
		return nil
	}
	return a.pingBackends(ctx, out)
}

func (a *App) pingBackends(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if store != nil {
		defer closeStore()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		fmt.Fprintln(out, "postgres: ok")
	}

	mirror, closeMirror, err := a.openMirror(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if mirror != nil {
		closeMirror()
		fmt.Fprintln(out, "redis: ok")
	}

	archive, closeArchive, err := a.openArchive(ctx, store)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if closeArchive != nil {
		closeArchive()
	}
	if archive != nil {
		fmt.Fprintf(out, "archive (%s): ok\n", a.Config.Archive.Driver)
	}
	return nil
}
