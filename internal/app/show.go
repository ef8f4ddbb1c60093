package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"spike-alerts/internal/storage"
)

// Show prints the most recent audited alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	return writeAlertTable(os.Stdout, alerts)
}

func writeAlertTable(out io.Writer, alerts []storage.AlertRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tExchange\tSymbol\tCategory\tWindow\tMove%\tPrice\tDelivered\tError")

	for _, rec := range alerts {
		errMsg := ""
		if rec.DeliveryError != nil {
			errMsg = sanitizeInline(*rec.DeliveryError)
		}
		e := rec.Event
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			e.FiredAt.UTC().Format(time.RFC3339),
			e.Exchange,
			e.Symbol,
			strings.ToUpper(string(e.Category)),
			e.Window,
			e.PercentChange.StringFixed(2),
			e.CurrentPrice.String(),
			rec.Delivered,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
