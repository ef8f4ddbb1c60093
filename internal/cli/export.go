package cli

import (
	"github.com/spf13/cobra"

	"spike-alerts/internal/app"
)

var (
	exportExchange  string
	exportSymbol    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an archived price series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Exchange:  exportExchange,
			Symbol:    exportSymbol,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		from, err := parseOptionalTime("--from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseOptionalTime("--to", exportTo)
		if err != nil {
			return err
		}
		opts.From, opts.To = from, to

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportExchange, "exchange", "", "Exchange name as configured")
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Symbol, e.g. PEPEUSDT")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
