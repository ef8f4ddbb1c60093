package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spike-alerts/internal/alerting"
	"spike-alerts/internal/app"
)

var (
	simulateExchange string
	simulateSymbol   string
	simulateWindow   string
	simulatePct      float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次异动并走完整告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePct == 0 {
			return errors.New("--pct 不能为 0")
		}

		event, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Exchange: simulateExchange,
			Symbol:   simulateSymbol,
			Window:   simulateWindow,
			Pct:      decimal.NewFromFloat(simulatePct),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), alerting.RenderMessage(event))
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "binance", "交易所名称")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "TESTUSDT", "交易对")
	simulateCmd.Flags().StringVar(&simulateWindow, "window", "5m", "检测窗口名称")
	simulateCmd.Flags().Float64Var(&simulatePct, "pct", 40, "涨跌幅百分比，负数表示下跌")
}
