package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// RenderMessage formats an alert for chat delivery.
func RenderMessage(event market.AlertEvent) string {
	b := strings.Builder{}
	switch event.Category {
	case market.CategoryDump:
		b.WriteString("📉 *DUMP DETECTED!*\n\n")
	default:
		b.WriteString("🚀 *PUMP DETECTED!*\n\n")
	}
	b.WriteString(fmt.Sprintf("🪙 *%s*\n", event.Symbol))
	b.WriteString(fmt.Sprintf("📍 Exchange: %s\n", strings.ToUpper(event.Exchange)))
	b.WriteString(fmt.Sprintf("💰 Price: $%s (from $%s)\n", event.CurrentPrice.StringFixed(4), event.BaselinePrice.StringFixed(4)))

	sign := ""
	if event.PercentChange.IsPositive() {
		sign = "+"
	}
	b.WriteString(fmt.Sprintf("⚡ *Move: %s%s%% (%s)*\n", sign, event.PercentChange.StringFixed(2), event.Window))
	if event.Volume.IsPositive() {
		b.WriteString(fmt.Sprintf("📊 Volume: %s\n", FormatVolume(event.Volume)))
	}
	b.WriteString(fmt.Sprintf("🕒 %s UTC\n", event.FiredAt.UTC().Format(time.RFC3339)))
	if url := TradeLink(event.Exchange, event.Symbol); url != "" {
		b.WriteString(fmt.Sprintf("🔗 [Trade Now](%s)\n", url))
	}
	return b.String()
}

// FormatVolume renders a quote volume as $1.23K, $4.56M or $7.89B.
func FormatVolume(v decimal.Decimal) string {
	switch {
	case v.GreaterThanOrEqual(billion):
		return "$" + v.Div(billion).StringFixed(2) + "B"
	case v.GreaterThanOrEqual(million):
		return "$" + v.Div(million).StringFixed(2) + "M"
	default:
		return "$" + v.Div(thousand).StringFixed(2) + "K"
	}
}

// TradeLink returns the futures trading page for symbol, or "" for unknown venues.
func TradeLink(exchange, symbol string) string {
	symbol = strings.ToUpper(symbol)
	switch strings.ToLower(exchange) {
	case "binance":
		return "https://www.binance.com/en/futures/" + symbol
	case "bybit":
		return "https://www.bybit.com/trade/usdt/" + symbol
	case "okx":
		base := strings.TrimSuffix(symbol, "USDT")
		return "https://www.okx.com/trade-swap/" + strings.ToLower(base) + "-usdt-swap"
	case "mexc":
		return "https://futures.mexc.com/exchange/" + contractSymbol(symbol)
	case "bitget":
		return "https://www.bitget.com/futures/usdt/" + symbol
	case "gateio":
		return "https://www.gate.io/futures/USDT/" + contractSymbol(symbol)
	default:
		return ""
	}
}

// contractSymbol turns BTCUSDT into BTC_USDT.
func contractSymbol(symbol string) string {
	if base, ok := strings.CutSuffix(symbol, "USDT"); ok && base != "" {
		return base + "_USDT"
	}
	return symbol
}
