package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

var hundred = decimal.NewFromInt(100)

// Binance reads USDT-margined futures tickers.
type Binance struct {
	httpTicker
}

// NewBinance constructs a Binance futures adapter.
func NewBinance(opts TickerOptions, logger zerolog.Logger) *Binance {
	return &Binance{newHTTPTicker(opts, "https://fapi.binance.com", "binance_fetcher", logger)}
}

// FetchBatch implements Source.
func (b *Binance) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var rows []struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		QuoteVolume        string `json:"quoteVolume"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/ticker/24hr", &rows); err != nil {
		return nil, err
	}

	tickers := make([]ticker, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		price, ok := parseDecimal(row.LastPrice)
		if !ok {
			skipped++
			continue
		}
		t := ticker{Symbol: row.Symbol, Price: price}
		t.Volume, _ = parseDecimal(row.QuoteVolume)
		if pct, ok := parseDecimal(row.PriceChangePercent); ok {
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	if skipped > 0 {
		b.logger.Debug().Int("skipped", skipped).Msg("malformed tickers dropped")
	}
	return b.snapshots(exchange, tickers), nil
}

// Bybit reads linear perpetual tickers from the v5 API.
type Bybit struct {
	httpTicker
}

// NewBybit constructs a Bybit linear adapter.
func NewBybit(opts TickerOptions, logger zerolog.Logger) *Bybit {
	return &Bybit{newHTTPTicker(opts, "https://api.bybit.com", "bybit_fetcher", logger)}
}

// FetchBatch implements Source.
func (b *Bybit) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol       string `json:"symbol"`
				LastPrice    string `json:"lastPrice"`
				Price24hPcnt string `json:"price24hPcnt"`
				Turnover24h  string `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.getJSON(ctx, "/v5/market/tickers?category=linear", &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}

	tickers := make([]ticker, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		price, ok := parseDecimal(row.LastPrice)
		if !ok {
			continue
		}
		t := ticker{Symbol: row.Symbol, Price: price}
		t.Volume, _ = parseDecimal(row.Turnover24h)
		// bybit reports the change as a fraction
		if frac, ok := parseDecimal(row.Price24hPcnt); ok {
			pct := frac.Mul(hundred)
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	return b.snapshots(exchange, tickers), nil
}

// OKX reads perpetual swap tickers.
type OKX struct {
	httpTicker
}

// NewOKX constructs an OKX swap adapter.
func NewOKX(opts TickerOptions, logger zerolog.Logger) *OKX {
	return &OKX{newHTTPTicker(opts, "https://www.okx.com", "okx_fetcher", logger)}
}

// FetchBatch implements Source.
func (o *OKX) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID    string `json:"instId"`
			Last      string `json:"last"`
			Open24h   string `json:"open24h"`
			VolCcy24h string `json:"volCcy24h"`
		} `json:"data"`
	}
	if err := o.getJSON(ctx, "/api/v5/market/tickers?instType=SWAP", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx error %s: %s", resp.Code, resp.Msg)
	}

	tickers := make([]ticker, 0, len(resp.Data))
	for _, row := range resp.Data {
		price, ok := parseDecimal(row.Last)
		if !ok {
			continue
		}
		t := ticker{Symbol: okxSymbol(row.InstID), Price: price}
		if base, ok := parseDecimal(row.VolCcy24h); ok {
			t.Volume = base.Mul(price)
		}
		if open, ok := parseDecimal(row.Open24h); ok && open.IsPositive() {
			pct := price.Sub(open).Div(open).Mul(hundred)
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	return o.snapshots(exchange, tickers), nil
}

// okxSymbol turns BTC-USDT-SWAP into BTCUSDT.
func okxSymbol(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, "-SWAP"), "-", "")
}

// MEXC reads USDT perpetual contract tickers.
type MEXC struct {
	httpTicker
}

// NewMEXC constructs a MEXC contract adapter.
func NewMEXC(opts TickerOptions, logger zerolog.Logger) *MEXC {
	return &MEXC{newHTTPTicker(opts, "https://contract.mexc.com", "mexc_fetcher", logger)}
}

// FetchBatch implements Source.
func (m *MEXC) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var resp struct {
		Success bool   `json:"success"`
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    []struct {
			Symbol       string      `json:"symbol"`
			LastPrice    json.Number `json:"lastPrice"`
			RiseFallRate json.Number `json:"riseFallRate"`
			Amount24     json.Number `json:"amount24"`
		} `json:"data"`
	}
	if err := m.getJSON(ctx, "/api/v1/contract/ticker", &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Code != 0 {
		return nil, fmt.Errorf("mexc error %d: %s", resp.Code, resp.Message)
	}

	tickers := make([]ticker, 0, len(resp.Data))
	for _, row := range resp.Data {
		price, ok := parseDecimal(row.LastPrice.String())
		if !ok {
			continue
		}
		t := ticker{Symbol: joinedSymbol(row.Symbol), Price: price}
		t.Volume, _ = parseDecimal(row.Amount24.String())
		if frac, ok := parseDecimal(row.RiseFallRate.String()); ok {
			pct := frac.Mul(hundred)
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	return m.snapshots(exchange, tickers), nil
}

// Bitget reads USDT-margined mix tickers from the v2 API.
type Bitget struct {
	httpTicker
}

// NewBitget constructs a Bitget USDT futures adapter.
func NewBitget(opts TickerOptions, logger zerolog.Logger) *Bitget {
	return &Bitget{newHTTPTicker(opts, "https://api.bitget.com", "bitget_fetcher", logger)}
}

// FetchBatch implements Source.
func (b *Bitget) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol     string `json:"symbol"`
			LastPr     string `json:"lastPr"`
			Change24h  string `json:"change24h"`
			USDTVolume string `json:"usdtVolume"`
		} `json:"data"`
	}
	if err := b.getJSON(ctx, "/api/v2/mix/market/tickers?productType=USDT-FUTURES", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "00000" {
		return nil, fmt.Errorf("bitget error %s: %s", resp.Code, resp.Msg)
	}

	tickers := make([]ticker, 0, len(resp.Data))
	for _, row := range resp.Data {
		price, ok := parseDecimal(row.LastPr)
		if !ok {
			continue
		}
		t := ticker{Symbol: row.Symbol, Price: price}
		t.Volume, _ = parseDecimal(row.USDTVolume)
		if frac, ok := parseDecimal(row.Change24h); ok {
			pct := frac.Mul(hundred)
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	return b.snapshots(exchange, tickers), nil
}

// GateIO reads USDT-settled futures tickers from the v4 API.
type GateIO struct {
	httpTicker
}

// NewGateIO constructs a Gate.io USDT futures adapter.
func NewGateIO(opts TickerOptions, logger zerolog.Logger) *GateIO {
	return &GateIO{newHTTPTicker(opts, "https://api.gateio.ws", "gateio_fetcher", logger)}
}

// FetchBatch implements Source.
func (g *GateIO) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	var rows []struct {
		Contract         string `json:"contract"`
		Last             string `json:"last"`
		ChangePercentage string `json:"change_percentage"`
		VolumeQuote      string `json:"volume_24h_quote"`
	}
	if err := g.getJSON(ctx, "/api/v4/futures/usdt/tickers", &rows); err != nil {
		return nil, err
	}

	tickers := make([]ticker, 0, len(rows))
	for _, row := range rows {
		price, ok := parseDecimal(row.Last)
		if !ok {
			continue
		}
		t := ticker{Symbol: joinedSymbol(row.Contract), Price: price}
		t.Volume, _ = parseDecimal(row.VolumeQuote)
		if pct, ok := parseDecimal(row.ChangePercentage); ok {
			t.Change24h = &pct
		}
		tickers = append(tickers, t)
	}
	return g.snapshots(exchange, tickers), nil
}

// joinedSymbol turns BTC_USDT into BTCUSDT.
func joinedSymbol(contract string) string {
	return strings.ReplaceAll(contract, "_", "")
}

var (
	_ Source = (*Binance)(nil)
	_ Source = (*Bybit)(nil)
	_ Source = (*OKX)(nil)
	_ Source = (*MEXC)(nil)
	_ Source = (*Bitget)(nil)
	_ Source = (*GateIO)(nil)
)
