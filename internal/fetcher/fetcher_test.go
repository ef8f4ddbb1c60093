package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func tickerOpts(url string) TickerOptions {
	return TickerOptions{
		BaseURL:   url,
		Timeout:   time.Second,
		UserAgent: "test",
		Now:       func() time.Time { return fixedNow },
	}
}

func serveJSON(t *testing.T, path string, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func bySymbol(snaps []market.Snapshot) map[string]market.Snapshot {
	out := make(map[string]market.Snapshot, len(snaps))
	for _, s := range snaps {
		out[s.Symbol] = s
	}
	return out
}

func TestBinanceFetchBatch(t *testing.T) {
	srv := serveJSON(t, "/fapi/v1/ticker/24hr", []map[string]string{
		{"symbol": "XYZUSDT", "lastPrice": "1.35", "priceChangePercent": "35.0", "quoteVolume": "120000"},
		{"symbol": "ETHUSDT", "lastPrice": "3000.5", "priceChangePercent": "-1.2", "quoteVolume": "9000000"},
		{"symbol": "ETHBUSD", "lastPrice": "3000.1", "priceChangePercent": "-1.1", "quoteVolume": "1"},
		{"symbol": "BADUSDT", "lastPrice": "", "priceChangePercent": "1", "quoteVolume": "1"},
	})
	defer srv.Close()

	snaps, err := NewBinance(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "binance")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 USDT snapshots, got %d", len(snaps))
	}

	xyz := bySymbol(snaps)["XYZUSDT"]
	if xyz.Exchange != "binance" || !xyz.ObservedAt.Equal(fixedNow) {
		t.Fatalf("snapshot not stamped: %+v", xyz)
	}
	if !xyz.Price.Equal(decimal.RequireFromString("1.35")) {
		t.Fatalf("price = %s", xyz.Price)
	}
	if xyz.Change24h == nil || !xyz.Change24h.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("change24h = %v", xyz.Change24h)
	}
	if !xyz.Volume.Equal(decimal.NewFromInt(120000)) {
		t.Fatalf("volume = %s", xyz.Volume)
	}
}

func TestTopNKeepsLargestMovers(t *testing.T) {
	srv := serveJSON(t, "/fapi/v1/ticker/24hr", []map[string]string{
		{"symbol": "AAAUSDT", "lastPrice": "1", "priceChangePercent": "2"},
		{"symbol": "BBBUSDT", "lastPrice": "1", "priceChangePercent": "-40"},
		{"symbol": "CCCUSDT", "lastPrice": "1", "priceChangePercent": "12"},
	})
	defer srv.Close()

	opts := tickerOpts(srv.URL)
	opts.TopN = 2
	snaps, err := NewBinance(opts, noopLogger()).FetchBatch(context.Background(), "binance")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Symbol != "BBBUSDT" || snaps[1].Symbol != "CCCUSDT" {
		t.Fatalf("unexpected top movers: %+v", snaps)
	}
}

func TestBybitFetchBatchScalesFraction(t *testing.T) {
	srv := serveJSON(t, "/v5/market/tickers", map[string]any{
		"retCode": 0,
		"retMsg":  "OK",
		"result": map[string]any{"list": []map[string]string{
			{"symbol": "XYZUSDT", "lastPrice": "2", "price24hPcnt": "0.35", "turnover24h": "5000"},
		}},
	})
	defer srv.Close()

	snaps, err := NewBybit(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "bybit")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].Change24h == nil || !snaps[0].Change24h.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("change24h = %v", snaps[0].Change24h)
	}
}

func TestBybitRetCodeError(t *testing.T) {
	srv := serveJSON(t, "/v5/market/tickers", map[string]any{"retCode": 10001, "retMsg": "params error"})
	defer srv.Close()

	if _, err := NewBybit(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "bybit"); err == nil {
		t.Fatal("non-zero retCode should fail the batch")
	}
}

func TestOKXFetchBatch(t *testing.T) {
	srv := serveJSON(t, "/api/v5/market/tickers", map[string]any{
		"code": "0",
		"data": []map[string]string{
			{"instId": "XYZ-USDT-SWAP", "last": "1.5", "open24h": "1", "volCcy24h": "100"},
			{"instId": "XYZ-USD-SWAP", "last": "1.5", "open24h": "1", "volCcy24h": "100"},
		},
	})
	defer srv.Close()

	snaps, err := NewOKX(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "okx")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Symbol != "XYZUSDT" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if !snaps[0].Volume.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("volume = %s", snaps[0].Volume)
	}
	if !snaps[0].Change24h.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("change24h = %s", snaps[0].Change24h)
	}
}

func TestMEXCFetchBatch(t *testing.T) {
	srv := serveJSON(t, "/api/v1/contract/ticker", map[string]any{
		"success": true,
		"code":    0,
		"data": []map[string]any{
			{"symbol": "XYZ_USDT", "lastPrice": 1.35, "riseFallRate": 0.35, "amount24": 250000},
			{"symbol": "XYZ_USD", "lastPrice": 1.35, "riseFallRate": 0.35, "amount24": 1},
			{"symbol": "BAD_USDT", "riseFallRate": 0.1},
		},
	})
	defer srv.Close()

	snaps, err := NewMEXC(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "mexc")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Symbol != "XYZUSDT" || snaps[0].Exchange != "mexc" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if !snaps[0].Price.Equal(decimal.RequireFromString("1.35")) {
		t.Fatalf("price = %s", snaps[0].Price)
	}
	if snaps[0].Change24h == nil || !snaps[0].Change24h.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("change24h = %v", snaps[0].Change24h)
	}
	if !snaps[0].Volume.Equal(decimal.NewFromInt(250000)) {
		t.Fatalf("volume = %s", snaps[0].Volume)
	}
}

func TestMEXCFailureFlag(t *testing.T) {
	srv := serveJSON(t, "/api/v1/contract/ticker", map[string]any{"success": false, "code": 510, "message": "too frequent"})
	defer srv.Close()

	if _, err := NewMEXC(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "mexc"); err == nil {
		t.Fatal("success=false should fail the batch")
	}
}

func TestBitgetFetchBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/mix/market/tickers" || r.URL.Query().Get("productType") != "USDT-FUTURES" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": "00000",
			"msg":  "success",
			"data": []map[string]string{
				{"symbol": "XYZUSDT", "lastPr": "0.94", "change24h": "-0.06", "usdtVolume": "880000"},
			},
		})
	}))
	defer srv.Close()

	snaps, err := NewBitget(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "bitget")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].Change24h == nil || !snaps[0].Change24h.Equal(decimal.NewFromInt(-6)) {
		t.Fatalf("change24h = %v", snaps[0].Change24h)
	}
	if !snaps[0].Volume.Equal(decimal.NewFromInt(880000)) {
		t.Fatalf("volume = %s", snaps[0].Volume)
	}
}

func TestBitgetErrorCode(t *testing.T) {
	srv := serveJSON(t, "/api/v2/mix/market/tickers", map[string]any{"code": "40034", "msg": "param error"})
	defer srv.Close()

	if _, err := NewBitget(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "bitget"); err == nil {
		t.Fatal("non-success code should fail the batch")
	}
}

func TestGateIOFetchBatch(t *testing.T) {
	srv := serveJSON(t, "/api/v4/futures/usdt/tickers", []map[string]string{
		{"contract": "XYZ_USDT", "last": "2.5", "change_percentage": "25.5", "volume_24h_quote": "42000"},
		{"contract": "NOPRICE_USDT", "last": "", "change_percentage": "1", "volume_24h_quote": "1"},
	})
	defer srv.Close()

	snaps, err := NewGateIO(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "gateio")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Symbol != "XYZUSDT" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if snaps[0].Change24h == nil || !snaps[0].Change24h.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("change24h = %v", snaps[0].Change24h)
	}
	if !snaps[0].Volume.Equal(decimal.NewFromInt(42000)) {
		t.Fatalf("volume = %s", snaps[0].Volume)
	}
}

func TestGateIOHTTPErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"label": "INVALID_PARAM_VALUE", "message": "invalid settle"})
	}))
	defer srv.Close()

	_, err := NewGateIO(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "gateio")
	if err == nil || err.Error() != "exchange api error (400): invalid settle" {
		t.Fatalf("error = %v", err)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": -1003, "msg": "Too many requests"})
	}))
	defer srv.Close()

	_, err := NewBinance(tickerOpts(srv.URL), noopLogger()).FetchBatch(context.Background(), "binance")
	if err == nil {
		t.Fatal("HTTP 429 should return an error")
	}
	if want := "exchange api error (429): Too many requests"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err, want)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	src := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := src.FetchBatch(context.Background(), "chainlink"); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	src = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := src.FetchBatch(context.Background(), "chainlink"); err == nil {
		t.Fatal("missing feeds should fail")
	}
}

func TestScaleAnswer(t *testing.T) {
	answer := big.NewInt(6712345000000)
	got := scaleAnswer(answer, 8)
	if !got.Equal(decimal.RequireFromString("67123.45")) {
		t.Fatalf("scaled answer = %s", got)
	}
}

func TestRegistryAndStatic(t *testing.T) {
	static := NewStatic()
	static.Push("demo", []market.Snapshot{{Symbol: "XYZUSDT", Exchange: "demo", Price: decimal.NewFromInt(1), ObservedAt: fixedNow}})
	static.Fail("down", errors.New("boom"))

	reg := NewRegistry()
	reg.Register("demo", static)
	reg.Register("down", static)

	if got := reg.Exchanges(); len(got) != 2 || got[0] != "demo" {
		t.Fatalf("exchanges = %v", got)
	}

	batch, err := reg.FetchBatch(context.Background(), "demo")
	if err != nil || len(batch) != 1 {
		t.Fatalf("first batch = %v, %v", batch, err)
	}
	batch, err = reg.FetchBatch(context.Background(), "demo")
	if err != nil || len(batch) != 0 {
		t.Fatalf("exhausted queue should yield empty batch, got %v, %v", batch, err)
	}
	if _, err := reg.FetchBatch(context.Background(), "down"); err == nil {
		t.Fatal("failing exchange should return error")
	}
	if _, err := reg.FetchBatch(context.Background(), "missing"); err == nil {
		t.Fatal("unregistered exchange should return error")
	}
}
