package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spike-alerts/internal/market"
)

// Source retrieves one batch of snapshots for an exchange per poll cycle.
type Source interface {
	FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error)
}

// TickerOptions parameterise the HTTP ticker adapters.
type TickerOptions struct {
	BaseURL    string
	QuoteAsset string
	TopN       int
	Timeout    time.Duration
	UserAgent  string
	Now        func() time.Time
}

// ticker is the exchange-neutral row each adapter decodes into.
type ticker struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Change24h *decimal.Decimal
}

type httpTicker struct {
	opts    TickerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

func newHTTPTicker(opts TickerOptions, defaultBase, component string, logger zerolog.Logger) httpTicker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return httpTicker{
		opts:    opts,
		logger:  logger.With().Str("component", component).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (h httpTicker) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spikewatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode tickers: %w", err)
	}
	return nil
}

// snapshots filters rows to the quote asset, keeps the top N movers and stamps them.
func (h httpTicker) snapshots(exchange string, rows []ticker) []market.Snapshot {
	quote := strings.ToUpper(h.opts.QuoteAsset)
	kept := rows[:0]
	for _, row := range rows {
		if strings.HasSuffix(row.Symbol, quote) && row.Symbol != quote {
			kept = append(kept, row)
		}
	}

	if h.opts.TopN > 0 && len(kept) > h.opts.TopN {
		sort.SliceStable(kept, func(i, j int) bool {
			return absChange(kept[i]).GreaterThan(absChange(kept[j]))
		})
		kept = kept[:h.opts.TopN]
	}

	now := h.opts.Now().UTC()
	out := make([]market.Snapshot, 0, len(kept))
	for _, row := range kept {
		out = append(out, market.Snapshot{
			Symbol:     row.Symbol,
			Exchange:   exchange,
			Price:      row.Price,
			Volume:     row.Volume,
			Change24h:  row.Change24h,
			ObservedAt: now,
		})
	}
	return out
}

func absChange(row ticker) decimal.Decimal {
	if row.Change24h == nil {
		return decimal.Zero
	}
	return row.Change24h.Abs()
}

// parseDecimal returns ok=false for empty or malformed numbers.
func parseDecimal(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Code    json.RawMessage `json:"code"`
		Msg     string          `json:"msg"`
		RetMsg  string          `json:"retMsg"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Msg, apiErr.RetMsg, apiErr.Message} {
			if msg != "" {
				return fmt.Errorf("exchange api error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("exchange api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("exchange api error (%d)", status)
}
