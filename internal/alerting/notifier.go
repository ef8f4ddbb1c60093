package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spike-alerts/internal/market"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, event market.AlertEvent) error
}

// Recipient 是一个 Telegram 会话；Exchanges 为空时接收全部交易所。
type Recipient struct {
	ChatID    string
	Exchanges []string
}

// Wants reports whether the recipient subscribed to exchange.
func (r Recipient) Wants(exchange string) bool {
	if len(r.Exchanges) == 0 {
		return true
	}
	for _, ex := range r.Exchanges {
		if strings.EqualFold(ex, exchange) {
			return true
		}
	}
	return false
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken   string
	recipients []Recipient
	baseURL    string
	client     *http.Client
	logger     zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken string, recipients []Recipient, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:   botToken,
		recipients: recipients,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 向订阅了该交易所的每个会话发送消息，失败会合并返回。
func (n *TelegramNotifier) Notify(ctx context.Context, event market.AlertEvent) error {
	text := RenderMessage(event)
	var errs []error
	sent := 0
	for _, r := range n.recipients {
		if !r.Wants(event.Exchange) {
			continue
		}
		if err := n.send(ctx, r.ChatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", r.ChatID, err))
			continue
		}
		sent++
	}

	n.logger.Info().
		Str("symbol", event.Symbol).
		Str("exchange", event.Exchange).
		Str("category", string(event.Category)).
		Int("sent", sent).
		Int("failed", len(errs)).
		Msg("告警已发送 (Telegram)")
	return errors.Join(errs...)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return nil
}

// ConsoleNotifier 将告警写入日志。
type ConsoleNotifier struct {
	logger zerolog.Logger
}

// NewConsoleNotifier 构造日志告警器。
func NewConsoleNotifier(logger zerolog.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logger.With().Str("component", "alert_console").Logger()}
}

// Notify logs the event at warn level.
func (c *ConsoleNotifier) Notify(_ context.Context, event market.AlertEvent) error {
	c.logger.Warn().
		Str("symbol", event.Symbol).
		Str("exchange", event.Exchange).
		Str("category", string(event.Category)).
		Str("window", event.Window).
		Str("pct", event.PercentChange.StringFixed(2)).
		Str("baseline", event.BaselinePrice.String()).
		Str("price", event.CurrentPrice.String()).
		Time("fired_at", event.FiredAt).
		Msg("spike alert")
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify 依次调用全部告警器。
func (f Fanout) Notify(ctx context.Context, event market.AlertEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*ConsoleNotifier)(nil)
	_ Notifier = Fanout(nil)
)
