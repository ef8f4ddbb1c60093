package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"spike-alerts/internal/detector"
	"spike-alerts/internal/logging"
	"spike-alerts/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Detector  DetectorConfig   `mapstructure:"detector"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Export    ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig points at the optional history mirror.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig selects where raw snapshots are archived.
type ArchiveConfig struct {
	Driver        string `mapstructure:"driver"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
}

// SchedulerConfig governs the poll cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// DetectorConfig declares windows, bands and cooldown.
type DetectorConfig struct {
	Windows   []WindowConfig `mapstructure:"windows"`
	Bands     []BandConfig   `mapstructure:"bands"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Retention time.Duration  `mapstructure:"retention"`
	Workers   int            `mapstructure:"workers"`
}

// WindowConfig declares one lookback window.
type WindowConfig struct {
	Name     string        `mapstructure:"name"`
	Duration time.Duration `mapstructure:"duration"`
	Source   string        `mapstructure:"source"`
}

// BandConfig declares one threshold band. A nil MaxPct is unbounded.
type BandConfig struct {
	Kind      string   `mapstructure:"kind"`
	MinPct    float64  `mapstructure:"min_pct"`
	MaxPct    *float64 `mapstructure:"max_pct"`
	Windows   []string `mapstructure:"windows"`
	MinVolume float64  `mapstructure:"min_volume"`
}

// ExchangeConfig describes one snapshot source.
type ExchangeConfig struct {
	Name           string        `mapstructure:"name"`
	Kind           string        `mapstructure:"kind"`
	BaseURL        string        `mapstructure:"base_url"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	TopN           int           `mapstructure:"top_n"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig maps a symbol to an on-chain aggregator contract.
type FeedConfig struct {
	Symbol  string `mapstructure:"symbol"`
	Address string `mapstructure:"address"`
}

// AlertingConfig defines routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	BotToken       string            `mapstructure:"bot_token"`
	APIBase        string            `mapstructure:"api_base"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Recipients     []RecipientConfig `mapstructure:"recipients"`
}

// RecipientConfig is one chat; an empty Exchanges list receives everything.
type RecipientConfig struct {
	ChatID    string   `mapstructure:"chat_id"`
	Exchanges []string `mapstructure:"exchanges"`
}

// HTTPConfig controls the status API.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIKEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spikewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("redis.key_prefix", "spikewatch:history")
	v.SetDefault("redis.timeout", "3s")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73706b77))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.fetch_timeout", "20s")

	v.SetDefault("detector.cooldown", "1h")
	v.SetDefault("detector.retention", "25h")
	v.SetDefault("detector.workers", 4)
	v.SetDefault("detector.windows", []map[string]any{
		{"name": "1m", "duration": "1m"},
		{"name": "5m", "duration": "5m"},
		{"name": "15m", "duration": "15m"},
		{"name": "daily", "duration": "24h"},
		{"name": "24h", "source": string(market.SourceReported)},
	})
	v.SetDefault("detector.bands", []map[string]any{
		{"kind": "pump", "min_pct": 30.0, "max_pct": 70.0, "windows": []string{"1m", "5m", "15m", "24h"}},
		{"kind": "dump", "min_pct": 5.0, "windows": []string{"5m"}},
		{"kind": "dump", "min_pct": 30.0, "max_pct": 70.0, "windows": []string{"daily"}},
	})

	v.SetDefault("exchanges", []map[string]any{
		{"name": "binance", "kind": "binance", "quote_asset": "USDT", "top_n": 50},
		{"name": "bybit", "kind": "bybit", "quote_asset": "USDT", "top_n": 50},
		{"name": "mexc", "kind": "mexc", "quote_asset": "USDT", "top_n": 50},
		{"name": "bitget", "kind": "bitget", "quote_asset": "USDT", "top_n": 50},
		{"name": "gateio", "kind": "gateio", "quote_asset": "USDT", "top_n": 50},
		{"name": "okx", "kind": "okx", "quote_asset": "USDT", "top_n": 50},
	})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"console"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; any error here is fatal at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		return fmt.Errorf("scheduler.fetch_timeout must be greater than zero")
	}
	if c.Detector.Cooldown < 0 {
		return fmt.Errorf("detector.cooldown cannot be negative")
	}
	if c.Detector.Workers <= 0 {
		return fmt.Errorf("detector.workers must be greater than zero")
	}

	rules, err := c.Detector.Rules()
	if err != nil {
		return err
	}
	// the longest window needs a baseline one poll before its cutoff
	if need := rules.LongestHistoryWindow() + c.Scheduler.Interval; c.Detector.Retention < need {
		return fmt.Errorf("detector.retention %s must cover the longest window plus one poll interval (%s)", c.Detector.Retention, need)
	}

	if err := c.validateExchanges(); err != nil {
		return err
	}

	switch c.Archive.Driver {
	case "", "none", "postgres":
	case "clickhouse":
		if c.Archive.ClickHouseDSN == "" {
			return fmt.Errorf("archive.clickhouse_dsn must be set for the clickhouse driver")
		}
	default:
		return fmt.Errorf("archive.driver %q not supported", c.Archive.Driver)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if len(c.Alerting.Telegram.Recipients) == 0 {
			return fmt.Errorf("alerting.telegram.recipients must not be empty")
		}
		for i, r := range c.Alerting.Telegram.Recipients {
			if r.ChatID == "" {
				return fmt.Errorf("alerting.telegram.recipients[%d].chat_id must be set", i)
			}
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	seen := make(map[string]struct{}, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name must be set", i)
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchange %q configured twice", ex.Name)
		}
		seen[ex.Name] = struct{}{}

		switch ex.Kind {
		case "binance", "bybit", "okx", "mexc", "bitget", "gateio":
		case "chainlink":
			if ex.RPCURL == "" {
				return fmt.Errorf("exchange %q: rpc_url must be set", ex.Name)
			}
			if len(ex.Feeds) == 0 {
				return fmt.Errorf("exchange %q: feeds must not be empty", ex.Name)
			}
		default:
			return fmt.Errorf("exchange %q: unknown kind %q", ex.Name, ex.Kind)
		}
	}
	return nil
}

// Rules converts the declared windows and bands into validated detector rules.
func (d DetectorConfig) Rules() (detector.Rules, error) {
	windows := make([]market.Window, 0, len(d.Windows))
	for _, w := range d.Windows {
		windows = append(windows, market.Window{
			Name:     w.Name,
			Duration: w.Duration,
			Source:   market.WindowSource(strings.ToLower(w.Source)),
		})
	}

	bands := make([]market.Band, 0, len(d.Bands))
	for i, b := range d.Bands {
		kind, err := market.ParseCategory(b.Kind)
		if err != nil {
			return detector.Rules{}, fmt.Errorf("detector.bands[%d]: %w", i, err)
		}
		band := market.Band{
			Kind:      kind,
			MinAbsPct: decimal.NewFromFloat(b.MinPct),
			Windows:   b.Windows,
			MinVolume: decimal.NewFromFloat(b.MinVolume),
		}
		if b.MaxPct == nil {
			band.Unbounded = true
		} else {
			band.MaxAbsPct = decimal.NewFromFloat(*b.MaxPct)
		}
		bands = append(bands, band)
	}

	rules, err := detector.NewRules(windows, bands)
	if err != nil {
		return detector.Rules{}, fmt.Errorf("detector: %w", err)
	}
	return rules, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Exchange looks up an exchange by name.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}
