package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"settlement-arb-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	RateLimits  RateLimitsConfig  `mapstructure:"ratelimits"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Financing   FinancingConfig   `mapstructure:"financing"`
	Fees        FeesConfig        `mapstructure:"fees"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Sampling    SamplingConfig    `mapstructure:"sampling"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Optional: with
// an empty DSN the scanner runs without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// BrokerConfig covers broker API access.
type BrokerConfig struct {
	AuthURL        string        `mapstructure:"auth_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenCachePath string        `mapstructure:"token_cache_path"`
	TokenCacheTTL  time.Duration `mapstructure:"token_cache_margin"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RateLimitRule caps calls to one broker endpoint.
type RateLimitRule struct {
	Calls  int           `mapstructure:"calls"`
	Period time.Duration `mapstructure:"period"`
}

// RateLimitsConfig maps endpoint paths to their call budgets.
type RateLimitsConfig map[string]RateLimitRule

// StreamConfig governs the market-data connection.
type StreamConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	BatchPause           time.Duration `mapstructure:"batch_pause"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffMin           time.Duration `mapstructure:"backoff_min"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	AuthFailureThreshold int           `mapstructure:"auth_failure_threshold"`
}

// InstrumentsConfig declares the scan universe and class lists.
type InstrumentsConfig struct {
	MarketID string   `mapstructure:"market_id"`
	Tickers  []string `mapstructure:"tickers"`
	CEDEARs  []string `mapstructure:"cedears"`
	Letras   []string `mapstructure:"letras"`
}

// FinancingConfig holds the caución curve. Rates are annual
// percentages.
type FinancingConfig struct {
	TasaTNA              float64 `mapstructure:"tasa_tna"`
	ArancelColocadoraTNA float64 `mapstructure:"arancel_colocadora_tna"`
	ArancelTomadoraTNA   float64 `mapstructure:"arancel_tomadora_tna"`
	SettlementDays       int     `mapstructure:"settlement_days"`
}

// FeesConfig holds per-leg trading costs as percentages of notional.
// ClassPct must define every instrument class the scanner prices.
type FeesConfig struct {
	CommissionPct float64            `mapstructure:"commission_pct"`
	ClassPct      map[string]float64 `mapstructure:"class_pct"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinNetPct float64        `mapstructure:"min_net_pct"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	ChangePct float64        `mapstructure:"change_pct"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	BotToken         string `mapstructure:"bot_token"`
	ChatID           string `mapstructure:"chat_id"`
	APIBase          string `mapstructure:"api_base"`
	LifecycleNotices bool   `mapstructure:"lifecycle_notices"`
	FinancingDetail  bool   `mapstructure:"financing_detail"`
}

// StatsConfig governs the periodic counters log line and the
// single-instance advisory lock.
type StatsConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SamplingConfig governs periodic quote snapshots to storage.
type SamplingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBSCANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
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
	v.SetDefault("app.name", "arbscanner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("broker.auth_url", "https://api.primary.com.ar/auth/getToken")
	v.SetDefault("broker.ws_url", "wss://api.primary.com.ar/")
	v.SetDefault("broker.token_ttl", "24h")
	v.SetDefault("broker.token_cache_path", ".cache/token.json")
	v.SetDefault("broker.token_cache_margin", "1h")
	v.SetDefault("broker.request_timeout", "10s")

	v.SetDefault("ratelimits", map[string]map[string]any{
		"/auth/getToken": {"calls": 1, "period": "24h"},
	})

	v.SetDefault("stream.batch_size", 1000)
	v.SetDefault("stream.batch_pause", "250ms")
	v.SetDefault("stream.heartbeat_interval", "30s")
	v.SetDefault("stream.heartbeat_timeout", "10s")
	v.SetDefault("stream.backoff_min", "2s")
	v.SetDefault("stream.backoff_max", "1m")
	v.SetDefault("stream.auth_failure_threshold", 5)

	v.SetDefault("instruments.market_id", "ROFX")

	v.SetDefault("financing.tasa_tna", 35.0)
	v.SetDefault("financing.arancel_colocadora_tna", 10.0)
	v.SetDefault("financing.arancel_tomadora_tna", 10.0)
	v.SetDefault("financing.settlement_days", 1)

	v.SetDefault("fees.commission_pct", 0.10)
	v.SetDefault("fees.class_pct", map[string]float64{
		"bono":   0.01,
		"cedear": 0.08,
		"letra":  0.001,
	})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.min_net_pct", 0.1)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.change_pct", 10.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.lifecycle_notices", true)
	v.SetDefault("alerting.telegram.financing_detail", true)

	v.SetDefault("stats.interval", "5m")
	v.SetDefault("stats.advisory_lock_key", int64(0x61726273))

	v.SetDefault("sampling.enabled", false)
	v.SetDefault("sampling.interval", "1m")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// instrument classes every fee schedule must price.
var requiredFeeClasses = []string{"bono", "cedear", "letra"}

// Validate performs sanity checks on the configuration values.
// Financing and fee mistakes abort startup rather than silently
// mispricing every evaluation.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Financing.SettlementDays <= 0 {
		return fmt.Errorf("financing.settlement_days must be greater than zero")
	}
	if c.Financing.TasaTNA < 0 {
		return fmt.Errorf("financing.tasa_tna cannot be negative")
	}
	if c.Fees.CommissionPct < 0 {
		return fmt.Errorf("fees.commission_pct cannot be negative")
	}
	for _, class := range requiredFeeClasses {
		rate, ok := c.Fees.ClassPct[class]
		if !ok {
			return fmt.Errorf("fees.class_pct.%s 必须配置", class)
		}
		if rate < 0 {
			return fmt.Errorf("fees.class_pct.%s cannot be negative", class)
		}
	}
	if c.Alerting.MinNetPct < 0 {
		return fmt.Errorf("alerting.min_net_pct cannot be negative")
	}
	if c.Alerting.ChangePct < 0 {
		return fmt.Errorf("alerting.change_pct cannot be negative")
	}
	if c.Stream.BatchSize < 0 || c.Stream.BatchSize > 1000 {
		return fmt.Errorf("stream.batch_size cannot exceed the protocol cap of 1000")
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be greater than zero")
	}
	if c.Sampling.Enabled && c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be greater than zero")
	}
	for endpoint, rule := range c.RateLimits {
		if rule.Calls <= 0 || rule.Period <= 0 {
			return fmt.Errorf("ratelimits[%s] requires positive calls and period", endpoint)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
