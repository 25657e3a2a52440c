package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"price-alerts/internal/logging"
	"price-alerts/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. PRICEALERTS_DATABASE_DSN.
const EnvPrefix = "PRICEALERTS"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cron      CronConfig      `mapstructure:"cron"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retry     retry.Policy    `mapstructure:"retry"`
	Market    MarketConfig    `mapstructure:"market"`
	FX        FXConfig        `mapstructure:"fx"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory repository.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the periodic workers.
type SchedulerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	AlignToBucket      bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
	RetryQueueInterval time.Duration `mapstructure:"retry_queue_interval"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`
}

// CronConfig covers on-demand evaluation: an in-process cron spec and the
// bearer secret guarding the HTTP trigger.
type CronConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
	Secret  string `mapstructure:"secret"`
}

// CachePolicy is the TTL and refresh interval of one cache namespace.
type CachePolicy struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// CacheConfig sets cache defaults and per-namespace policies.
type CacheConfig struct {
	DefaultTTL             time.Duration `mapstructure:"default_ttl"`
	Prices                 CachePolicy   `mapstructure:"prices"`
	Market                 CachePolicy   `mapstructure:"market"`
	FX                     CachePolicy   `mapstructure:"fx"`
	MaxBackgroundRefreshes int           `mapstructure:"max_background_refreshes"`
	RefreshTimeout         time.Duration `mapstructure:"refresh_timeout"`
}

// MarketConfig captures CoinGecko connectivity.
type MarketConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	APIKeyHeader      string        `mapstructure:"api_key_header"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// FXConfig captures the exchange-rate API.
type FXConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PivotCurrency  string        `mapstructure:"pivot_currency"`
}

// OracleConfig covers the on-chain fallback price source.
type OracleConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	MaxAge         time.Duration     `mapstructure:"max_age"`
}

// AlertsConfig toggles the alert worker.
type AlertsConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// ProviderConfig holds one email provider's credentials.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// WebhookConfig is an outbound fallback webhook.
type WebhookConfig struct {
	Name            string `mapstructure:"name"`
	URL             string `mapstructure:"url"`
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
}

// TelegramConfig 描述 Telegram 兜底通道参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SMSConfig holds Twilio credentials.
type SMSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	BaseURL    string `mapstructure:"base_url"`
}

// NotifyConfig defines notification channels and the fallback cascade.
type NotifyConfig struct {
	From               string                         `mapstructure:"from"`
	PrimaryProvider    string                         `mapstructure:"primary_provider"`
	FallbackEnabled    bool                           `mapstructure:"fallback_enabled"`
	RequestTimeout     time.Duration                  `mapstructure:"request_timeout"`
	Resend             ProviderConfig                 `mapstructure:"resend"`
	SendGrid           ProviderConfig                 `mapstructure:"sendgrid"`
	Postmark           ProviderConfig                 `mapstructure:"postmark"`
	Webhooks           []WebhookConfig                `mapstructure:"webhooks"`
	Telegram           TelegramConfig                 `mapstructure:"telegram"`
	SMS                SMSConfig                      `mapstructure:"sms"`
	RetryQueue         RetryQueueConfig               `mapstructure:"retry_queue"`
	WebhookSecrets     map[string]WebhookSecretConfig `mapstructure:"webhook_secrets"`
	BrowserOutboxLimit int                            `mapstructure:"browser_outbox_limit"`
}

// RetryQueueConfig bounds redelivery of undeliverable notifications.
type RetryQueueConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Window     time.Duration `mapstructure:"window"`
	BatchSize  int           `mapstructure:"batch_size"`
	Lease      time.Duration `mapstructure:"lease"`
}

// WebhookSecretConfig verifies inbound provider webhooks.
type WebhookSecretConfig struct {
	Secret string `mapstructure:"secret"`
	Header string `mapstructure:"header"`
}

// ServerConfig sets the HTTP API listener.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// loadDotEnv exports variables from a .env file without overriding the
// process environment. A missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "alertwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.retry_queue_interval", "5m")
	v.SetDefault("scheduler.cache_sweep_interval", "1m")

	v.SetDefault("cron.enabled", false)
	v.SetDefault("cron.spec", "@every 1m")
	v.SetDefault("cron.secret", "")

	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.prices.ttl", "60s")
	v.SetDefault("cache.prices.refresh_interval", "30s")
	v.SetDefault("cache.market.ttl", "900s")
	v.SetDefault("cache.market.refresh_interval", "600s")
	v.SetDefault("cache.fx.ttl", "1h")
	v.SetDefault("cache.fx.refresh_interval", "30m")
	v.SetDefault("cache.max_background_refreshes", 8)
	v.SetDefault("cache.refresh_timeout", "2m")

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_retries", policy.MaxRetries)
	v.SetDefault("retry.initial_delay", policy.InitialDelay.String())
	v.SetDefault("retry.max_delay", policy.MaxDelay.String())
	v.SetDefault("retry.backoff_multiplier", policy.BackoffMultiplier)
	v.SetDefault("retry.retryable_statuses", policy.RetryableStatuses)
	v.SetDefault("retry.retryable_error_codes", policy.RetryableErrorCodes)
	v.SetDefault("retry.rate_limit_base", policy.RateLimitBase.String())
	v.SetDefault("retry.rate_limit_max", policy.RateLimitMax.String())

	v.SetDefault("market.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.api_key", "")
	v.SetDefault("market.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.user_agent", "alertwatcher/1.0")
	v.SetDefault("market.requests_per_minute", 30)

	v.SetDefault("fx.base_url", "https://open.er-api.com/v6")
	v.SetDefault("fx.request_timeout", "10s")
	v.SetDefault("fx.pivot_currency", "usd")

	v.SetDefault("oracle.enabled", false)
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.max_age", "2h")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.concurrency", 4)

	v.SetDefault("notify.from", "alerts@localhost")
	v.SetDefault("notify.primary_provider", "resend")
	v.SetDefault("notify.fallback_enabled", true)
	v.SetDefault("notify.request_timeout", "10s")
	v.SetDefault("notify.resend.api_key", "")
	v.SetDefault("notify.sendgrid.api_key", "")
	v.SetDefault("notify.postmark.api_key", "")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.sms.enabled", false)
	v.SetDefault("notify.retry_queue.max_retries", 5)
	v.SetDefault("notify.retry_queue.window", "168h")
	v.SetDefault("notify.retry_queue.batch_size", 50)
	v.SetDefault("notify.retry_queue.lease", "15m")
	v.SetDefault("notify.browser_outbox_limit", 50)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("export.max_data_points", 100000)
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	for name, policy := range map[string]CachePolicy{"prices": c.Cache.Prices, "market": c.Cache.Market, "fx": c.Cache.FX} {
		if policy.TTL <= 0 {
			return fmt.Errorf("cache.%s.ttl must be greater than zero", name)
		}
		if policy.RefreshInterval > policy.TTL {
			return fmt.Errorf("cache.%s.refresh_interval cannot exceed ttl", name)
		}
	}
	if c.Cron.Enabled && strings.TrimSpace(c.Cron.Spec) == "" {
		return fmt.Errorf("cron.spec 必须配置")
	}
	if c.Oracle.Enabled && c.Oracle.RPCURL == "" {
		return fmt.Errorf("oracle.rpc_url 必须配置")
	}
	if c.Notify.RetryQueue.MaxRetries < 0 || c.Notify.RetryQueue.MaxRetries > 30 {
		return fmt.Errorf("notify.retry_queue.max_retries must be between 0 and 30")
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url 必须配置", i)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	if c.Notify.SMS.Enabled && (c.Notify.SMS.AccountSID == "" || c.Notify.SMS.AuthToken == "" || c.Notify.SMS.From == "") {
		return fmt.Errorf("notify.sms requires account_sid, auth_token and from")
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
