package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/delivery"
	"trade-alerts/internal/detect"
	"trade-alerts/internal/logging"
	"trade-alerts/internal/queue"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Detection detect.Config   `mapstructure:"detection"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Compact   CompactConfig   `mapstructure:"compact"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the audit backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// QueueConfig is admission control plus the dedup price bucket.
type QueueConfig struct {
	queue.Options `mapstructure:",squash"`
	PriceBucket   float64 `mapstructure:"price_bucket"`
	RateBackend   string  `mapstructure:"rate_backend"` // memory | redis
}

// DeliveryConfig toggles channels and carries their policies.
type DeliveryConfig struct {
	delivery.Options `mapstructure:",squash"`
	StreamingEnabled bool   `mapstructure:"streaming_enabled"`
	TelegramEnabled  bool   `mapstructure:"telegram_enabled"`
	CompactEnabled   bool   `mapstructure:"compact_enabled"`
	RedisChannel     string `mapstructure:"redis_channel"`
}

// RedisConfig is shared by the rate limiter and the pub/sub fan-out.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KafkaConfig for the candle and operator-action feeds.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	GroupID      string        `mapstructure:"group_id"` // prefix, one group per topic
	CandleTopic  string        `mapstructure:"candle_topic"`
	ActionsTopic string        `mapstructure:"actions_topic"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken  string        `mapstructure:"bot_token"`
	ChatID    string        `mapstructure:"chat_id"`
	OpsChatID string        `mapstructure:"ops_chat_id"`
	APIBase   string        `mapstructure:"api_base"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CompactConfig points at the SMS gateway.
type CompactConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Recipients []string      `mapstructure:"recipients"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MonitorConfig for the HTTP surface.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"`
}

// SchedulerConfig governs the sweep cadence and the daily digest.
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	DigestCron    string        `mapstructure:"digest_cron"`
}

// TracingConfig for the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AuditConfig holds retention parameters. Rows are never removed by the
// service; retention only bounds the default query horizon and archive policy.
type AuditConfig struct {
	Retention    time.Duration `mapstructure:"retention"`
	QueryLimit   int           `mapstructure:"query_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

const minRetention = 7 * 365 * 24 * time.Hour

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEALERTS")
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
	v.SetDefault("app.name", "tradealerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "tradealerts.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	d := detect.DefaultConfig()
	v.SetDefault("detection.window", d.Window)
	v.SetDefault("detection.sigma", d.Sigma)
	v.SetDefault("detection.confirmations", d.Confirmations)
	v.SetDefault("detection.atr_period", d.ATRPeriod)
	v.SetDefault("detection.reward_multiple", d.RewardMultiple)
	v.SetDefault("detection.tick_size", d.TickSize)
	v.SetDefault("detection.break_lookback", d.BreakLookback)
	v.SetDefault("detection.divergence_lookback", d.DivergenceLookback)
	v.SetDefault("detection.rsi_period", d.RSIPeriod)

	v.SetDefault("queue.dedup_ttl", "120s")
	v.SetDefault("queue.dedup_capacity", 10000)
	v.SetDefault("queue.rate_window", "60s")
	v.SetDefault("queue.rate_limit", 1)
	v.SetDefault("queue.in_flight", 3)
	v.SetDefault("queue.alert_ttl", "5m")
	v.SetDefault("queue.price_bucket", 0.5)
	v.SetDefault("queue.rate_backend", "memory")

	v.SetDefault("delivery.streaming_enabled", true)
	v.SetDefault("delivery.telegram_enabled", false)
	v.SetDefault("delivery.compact_enabled", false)
	v.SetDefault("delivery.redis_channel", "tradealerts:stream")
	v.SetDefault("delivery.primary.timeout", "500ms")
	v.SetDefault("delivery.primary.backoff", []string{})
	v.SetDefault("delivery.secondary.timeout", "2s")
	v.SetDefault("delivery.secondary.backoff", []string{"1s", "2s", "4s"})
	v.SetDefault("delivery.tertiary.timeout", "5s")
	v.SetDefault("delivery.tertiary.backoff", []string{"2s"})
	v.SetDefault("delivery.tertiary_threshold", 0.5)
	v.SetDefault("delivery.tertiary_min_samples", 4)
	v.SetDefault("delivery.health_window", "5m")
	v.SetDefault("delivery.delivered_capacity", 10000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "tradealerts:rate:")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "tradealerts")
	v.SetDefault("kafka.candle_topic", "market.candles")
	v.SetDefault("kafka.actions_topic", "operator.actions")
	v.SetDefault("kafka.max_wait", "1s")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("compact.timeout", "5s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.addr", ":8080")
	v.SetDefault("monitor.mode", "release")

	v.SetDefault("scheduler.sweep_interval", "10s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.digest_cron", "0 18 * * *")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("audit.retention", "61320h") // 7 years
	v.SetDefault("audit.query_limit", 100)
	v.SetDefault("audit.write_timeout", "5s")

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
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if c.Detection.Window <= 1 {
		return fmt.Errorf("detection.window must be greater than one")
	}
	if c.Detection.ATRPeriod <= 0 {
		return fmt.Errorf("detection.atr_period must be greater than zero")
	}
	if c.Detection.ATRPeriod > c.Detection.Window {
		// the ATR is taken over the same candles as the mean and stdev
		return fmt.Errorf("detection.atr_period (%d) must not exceed detection.window (%d)",
			c.Detection.ATRPeriod, c.Detection.Window)
	}
	if c.Detection.Sigma <= 0 {
		return fmt.Errorf("detection.sigma must be greater than zero")
	}
	if c.Detection.Confirmations <= 0 {
		return fmt.Errorf("detection.confirmations must be greater than zero")
	}
	if c.Detection.TickSize <= 0 {
		return fmt.Errorf("detection.tick_size must be greater than zero")
	}
	if c.Detection.RewardMultiple <= 0 {
		return fmt.Errorf("detection.reward_multiple must be greater than zero")
	}

	if c.Queue.DedupTTL <= 0 || c.Queue.RateWindow <= 0 || c.Queue.AlertTTL <= 0 {
		return fmt.Errorf("queue windows must be greater than zero")
	}
	if c.Queue.RateLimit <= 0 {
		return fmt.Errorf("queue.rate_limit must be greater than zero")
	}
	if c.Queue.InFlight <= 0 {
		return fmt.Errorf("queue.in_flight must be greater than zero")
	}
	if c.Queue.PriceBucket <= 0 {
		return fmt.Errorf("queue.price_bucket must be greater than zero")
	}
	switch c.Queue.RateBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("queue.rate_backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("queue.rate_backend must be memory or redis, got %q", c.Queue.RateBackend)
	}

	if t := c.Delivery.TertiaryThreshold; t < 0 || t > 1 {
		return fmt.Errorf("delivery.tertiary_threshold must be within [0,1]")
	}
	if c.Delivery.HealthWindow <= 0 {
		return fmt.Errorf("delivery.health_window must be greater than zero")
	}
	for name, p := range map[string]delivery.RetryPolicy{
		"primary":   c.Delivery.Primary,
		"secondary": c.Delivery.Secondary,
		"tertiary":  c.Delivery.Tertiary,
	} {
		if p.Timeout <= 0 {
			return fmt.Errorf("delivery.%s.timeout must be greater than zero", name)
		}
	}
	if !c.Delivery.StreamingEnabled && !c.Delivery.TelegramEnabled && !c.Delivery.CompactEnabled {
		return fmt.Errorf("at least one delivery channel must be enabled")
	}
	if c.Delivery.TelegramEnabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id 必须配置")
		}
	}
	if c.Delivery.CompactEnabled {
		if c.Compact.URL == "" {
			return fmt.Errorf("compact.url is required when compact delivery is enabled")
		}
		if len(c.Compact.Recipients) == 0 {
			return fmt.Errorf("compact.recipients is required when compact delivery is enabled")
		}
	}

	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be greater than zero")
	}
	if c.Audit.Retention < minRetention {
		return fmt.Errorf("audit.retention must be at least seven years")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
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

// FormatterOptions derives the normaliser settings.
func (c *Config) FormatterOptions() alert.FormatterOptions {
	return alert.FormatterOptions{TickSize: c.Detection.TickSize, PriceBucket: c.Queue.PriceBucket}
}
