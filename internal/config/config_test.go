package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  environment: test\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.App.Environment != "test" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected app/database: %+v %+v", cfg.App, cfg.Database)
	}
	if cfg.Queue.DedupTTL != 120*time.Second || cfg.Queue.RateWindow != time.Minute || cfg.Queue.RateLimit != 1 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.InFlight != 3 || cfg.Queue.AlertTTL != 5*time.Minute || cfg.Queue.PriceBucket != 0.5 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Delivery.Primary.Timeout != 500*time.Millisecond || len(cfg.Delivery.Primary.Backoff) != 0 {
		t.Fatalf("unexpected primary policy: %+v", cfg.Delivery.Primary)
	}
	if got := cfg.Delivery.Secondary.Backoff; len(got) != 3 || got[2] != 4*time.Second {
		t.Fatalf("unexpected secondary backoff: %v", got)
	}
	if cfg.Delivery.Tertiary.Timeout != 5*time.Second || cfg.Delivery.TertiaryMinSamples != 4 {
		t.Fatalf("unexpected tertiary policy: %+v", cfg.Delivery)
	}
	if cfg.Audit.Retention < minRetention {
		t.Fatalf("retention below seven years: %s", cfg.Audit.Retention)
	}
	if cfg.Scheduler.DigestCron != "0 18 * * *" {
		t.Fatalf("unexpected digest cron %q", cfg.Scheduler.DigestCron)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.Join([]string{
		"queue:",
		"  rate_limit: 2",
		"  rate_window: 30s",
		"delivery:",
		"  secondary:",
		"    backoff: [500ms, 1s]",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADEALERTS_QUEUE_RATE_LIMIT", "4")
	t.Setenv("TRADEALERTS_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.RateLimit != 4 {
		t.Fatalf("env should win over file, got %d", cfg.Queue.RateLimit)
	}
	if cfg.Queue.RateWindow != 30*time.Second {
		t.Fatalf("file value lost: %s", cfg.Queue.RateWindow)
	}
	if got := cfg.Delivery.Secondary.Backoff; len(got) != 2 || got[0] != 500*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", got)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":       func(c *Config) { c.Database.Driver = "mysql" },
		"postgres without dsn": func(c *Config) { c.Database.Driver = "postgres" },
		"bad threshold":        func(c *Config) { c.Delivery.TertiaryThreshold = 1.5 },
		"zero timeout":         func(c *Config) { c.Delivery.Secondary.Timeout = 0 },
		"no channels":          func(c *Config) { c.Delivery.StreamingEnabled = false },
		"telegram no token":    func(c *Config) { c.Delivery.TelegramEnabled = true },
		"compact no url":       func(c *Config) { c.Delivery.CompactEnabled = true },
		"redis backend off":    func(c *Config) { c.Queue.RateBackend = "redis" },
		"short retention":      func(c *Config) { c.Audit.Retention = 24 * time.Hour },
		"zero rate limit":      func(c *Config) { c.Queue.RateLimit = 0 },
		"window below atr":     func(c *Config) { c.Detection.Window = 10 },
		"bad sample ratio": func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRatio = 2
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t)
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := validConfig(t)
	cfg.Delivery.TelegramEnabled = true
	cfg.Telegram.BotToken = "token"
	cfg.Telegram.ChatID = "42"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("configured telegram should validate: %v", err)
	}
}

func TestHelpers(t *testing.T) {
	cfg := validConfig(t)
	if cfg.ResolveMaxPoints(0) != cfg.Export.MaxDataPoints || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("ResolveMaxPoints override broken")
	}
	opts := cfg.FormatterOptions()
	if opts.TickSize != cfg.Detection.TickSize || opts.PriceBucket != 0.5 {
		t.Fatalf("unexpected formatter options: %+v", opts)
	}
}
