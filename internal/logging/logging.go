// Package logging builds the process logger.
//
// Logs go to stderr; stdout is reserved for command output such as
// `stats --json` and `show`.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // json | console
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// Identity is stamped on every entry.
type Identity struct {
	Service     string
	Environment string
	Version     string
}

// NewLogger constructs the stderr logger for id.
func NewLogger(cfg Config, id Identity) zerolog.Logger {
	return New(os.Stderr, cfg, id)
}

// New builds a logger writing to out.
func New(out io.Writer, cfg Config, id Identity) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	builder := zerolog.New(logWriter(out, cfg)).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if id.Service != "" {
		builder = builder.Str("service", id.Service)
	}
	if id.Environment != "" {
		builder = builder.Str("env", id.Environment)
	}
	if id.Version != "" {
		builder = builder.Str("version", id.Version)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

// ParseLevel maps a config level to zerolog, info when unknown or empty.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func logWriter(out io.Writer, cfg Config) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05.000",
		}
	}
	return out
}
