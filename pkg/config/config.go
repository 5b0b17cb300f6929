package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `mapstructure:"log_level" default:"info"`
	Backend        string        `mapstructure:"backend" default:"sim"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"30s"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" default:"20s"` // Applied to GATT requests whose context has no deadline
	UseCachedReads bool          `mapstructure:"use_cached_reads" default:"false"`
	OutputFormat   string        `mapstructure:"output_format" default:"table"` // table, json
	Profile        string        `mapstructure:"profile"`                       // Device profile file for the sim backend
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Level parses LogLevel, accepting the names understood by logrus
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.PanicLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return lvl, nil
}

// Validate checks fields that have a closed set of values
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output format: %s (must be table or json)", c.OutputFormat)
	}
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// NewLogger creates a configured logger instance. An unparsable level falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	lvl, err := c.Level()
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
