// Package config loads server settings from the environment and the
// interest layout from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"netreplica/logging"
)

// Config captures the process-level settings.
type Config struct {
	Addr            string           `env:"NETREPLICA_ADDR" envDefault:":8080"`
	TickRate        int              `env:"NETREPLICA_TICK_RATE" envDefault:"20"`
	LayoutPath      string           `env:"NETREPLICA_LAYOUT_PATH"`
	LogSeverity     logging.Severity `env:"NETREPLICA_LOG_SEVERITY" envDefault:"info"`
	LogJSONPath     string           `env:"NETREPLICA_LOG_JSON_PATH"`
	LogJSONSeverity logging.Severity `env:"NETREPLICA_LOG_JSON_SEVERITY" envDefault:"debug"`
	LogBuffer       int              `env:"NETREPLICA_LOG_BUFFER" envDefault:"512"`
	CommandCapacity int              `env:"NETREPLICA_COMMAND_CAPACITY" envDefault:"1024"`
	PerClientLimit  int              `env:"NETREPLICA_PER_CLIENT_LIMIT" envDefault:"32"`
	MetricsPath     string           `env:"NETREPLICA_METRICS_PATH" envDefault:"/metrics"`
	ChatWriteExpr   string           `env:"NETREPLICA_CHAT_WRITE_EXPR" envDefault:"client > 0"`
	ChatAdmins      []int            `env:"NETREPLICA_CHAT_ADMINS" envSeparator:","`
	InterestBypass  bool             `env:"NETREPLICA_INTEREST_BYPASS" envDefault:"false"`
	EnablePprof     bool             `env:"NETREPLICA_ENABLE_PPROF" envDefault:"false"`
	ShutdownTimeout time.Duration    `env:"NETREPLICA_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("NETREPLICA_ADDR must not be empty"))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("NETREPLICA_TICK_RATE must be positive, got %d", c.TickRate))
	}
	if c.CommandCapacity <= 0 {
		errs = append(errs, fmt.Errorf("NETREPLICA_COMMAND_CAPACITY must be positive, got %d", c.CommandCapacity))
	}
	if c.PerClientLimit < 0 {
		errs = append(errs, fmt.Errorf("NETREPLICA_PER_CLIENT_LIMIT must not be negative, got %d", c.PerClientLimit))
	}
	if c.ChatWriteExpr == "" {
		errs = append(errs, errors.New("NETREPLICA_CHAT_WRITE_EXPR must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoggingConfig derives the router configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = c.LogSeverity
	if c.LogBuffer > 0 {
		cfg.BufferSize = c.LogBuffer
	}
	if c.LogJSONPath != "" {
		cfg.EnabledSinks = append(cfg.EnabledSinks, "json")
		cfg.JSON.FilePath = c.LogJSONPath
		cfg.SinkSeverity = map[string]logging.Severity{"json": c.LogJSONSeverity}
	}
	return cfg
}
