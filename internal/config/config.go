// Package config holds application configuration: YAML file on top of
// struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the complete pulsecam configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"warn"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Connect   ConnectConfig   `yaml:"connect"`
	HeartRate HeartRateConfig `yaml:"heart_rate"`
	Users     UsersConfig     `yaml:"users"`
}

// DiscoveryConfig controls peripheral discovery.
type DiscoveryConfig struct {
	// ProductTokens are case-insensitive name fragments that mark a
	// peripheral as part of the supported product family.
	ProductTokens []string      `yaml:"product_tokens"`
	ScanWindow    time.Duration `yaml:"scan_window" default:"3s"`
	IdleWindow    time.Duration `yaml:"idle_window" default:"2s"`
}

// ConnectConfig controls the connection manager's timing and retry bounds.
type ConnectConfig struct {
	LocateTimeout time.Duration `yaml:"locate_timeout" default:"10s"`
	ScanAttempts  int           `yaml:"scan_attempts" default:"3"`
	ScanBackoff   time.Duration `yaml:"scan_backoff" default:"300ms"`
	DialAttempts  int           `yaml:"dial_attempts" default:"3"`
	DialBackoff   time.Duration `yaml:"dial_backoff" default:"1s"`
	// Settle delays inserted before issuing a new scan; overlapping
	// scan/connect radio operations cause spurious failures on most
	// BLE stacks, more so with a connection already active.
	SettleIdle time.Duration `yaml:"settle_idle" default:"200ms"`
	SettleBusy time.Duration `yaml:"settle_busy" default:"500ms"`
}

// HeartRateConfig controls BPM smoothing and staleness detection.
type HeartRateConfig struct {
	SmoothingWindow int           `yaml:"smoothing_window" default:"5"`
	StaleAfter      time.Duration `yaml:"stale_after" default:"5s"`
}

// UsersConfig controls the user registry.
type UsersConfig struct {
	MaxUsers          int           `yaml:"max_users" default:"2"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" default:"2s"`
	SweepInterval     time.Duration `yaml:"sweep_interval" default:"1s"`
	// Palette colors are assigned round-robin by user ID when a device
	// has no entry in DeviceColors.
	Palette      []string          `yaml:"palette"`
	DeviceColors map[string]string `yaml:"device_colors"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if len(cfg.Discovery.ProductTokens) == 0 {
		cfg.Discovery.ProductTokens = []string{"polar"}
	}
	if len(cfg.Users.Palette) == 0 {
		cfg.Users.Palette = []string{"#e63946", "#457b9d", "#2a9d8f", "#e9c46a"}
	}
	return cfg
}

// Load reads and parses a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the managers cannot operate with.
func (c *Config) Validate() error {
	if c.Users.MaxUsers < 1 {
		return fmt.Errorf("users.max_users must be >= 1, got %d", c.Users.MaxUsers)
	}
	if c.Connect.ScanAttempts < 1 || c.Connect.DialAttempts < 1 {
		return fmt.Errorf("connect attempts must be >= 1")
	}
	if c.HeartRate.SmoothingWindow < 1 {
		return fmt.Errorf("heart_rate.smoothing_window must be >= 1, got %d", c.HeartRate.SmoothingWindow)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// NewLogger creates a logger with the standard text formatter.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// NewLogger creates a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := NewLogger()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
