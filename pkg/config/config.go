package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Radio backends
const (
	BackendGoBLE  = "goble"
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
)

var (
	validBackends = []string{BackendGoBLE, BackendBlueZ, BackendTinyGo}
	validFormats  = []string{"table", "json"}
)

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `json:"log_level" yaml:"log_level"`
	ScanTimeout    time.Duration `json:"scan_timeout" yaml:"scan_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	OutputFormat   string        `json:"output_format" yaml:"output_format" default:"table"`
	Radio          RadioConfig   `json:"radio" yaml:"radio"`
}

// RadioConfig selects and tunes the radio backend
type RadioConfig struct {
	Backend   string `json:"backend" yaml:"backend" default:"goble"`
	AdapterID string `json:"adapter_id" yaml:"adapter_id" default:"hci0"` // HCI index or BlueZ adapter name; Linux only

	// EventBuffer is the capacity of the backend's event stream.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer" default:"64"`

	// PowerPollInterval is how often a backend without power notifications
	// re-probes the radio while it is off.
	PowerPollInterval time.Duration `json:"power_poll_interval" yaml:"power_poll_interval"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:       logrus.InfoLevel,
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
	defaults.SetDefaults(cfg)
	cfg.Radio.PowerPollInterval = 2 * time.Second
	return cfg
}

// Load reads a YAML configuration file on top of DefaultConfig.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated and numeric fields
func (c *Config) Validate() error {
	if !slices.Contains(validFormats, c.OutputFormat) {
		return fmt.Errorf("invalid output format '%s': must be one of %v", c.OutputFormat, validFormats)
	}
	if !slices.Contains(validBackends, c.Radio.Backend) {
		return fmt.Errorf("invalid radio backend '%s': must be one of %v", c.Radio.Backend, validBackends)
	}
	if c.Radio.EventBuffer < 0 {
		return fmt.Errorf("radio event buffer must not be negative")
	}
	if c.ScanTimeout < 0 || c.ConnectTimeout < 0 || c.Radio.PowerPollInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
