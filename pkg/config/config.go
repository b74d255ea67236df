package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	Output     string           `yaml:"output_format" default:"table"` // table, json
}

// AdapterConfig selects and powers the local BLE adapter.
type AdapterConfig struct {
	HCIIndex     int    `yaml:"hci_index" default:"0"`
	BluezPower   bool   `yaml:"bluez_power" default:"false"` // toggle org.bluez.Adapter1.Powered on power on/off (linux)
	BluezAdapter string `yaml:"bluez_adapter" default:"hci0"`
}

// ScanConfig tunes discovery.
type ScanConfig struct {
	Duration      time.Duration `yaml:"duration" default:"10s"`
	BatchInterval time.Duration `yaml:"batch_interval" default:"100ms"`
	BatchSize     int           `yaml:"batch_size" default:"32"`
	StartGrace    time.Duration `yaml:"start_grace" default:"150ms"`
}

// ConnectionConfig tunes connection establishment.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	EnumerateTimeout time.Duration `yaml:"enumerate_timeout" default:"10s"` // how long inspect waits for service discovery after connecting
}

// SessionConfig sizes the session's queues.
type SessionConfig struct {
	EventBuffer   int `yaml:"event_buffer" default:"128"`
	NoticeHistory int `yaml:"notice_history" default:"64"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns ~/.config/blecon/config.yaml, or "" if the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecon", "config.yaml")
}

// Load reads a YAML config file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set and exists, otherwise returns defaults.
// An explicitly given path that does not exist is an error.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(expandTilde(path)); err != nil {
		if !explicit && os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	switch c.Output {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.Output)
	}

	if c.Adapter.HCIIndex < 0 {
		return fmt.Errorf("adapter.hci_index must be >= 0")
	}
	if c.Adapter.BluezPower && c.Adapter.BluezAdapter == "" {
		return fmt.Errorf("adapter.bluez_adapter must not be empty when bluez_power is enabled")
	}

	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must be >= 0")
	}
	if c.Scan.BatchInterval <= 0 {
		return fmt.Errorf("scan.batch_interval must be > 0")
	}
	if c.Scan.BatchSize <= 0 {
		return fmt.Errorf("scan.batch_size must be > 0")
	}
	if c.Scan.StartGrace <= 0 {
		return fmt.Errorf("scan.start_grace must be > 0")
	}

	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be > 0")
	}
	if c.Connection.EnumerateTimeout <= 0 {
		return fmt.Errorf("connection.enumerate_timeout must be > 0")
	}

	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be > 0")
	}
	if c.Session.NoticeHistory <= 0 {
		return fmt.Errorf("session.notice_history must be > 0")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
