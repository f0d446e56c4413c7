// Package config provides environment-variable-first configuration
// loading with optional YAML file fallback for the mail sink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultPort is the default SMTP listen port. 25 needs root, so the
// out-of-the-box default is an unprivileged port.
const defaultPort = 2525

// defaultExtension is the file extension for stored messages.
const defaultExtension = "eml"

// Config holds the complete application configuration. It is built
// once at startup and shared read-only by every session and the sink.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Mail    MailConfig    `yaml:"mail"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`

	// Foreground disables backgrounding: log lines go to the console
	// as well as the log file, and every stored message body is echoed
	// to stdout.
	Foreground bool `yaml:"foreground"`
}

// SMTPConfig holds the SMTP listener configuration.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MailConfig holds the persistence configuration.
type MailConfig struct {
	// Dir is the root directory messages are written under,
	// one subdirectory per recipient.
	Dir string `yaml:"dir"`

	// Extension is the file extension for stored messages,
	// without a leading dot.
	Extension string `yaml:"extension"`
}

// MetricsConfig holds the optional prometheus endpoint configuration.
type MetricsConfig struct {
	// Listen is the host:port for the /metrics endpoint.
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the SMTP listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.SMTP.Host, c.SMTP.Port)
}

// LogFile returns the path of the rotating log file, which lives inside
// the mail directory next to the stored messages.
func (c *Config) LogFile() string {
	return filepath.Join(c.Mail.Dir, "mailsink.log")
}

// Validate checks the configuration and normalizes the mail directory
// and extension. It must pass before the process starts listening.
func (c *Config) Validate() error {
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.SMTP.Port)
	}

	if c.Mail.Dir == "" {
		return fmt.Errorf("mail directory must not be empty")
	}
	abs, err := filepath.Abs(c.Mail.Dir)
	if err != nil {
		return fmt.Errorf("invalid mail directory %q: %w", c.Mail.Dir, err)
	}
	c.Mail.Dir = abs

	c.Mail.Extension = strings.TrimPrefix(c.Mail.Extension, ".")
	if c.Mail.Extension == "" {
		return fmt.Errorf("file extension must not be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	return nil
}

// EnsureMailDir creates the mail directory if it does not exist yet.
// Failure here is fatal: without a writable mail directory the sink
// must not accept connections.
func (c *Config) EnsureMailDir() error {
	if err := os.MkdirAll(c.Mail.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mail directory %q: %w", c.Mail.Dir, err)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "localhost"
	c.SMTP.Port = defaultPort
	c.Mail.Dir = defaultMailDir()
	c.Mail.Extension = defaultExtension
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILSINK_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("MAILSINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("MAILSINK_MAIL_DIR"); v != "" {
		c.Mail.Dir = v
	}
	if v := os.Getenv("MAILSINK_FILE_EXTENSION"); v != "" {
		c.Mail.Extension = v
	}
	if v := os.Getenv("MAILSINK_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("MAILSINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MAILSINK_FOREGROUND"); v != "" {
		if fg, err := strconv.ParseBool(v); err == nil {
			c.Foreground = fg
		}
	}
}

// defaultMailDir is the fixed per-user mail directory, ~/.mailsink.
func defaultMailDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsink"
	}
	return filepath.Join(home, ".mailsink")
}
