// ABOUTME: Configuration loading for the minima-chat client
// ABOUTME: Loads TOML config with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete client configuration.
type Config struct {
	Upload    UploadConfig    `toml:"upload"`
	Directory DirectoryConfig `toml:"directory"`
	Chat      ChatConfig      `toml:"chat"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig   `toml:"logging"`
}

// UploadConfig holds the document upload service endpoint.
type UploadConfig struct {
	BaseURL string `toml:"base_url"`
}

// DirectoryConfig holds the customer directory endpoint used for the
// user list. Optional; the /users command is disabled when empty.
type DirectoryConfig struct {
	BaseURL string `toml:"base_url"`
}

// ChatConfig holds the streaming chat endpoint and session defaults.
type ChatConfig struct {
	StreamURL    string `toml:"stream_url"`
	Conversation string `toml:"conversation"`
}

// ReconnectConfig controls the retry policy for abnormal disconnects.
type ReconnectConfig struct {
	Delay       time.Duration `toml:"-"`
	MaxDelay    time.Duration `toml:"-"`
	MaxAttempts int           `toml:"max_attempts"`

	// Raw string values for TOML unmarshaling
	DelayRaw    string `toml:"delay"`
	MaxDelayRaw string `toml:"max_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration: 5s initial retry delay,
// one minute backoff ceiling, five attempts, and the reference
// conversation label.
func Default() *Config {
	return &Config{
		Chat: ChatConfig{
			Conversation: "default_conversation",
		},
		Reconnect: ReconnectConfig{
			Delay:       5 * time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from the given path, expanding environment variables.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Upload.BaseURL == "" {
		return fmt.Errorf("upload.base_url is required")
	}
	u, err := url.Parse(c.Upload.BaseURL)
	if err != nil {
		return fmt.Errorf("upload.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upload.base_url must use http or https scheme")
	}

	if c.Chat.StreamURL == "" {
		return fmt.Errorf("chat.stream_url is required")
	}
	u, err = url.Parse(c.Chat.StreamURL)
	if err != nil {
		return fmt.Errorf("chat.stream_url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("chat.stream_url must use ws or wss scheme")
	}

	if c.Chat.Conversation == "" {
		return fmt.Errorf("chat.conversation is required")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Reconnect.DelayRaw != "" {
		cfg.Reconnect.Delay, err = time.ParseDuration(cfg.Reconnect.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect.delay %q: %w", cfg.Reconnect.DelayRaw, err)
		}
	}

	if cfg.Reconnect.MaxDelayRaw != "" {
		cfg.Reconnect.MaxDelay, err = time.ParseDuration(cfg.Reconnect.MaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect.max_delay %q: %w", cfg.Reconnect.MaxDelayRaw, err)
		}
	}

	return nil
}
