// Package config loads and validates the gatekeeper configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for gatekeeper.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Approval ApprovalConfig `yaml:"approval"`
	Auth     AuthConfig     `yaml:"auth"`
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisConfig points at the coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ApprovalConfig tunes the approval core.
type ApprovalConfig struct {
	// DefaultTimeout is the deadline applied when a producer does not
	// supply one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// ResolvedRetention keeps terminal ledger records readable for this
	// long before store-level expiry reclaims them.
	ResolvedRetention time.Duration `yaml:"resolved_retention"`

	// AuditLimit caps the audit trail to the most recent N entries.
	AuditLimit int `yaml:"audit_limit"`
}

// AuthConfig enables bearer-token auth on the HTTP API when JWTSecret is
// set. An empty secret leaves the API open, which is only sane behind a
// trusted proxy.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type ChannelsConfig struct {
	Web      WebConfig      `yaml:"web"`
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
	Channel  string `yaml:"channel"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SweeperConfig controls the background expiry sweep.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration suitable for local development: local
// Redis, web channel on, no auth.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Channels.Web.Enabled = true
	return cfg
}

// Load reads a YAML config file, expanding ${ENV_VAR} references before
// parsing so secrets stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Approval.DefaultTimeout == 0 {
		c.Approval.DefaultTimeout = 5 * time.Minute
	}
	if c.Approval.ResolvedRetention == 0 {
		c.Approval.ResolvedRetention = 24 * time.Hour
	}
	if c.Approval.AuditLimit == 0 {
		c.Approval.AuditLimit = 1000
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 24 * time.Hour
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects configurations that would fail at startup anyway, with a
// clearer message.
func (c *Config) Validate() error {
	if c.Channels.Slack.Enabled {
		if c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "" {
			return fmt.Errorf("slack channel enabled but bot_token or app_token missing")
		}
		if c.Channels.Slack.Channel == "" {
			return fmt.Errorf("slack channel enabled but no channel to post prompts to")
		}
	}
	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.BotToken == "" {
			return fmt.Errorf("telegram channel enabled but bot_token missing")
		}
		if c.Channels.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram channel enabled but chat_id missing")
		}
	}
	if c.Channels.Discord.Enabled {
		if c.Channels.Discord.BotToken == "" || c.Channels.Discord.ChannelID == "" {
			return fmt.Errorf("discord channel enabled but bot_token or channel_id missing")
		}
	}
	if c.Approval.DefaultTimeout < time.Second {
		return fmt.Errorf("approval default_timeout %s is below one second", c.Approval.DefaultTimeout)
	}
	return nil
}
