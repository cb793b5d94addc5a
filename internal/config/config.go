// Package config provides YAML-based configuration loading for Agenssistant,
// with environment variable overrides for secrets and paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Config is the top-level Agenssistant configuration, loaded from ags.yaml
// and overlaid with environment variables.
type Config struct {
	Platform    string         `yaml:"platform"`
	Diagnostics bool           `yaml:"diagnostics"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Discord     DiscordConfig  `yaml:"discord"`
	Slack       SlackConfig    `yaml:"slack"`
	Storage     StorageConfig  `yaml:"storage"`
	Google      GoogleConfig   `yaml:"google"`
	Agent       AgentConfig    `yaml:"agent"`
	Speech      SpeechConfig   `yaml:"speech"`
	Sweeper     SweeperConfig  `yaml:"sweeper"`
	Callback    CallbackConfig `yaml:"callback"`
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// StorageConfig selects where session state is persisted.
type StorageConfig struct {
	Driver          string      `yaml:"driver"` // "sqlite" or "mysql"
	DataPath        string      `yaml:"data_path"`
	PersistenceFile string      `yaml:"persistence_file"`
	MySQL           MySQLConfig `yaml:"mysql"`
}

// MySQLConfig holds connection settings for a MySQL-compatible server.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// GoogleConfig locates the OAuth client secret and the optional redirect URL.
type GoogleConfig struct {
	SecretsPath     string `yaml:"secrets_path"`
	CredentialsFile string `yaml:"credentials_file"`
	RedirectURL     string `yaml:"redirect_url"`
	AgendaSize      int    `yaml:"agenda_size"`
}

// AgentConfig configures the language-model agent.
type AgentConfig struct {
	Model                string `yaml:"model"`
	APIKey               string `yaml:"api_key"`
	BaseURL              string `yaml:"base_url"`
	MaxTranscriptEntries int    `yaml:"max_transcript_entries"`
	TimeoutSec           int    `yaml:"timeout_sec"`
}

// SpeechConfig configures voice transcription.
type SpeechConfig struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// SweeperConfig controls expiry of abandoned authorization attempts.
type SweeperConfig struct {
	Cron          string `yaml:"cron"`
	FlowStateTTLM int    `yaml:"flow_state_ttl_minutes"`
}

// CallbackConfig controls the OAuth redirect receiver.
type CallbackConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// envOverrides maps environment variables onto config fields. Non-empty
// values win over the YAML file.
var envOverrides = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"AGS_PLATFORM", func(c *Config, v string) { c.Platform = v }},
	{"TELEGRAM_BOT_TOKEN", func(c *Config, v string) { c.Telegram.BotToken = v }},
	{"DISCORD_BOT_TOKEN", func(c *Config, v string) { c.Discord.BotToken = v }},
	{"SLACK_APP_TOKEN", func(c *Config, v string) { c.Slack.AppToken = v }},
	{"SLACK_BOT_TOKEN", func(c *Config, v string) { c.Slack.BotToken = v }},
	{"DATA_PATH", func(c *Config, v string) { c.Storage.DataPath = v }},
	{"PERSISTENCE_FILE", func(c *Config, v string) { c.Storage.PersistenceFile = v }},
	{"SECRETS_PATH", func(c *Config, v string) { c.Google.SecretsPath = v }},
	{"GOOGLE_CREDENTIALS_FILE", func(c *Config, v string) { c.Google.CredentialsFile = v }},
	{"GOOGLE_REDIRECT_URL", func(c *Config, v string) { c.Google.RedirectURL = v }},
	{"OPENAI_API_KEY", func(c *Config, v string) { c.Agent.APIKey = v }},
	{"OPENAI_BASE_URL", func(c *Config, v string) { c.Agent.BaseURL = v }},
	{"AGS_DIAGNOSTICS", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Diagnostics = b
		}
	}},
}

// Load reads a YAML config file from path, overlays environment variables,
// and returns a validated Config. A missing file is not an error: the bot
// can be configured from the environment alone.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config, overlaying the
// process environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(getenv(o.name)); v != "" {
			o.apply(c, v)
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if c.Platform == "" {
		c.Platform = PlatformTelegram
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DataPath == "" {
		c.Storage.DataPath = "data"
	}
	if c.Storage.PersistenceFile == "" {
		c.Storage.PersistenceFile = "agenssistant.db"
	}
	if c.Storage.MySQL.Host == "" {
		c.Storage.MySQL.Host = "127.0.0.1"
	}
	if c.Storage.MySQL.Port == 0 {
		c.Storage.MySQL.Port = 3306
	}
	if c.Storage.MySQL.User == "" {
		c.Storage.MySQL.User = "root"
	}
	if c.Storage.MySQL.Database == "" {
		c.Storage.MySQL.Database = "agenssistant"
	}
	if c.Google.AgendaSize <= 0 {
		c.Google.AgendaSize = 5
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "gpt-4o-mini"
	}
	if c.Agent.MaxTranscriptEntries <= 0 {
		c.Agent.MaxTranscriptEntries = 200
	}
	if c.Agent.MaxTranscriptEntries%2 != 0 {
		c.Agent.MaxTranscriptEntries++
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 120
	}
	if c.Speech.Model == "" {
		c.Speech.Model = "whisper-1"
	}
	if c.Sweeper.Cron == "" {
		c.Sweeper.Cron = "*/5 * * * *"
	}
	if c.Sweeper.FlowStateTTLM <= 0 {
		c.Sweeper.FlowStateTTLM = 30
	}
	if c.Callback.Port <= 0 {
		c.Callback.Port = 8085
	}
}

// validate checks that all required fields are present and consistent.
// Google secrets are not checked here; a missing client secret is reported
// to the user when they try to link a calendar.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, "telegram.bot_token is required (or TELEGRAM_BOT_TOKEN)")
		}
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required (or DISCORD_BOT_TOKEN)")
		}
	case PlatformSlack:
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required (or SLACK_BOT_TOKEN)")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required (or SLACK_APP_TOKEN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q", c.Platform))
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported storage.driver %q", c.Storage.Driver))
	}
	if c.Agent.APIKey == "" {
		errs = append(errs, "agent.api_key is required (or OPENAI_API_KEY)")
	}
	if c.Callback.Enabled && c.Google.RedirectURL == "" {
		errs = append(errs, "google.redirect_url is required when callback.enabled is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PersistencePath returns the sqlite file location for session state.
func (c *Config) PersistencePath() string {
	return filepath.Join(c.Storage.DataPath, c.Storage.PersistenceFile)
}
