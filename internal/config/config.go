// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Platform      PlatformConfig      `yaml:"platform"`
	Upload        UploadConfig        `yaml:"upload"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Store         StoreConfig         `yaml:"store"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Notify        NotifyConfig        `yaml:"notify"`
}

// PlatformConfig holds the business-account credentials and endpoint settings
// for the messaging Platform.
type PlatformConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIVersion          string `yaml:"api_version"`
	AccessToken         string `yaml:"access_token"` // long-lived bearer token
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	AppID               string `yaml:"app_id"` // owner of upload sessions; defaults to client_id
	WABAID              string `yaml:"waba_id"` // template catalog id
	BusinessPhoneNumber string `yaml:"business_phone_number"`
	TimeoutSec          int    `yaml:"timeout_sec"`
	StreamThreshold     int64  `yaml:"stream_threshold_bytes"`
}

// UploadConfig tunes the resumable upload protocol.
type UploadConfig struct {
	StageDir         string `yaml:"stage_dir"`
	TransferAttempts int    `yaml:"transfer_attempts"`
	MaxFileBytes     int64  `yaml:"max_file_bytes"`
}

// CatalogConfig tunes template search and the status watcher.
type CatalogConfig struct {
	SearchLimit int    `yaml:"search_limit"`
	MaxPages    int    `yaml:"max_pages"`
	WatchCron   string `yaml:"watch_cron"`
}

// ConversationsConfig selects where conversation feeds come from.
type ConversationsConfig struct {
	Source         string `yaml:"source"` // "http" or "store"
	FeedURL        string `yaml:"feed_url"`
	ModeURL        string `yaml:"mode_url"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

// StoreConfig holds the gorm connection settings for the conversation store.
// A mysql store takes either a full DSN or the host fields.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig holds console API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "console" or "auto"
}

// NotifyConfig configures operator alert sinks. Every sink is optional.
type NotifyConfig struct {
	Slack   ChatSinkConfig `yaml:"slack"`
	Discord ChatSinkConfig `yaml:"discord"`
	AMQP    AMQPConfig     `yaml:"amqp"`
}

// ChatSinkConfig is a bot token plus the channel alerts are posted to.
type ChatSinkConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the sink has enough settings to post.
func (c ChatSinkConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// AMQPConfig holds the event publisher connection.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Source kinds for ConversationsConfig.Source.
const (
	SourceHTTP  = "http"
	SourceStore = "store"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Secrets set in the
// environment override values from the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv copies secrets from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Platform.AccessToken, "SB_ACCESS_TOKEN")
	set(&c.Platform.ClientID, "SB_CLIENT_ID")
	set(&c.Platform.ClientSecret, "SB_CLIENT_SECRET")
	set(&c.Notify.Slack.BotToken, "SB_SLACK_BOT_TOKEN")
	set(&c.Notify.Discord.BotToken, "SB_DISCORD_BOT_TOKEN")
	set(&c.Notify.AMQP.URL, "SB_AMQP_URL")
	set(&c.Store.Password, "SB_STORE_PASSWORD")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform.BaseURL == "" {
		c.Platform.BaseURL = "https://graph.facebook.com"
	}
	c.Platform.BaseURL = strings.TrimRight(c.Platform.BaseURL, "/")
	if c.Platform.APIVersion == "" {
		c.Platform.APIVersion = "v22.0"
	}
	if c.Platform.AppID == "" {
		c.Platform.AppID = c.Platform.ClientID
	}
	if c.Platform.TimeoutSec == 0 {
		c.Platform.TimeoutSec = 30
	}
	if c.Platform.StreamThreshold == 0 {
		c.Platform.StreamThreshold = 1 << 20
	}
	if c.Upload.TransferAttempts == 0 {
		c.Upload.TransferAttempts = 2
	}
	if c.Upload.MaxFileBytes == 0 {
		c.Upload.MaxFileBytes = 100 << 20
	}
	if c.Catalog.SearchLimit == 0 {
		c.Catalog.SearchLimit = 10
	}
	if c.Catalog.MaxPages == 0 {
		c.Catalog.MaxPages = 20
	}
	if c.Catalog.WatchCron == "" {
		c.Catalog.WatchCron = "*/5 * * * *"
	}
	if c.Conversations.Source == "" {
		c.Conversations.Source = SourceHTTP
	}
	if c.Conversations.PollIntervalMS == 0 {
		c.Conversations.PollIntervalMS = 3000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "signalbox.db"
	}
	if c.Store.Driver == "mysql" && c.Store.Host != "" {
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "signalbox"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "signalbox.events"
	}
}

// validate checks that settings are well-formed. Missing credentials are not
// reported here; each component checks the credentials it needs when built.
func (c *Config) validate() error {
	var errs []string
	if !strings.HasPrefix(c.Platform.BaseURL, "http://") && !strings.HasPrefix(c.Platform.BaseURL, "https://") {
		errs = append(errs, "platform.base_url must be an http(s) URL")
	}
	if !strings.HasPrefix(c.Platform.APIVersion, "v") {
		errs = append(errs, fmt.Sprintf("platform.api_version %q must look like v22.0", c.Platform.APIVersion))
	}
	if c.Platform.TimeoutSec < 0 {
		errs = append(errs, "platform.timeout_sec must not be negative")
	}
	if c.Platform.StreamThreshold < 0 {
		errs = append(errs, "platform.stream_threshold_bytes must not be negative")
	}
	if c.Upload.TransferAttempts < 1 {
		errs = append(errs, "upload.transfer_attempts must be at least 1")
	}
	if c.Catalog.SearchLimit < 1 {
		errs = append(errs, "catalog.search_limit must be at least 1")
	}
	switch c.Conversations.Source {
	case SourceHTTP:
		if c.Conversations.FeedURL == "" {
			errs = append(errs, "conversations.feed_url is required for the http source")
		}
	case SourceStore:
	default:
		errs = append(errs, fmt.Sprintf("conversations.source %q must be %q or %q", c.Conversations.Source, SourceHTTP, SourceStore))
	}
	if c.Conversations.PollIntervalMS < 100 {
		errs = append(errs, "conversations.poll_interval_ms must be at least 100")
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if c.Store.DSN == "" && c.Store.Host == "" {
		errs = append(errs, "store.dsn or store.host is required")
	}
	switch c.Log.Format {
	case "json", "console", "auto":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json, console or auto", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Timeout returns the per-request Platform timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Platform.TimeoutSec) * time.Second
}

// PollInterval returns the conversation poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Conversations.PollIntervalMS) * time.Millisecond
}
