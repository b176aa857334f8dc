package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullYAML = `
platform:
  base_url: https://graph.example.com/
  api_version: v21.0
  access_token: long-lived
  client_id: "1234"
  client_secret: s3cret
  waba_id: "5678"
  business_phone_number: "15551008641"
  timeout_sec: 10
  stream_threshold_bytes: 4096

upload:
  stage_dir: /var/tmp/sb
  transfer_attempts: 3

catalog:
  search_limit: 25
  watch_cron: "0 * * * *"

conversations:
  source: http
  feed_url: https://console.example.com/api/data
  mode_url: https://console.example.com/api/update-response-mode
  poll_interval_ms: 5000

store:
  driver: mysql
  dsn: "root@tcp(127.0.0.1:3306)/signalbox?parseTime=true"

server:
  port: 9090

log:
  level: debug
  format: json

notify:
  slack:
    bot_token: xoxb-1
    channel_id: C123
`

const minimalYAML = `
conversations:
  feed_url: http://localhost:3000/api/data
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://graph.example.com", cfg.Platform.BaseURL, "trailing slash trimmed")
	assert.Equal(t, "v21.0", cfg.Platform.APIVersion)
	assert.Equal(t, "long-lived", cfg.Platform.AccessToken)
	assert.Equal(t, "1234", cfg.Platform.AppID, "app id defaults to client id")
	assert.Equal(t, "5678", cfg.Platform.WABAID)
	assert.Equal(t, int64(4096), cfg.Platform.StreamThreshold)
	assert.Equal(t, 10*time.Second, cfg.Timeout())

	assert.Equal(t, "/var/tmp/sb", cfg.Upload.StageDir)
	assert.Equal(t, 3, cfg.Upload.TransferAttempts)

	assert.Equal(t, 25, cfg.Catalog.SearchLimit)
	assert.Equal(t, "0 * * * *", cfg.Catalog.WatchCron)

	assert.Equal(t, SourceHTTP, cfg.Conversations.Source)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())

	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Notify.Slack.Enabled())
	assert.False(t, cfg.Notify.Discord.Enabled())
}

func TestParse_MinimalDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://graph.facebook.com", cfg.Platform.BaseURL)
	assert.Equal(t, "v22.0", cfg.Platform.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, int64(1<<20), cfg.Platform.StreamThreshold)
	assert.Equal(t, 2, cfg.Upload.TransferAttempts)
	assert.Equal(t, int64(100<<20), cfg.Upload.MaxFileBytes)
	assert.Equal(t, 10, cfg.Catalog.SearchLimit)
	assert.Equal(t, 20, cfg.Catalog.MaxPages)
	assert.Equal(t, "*/5 * * * *", cfg.Catalog.WatchCron)
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "signalbox.db", cfg.Store.DSN)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, "signalbox.events", cfg.Notify.AMQP.Exchange)
}

func TestParse_StoreSourceNeedsNoFeedURL(t *testing.T) {
	cfg, err := Parse([]byte("conversations:\n  source: store\n"))
	require.NoError(t, err)
	assert.Equal(t, SourceStore, cfg.Conversations.Source)
}

func TestParse_MySQLHostDefaults(t *testing.T) {
	cfg, err := Parse([]byte("conversations:\n  source: store\nstore:\n  driver: mysql\n  host: db.internal\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Store.DSN)
	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, 3306, cfg.Store.Port)
	assert.Equal(t, "root", cfg.Store.User)
	assert.Equal(t, "signalbox", cfg.Store.Database)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing feed url",
			yaml: "conversations:\n  source: http\n",
			want: "conversations.feed_url is required",
		},
		{
			name: "unknown source",
			yaml: "conversations:\n  source: kafka\n",
			want: `conversations.source "kafka"`,
		},
		{
			name: "bad base url",
			yaml: "platform:\n  base_url: graph.example.com\nconversations:\n  source: store\n",
			want: "platform.base_url must be an http(s) URL",
		},
		{
			name: "bad api version",
			yaml: "platform:\n  api_version: \"22.0\"\nconversations:\n  source: store\n",
			want: "platform.api_version",
		},
		{
			name: "poll interval too small",
			yaml: "conversations:\n  source: store\n  poll_interval_ms: 10\n",
			want: "poll_interval_ms must be at least 100",
		},
		{
			name: "bad driver",
			yaml: "conversations:\n  source: store\nstore:\n  driver: postgres\n",
			want: `store.driver "postgres"`,
		},
		{
			name: "mysql without dsn",
			yaml: "conversations:\n  source: store\nstore:\n  driver: mysql\n",
			want: "store.dsn or store.host is required",
		},
		{
			name: "bad log format",
			yaml: "conversations:\n  source: store\nlog:\n  format: xml\n",
			want: `log.format "xml"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("conversations:\n  source: http\n  poll_interval_ms: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed_url is required")
	assert.Contains(t, err.Error(), "poll_interval_ms must be at least 100")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("platform: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: parse")
}

func TestApplyEnv_OverridesSecrets(t *testing.T) {
	env := map[string]string{
		"SB_ACCESS_TOKEN":      "from-env",
		"SB_CLIENT_SECRET":     "env-secret",
		"SB_DISCORD_BOT_TOKEN": "discord-env",
		"SB_CLIENT_ID":         "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Config{Platform: PlatformConfig{AccessToken: "from-file", ClientID: "file-id"}}
	cfg.applyEnv(lookup)

	assert.Equal(t, "from-env", cfg.Platform.AccessToken)
	assert.Equal(t, "env-secret", cfg.Platform.ClientSecret)
	assert.Equal(t, "file-id", cfg.Platform.ClientID, "empty env value does not clear file value")
	assert.Equal(t, "discord-env", cfg.Notify.Discord.BotToken)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/api/data", cfg.Conversations.FeedURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read")
}
