package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ku-nlp/ChatCollectionFramework/internal"
)

// clearEnv 避免開發機上的環境變數影響測試
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "NATS_URL", "CHAT_ARCHIVE_DIR"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadConfig_MissingFileUsesDefaults 設定檔不存在時使用預設值
func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := internal.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, time.Second, cfg.Chat.PollRetry)
	assert.Equal(t, 3, cfg.Sweep.InactivityMultiplier)
	assert.Equal(t, 30*time.Second, cfg.InactivityThreshold())
	assert.False(t, cfg.Archive.Postgres.Enabled)
	assert.False(t, cfg.Notify.NATS.Enabled)
}

// TestLoadConfig_File 檔案中的欄位覆蓋預設值，其餘保留
func TestLoadConfig_File(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
chat:
  experiment_id: exp-42
  poll_interval: 5s
  message_count_low: 12
  message_count_high: 24
  check_unique_tab: true
  match_attributes: [lang]
sweep:
  inactivity_multiplier: 4
archive:
  dir: /tmp/chat-archives
  timezone: Asia/Tokyo
log:
  level: debug
  format: json
`)

	cfg, err := internal.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "exp-42", cfg.Chat.ExperimentID)
	assert.Equal(t, 5*time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, time.Second, cfg.Chat.PollRetry) // 預設值
	assert.Equal(t, 12, cfg.Chat.MessageCountLow)
	assert.Equal(t, 24, cfg.Chat.MessageCountHigh)
	assert.True(t, cfg.Chat.CheckUniqueTab)
	assert.Equal(t, "_", cfg.Chat.TabDelimiter)
	assert.Equal(t, []string{"lang"}, cfg.Chat.MatchAttributes)
	assert.Equal(t, 20*time.Second, cfg.InactivityThreshold())
	assert.Equal(t, "/tmp/chat-archives", cfg.Archive.Dir)
	assert.Equal(t, "json", cfg.Log.Format)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

// TestLoadConfig_Env 環境變數啟用鏡像與事件
func TestLoadConfig_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("CHAT_ARCHIVE_DIR", "/data/archives")

	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.Archive.Postgres.Enabled)
	assert.Equal(t, "postgres://u:p@db:5432/chat", cfg.Archive.Postgres.DSN)
	assert.True(t, cfg.Archive.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Archive.Redis.Addr)
	assert.True(t, cfg.Notify.NATS.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.Notify.NATS.URL)
	assert.Equal(t, "/data/archives", cfg.Archive.Dir)
}

// TestLoadConfig_InvalidYAML 格式錯誤
func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)

	_, err := internal.LoadConfig(writeConfig(t, "chat: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

// TestConfig_Validate 配置驗證
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *internal.Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *internal.Config) {},
		},
		{
			name:    "multiplier below three",
			modify:  func(c *internal.Config) { c.Sweep.InactivityMultiplier = 2 },
			wantErr: "inactivity_multiplier",
		},
		{
			name:    "retry longer than poll interval",
			modify:  func(c *internal.Config) { c.Chat.PollRetry = 20 * time.Second },
			wantErr: "poll_retry",
		},
		{
			name:    "write timeout shorter than poll interval",
			modify:  func(c *internal.Config) { c.Server.WriteTimeout = 5 * time.Second },
			wantErr: "write_timeout",
		},
		{
			name: "tab guard without delimiter",
			modify: func(c *internal.Config) {
				c.Chat.CheckUniqueTab = true
				c.Chat.TabDelimiter = ""
			},
			wantErr: "tab_delimiter",
		},
		{
			name:    "unknown timezone",
			modify:  func(c *internal.Config) { c.Archive.Timezone = "Mars/Olympus" },
			wantErr: "archive.timezone",
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *internal.Config) { c.Archive.Postgres.Enabled = true },
			wantErr: "dsn",
		},
		{
			name:    "empty archive dir",
			modify:  func(c *internal.Config) { c.Archive.Dir = "" },
			wantErr: "archive.dir",
		},
		{
			name: "low message count above high",
			modify: func(c *internal.Config) {
				c.Chat.MessageCountLow = 30
				c.Chat.MessageCountHigh = 20
			},
			wantErr: "message_count_low",
		},
		{
			name: "rate limit without burst",
			modify: func(c *internal.Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Burst = 0
			},
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := internal.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
