package internal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Notify    NotifyConfig    `yaml:"notify"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // 必須大於 chat.poll_interval，否則長輪詢會被截斷
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ChatConfig 配對與輪詢配置
type ChatConfig struct {
	ExperimentID string `yaml:"experiment_id"`

	// PollInterval 長輪詢最長等待時間，同時告知客戶端作為輪詢間隔
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollRetry 輪詢迴圈每次重試的間隔
	PollRetry time.Duration `yaml:"poll_retry"`

	// 以下三項只回報給客戶端，服務端不強制
	// MessageCountLow / MessageCountHigh 客戶端進度提示的兩個階段（訊息則數）
	MessageCountLow  int           `yaml:"message_count_low"`
	MessageCountHigh int           `yaml:"message_count_high"`
	PartnerWait      time.Duration `yaml:"partner_wait"`

	// CheckUniqueTab 開啟後，同一瀏覽器 session 的第二個分頁無法加入
	CheckUniqueTab bool   `yaml:"check_unique_tab"`
	TabDelimiter   string `yaml:"tab_delimiter"`

	// MatchAttributes 配對時必須相同的使用者屬性，空表示任何人都能配對
	MatchAttributes []string `yaml:"match_attributes"`
}

// SweepConfig 閒置清理配置
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	// InactivityMultiplier 超過 poll_interval 的幾倍沒有輪詢就視為離開
	InactivityMultiplier int `yaml:"inactivity_multiplier"`
}

// ArchiveConfig 逐字稿配置
type ArchiveConfig struct {
	Dir      string         `yaml:"dir"`
	Timezone string         `yaml:"timezone"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig 逐字稿 PostgreSQL 鏡像
type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// RedisConfig 逐字稿 Redis 鏡像
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	IndexSize int64         `yaml:"index_size"`
}

// NotifyConfig 生命週期事件配置
type NotifyConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig NATS 連接配置
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RateLimitConfig 每位使用者的發訊息頻率限制
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // 每秒
	Burst   int     `yaml:"burst"` // 可連發則數
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Chat: ChatConfig{
			PollInterval:     10 * time.Second,
			PollRetry:        1 * time.Second,
			MessageCountLow:  10,
			MessageCountHigh: 20,
			PartnerWait:      60 * time.Second,
			TabDelimiter:     "_",
		},
		Sweep: SweepConfig{
			Interval:             10 * time.Second,
			InactivityMultiplier: 3,
		},
		Archive: ArchiveConfig{
			Dir:      "archives",
			Timezone: "Local",
			Postgres: PostgresConfig{
				MaxConns: 4,
				MinConns: 1,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "chat",
				TTL:       30 * 24 * time.Hour,
				IndexSize: 1000,
			},
		},
		Notify: NotifyConfig{
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "chat",
			},
		},
		RateLimit: RateLimitConfig{
			Rate:  2,
			Burst: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 載入配置檔案
//
// 檔案不存在時使用預設值；檔案中沒有的欄位保留預設值。
// 之後套用環境變數覆蓋並驗證。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（部署環境常用）
func (c *Config) applyEnv() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Archive.Postgres.DSN = dsn
		c.Archive.Postgres.Enabled = true
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Archive.Redis.Addr = addr
		c.Archive.Redis.Enabled = true
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Notify.NATS.URL = url
		c.Notify.NATS.Enabled = true
	}
	if dir := os.Getenv("CHAT_ARCHIVE_DIR"); dir != "" {
		c.Archive.Dir = dir
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Chat.PollInterval <= 0 {
		errs = append(errs, errors.New("chat.poll_interval must be positive"))
	}
	if c.Chat.PollRetry <= 0 {
		errs = append(errs, errors.New("chat.poll_retry must be positive"))
	}
	if c.Chat.PollRetry > c.Chat.PollInterval {
		errs = append(errs, errors.New("chat.poll_retry must not exceed chat.poll_interval"))
	}
	if c.Chat.CheckUniqueTab && c.Chat.TabDelimiter == "" {
		errs = append(errs, errors.New("chat.tab_delimiter is required when check_unique_tab is on"))
	}
	if c.Chat.MessageCountLow < 0 || c.Chat.MessageCountLow > c.Chat.MessageCountHigh {
		errs = append(errs, errors.New("chat.message_count_low must be between 0 and chat.message_count_high"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Sweep.InactivityMultiplier < 3 {
		errs = append(errs, errors.New("sweep.inactivity_multiplier must be at least 3"))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Chat.PollInterval {
		errs = append(errs, errors.New("server.write_timeout must exceed chat.poll_interval"))
	}
	if c.Archive.Dir == "" {
		errs = append(errs, errors.New("archive.dir is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit.rate and rate_limit.burst must be positive when enabled"))
	}
	if c.Archive.Postgres.Enabled && c.Archive.Postgres.DSN == "" {
		errs = append(errs, errors.New("archive.postgres.dsn is required when enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location 逐字稿使用的時區
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Archive.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Archive.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive.timezone: %w", err)
	}
	return loc, nil
}

// InactivityThreshold 閒置判定門檻
func (c *Config) InactivityThreshold() time.Duration {
	return time.Duration(c.Sweep.InactivityMultiplier) * c.Chat.PollInterval
}
