package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration of the service.
type Config struct {
	DatabaseURL    string
	HTTPAddr       string
	AllowedOrigins []string

	GatewayToken      string
	EmbedTokenSecret  string
	PluginTokenSecret string

	LogLevel  string
	LogFormat string

	TimerInterval time.Duration
	GracePeriod   time.Duration
	TxMaxAttempts int
	CacheTTL      time.Duration
	CacheSize     int

	WebhookURL         string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
	ArchivePrefix     string
}

// MaxCacheTTL bounds how stale a cached progress view or feed may be.
const MaxCacheTTL = 9 * time.Second

var defaults = map[string]any{
	"HTTP_ADDR":            ":5200",
	"ALLOWED_ORIGINS":      "http://localhost:3000",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"TIMER_INTERVAL":       "30s",
	"GRACE_PERIOD":         "10s",
	"TX_MAX_ATTEMPTS":      5,
	"CACHE_TTL":            "5s",
	"CACHE_SIZE":           2048,
	"OUTBOX_POLL_INTERVAL": "5s",
	"OUTBOX_BATCH_SIZE":    50,
	"OUTBOX_MAX_ATTEMPTS":  8,
	"ARCHIVE_PREFIX":       "chant-archive",
}

// Load reads configuration from the environment, an optional .env file
// and an optional config file. Environment variables win over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:        v.GetString("DATABASE_URL"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		AllowedOrigins:     splitList(v.GetString("ALLOWED_ORIGINS")),
		GatewayToken:       v.GetString("GATEWAY_TOKEN"),
		EmbedTokenSecret:   v.GetString("EMBED_TOKEN_SECRET"),
		PluginTokenSecret:  v.GetString("PLUGIN_TOKEN_SECRET"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		TimerInterval:      v.GetDuration("TIMER_INTERVAL"),
		GracePeriod:        v.GetDuration("GRACE_PERIOD"),
		TxMaxAttempts:      v.GetInt("TX_MAX_ATTEMPTS"),
		CacheTTL:           v.GetDuration("CACHE_TTL"),
		CacheSize:          v.GetInt("CACHE_SIZE"),
		WebhookURL:         v.GetString("WEBHOOK_URL"),
		OutboxPollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
		OutboxBatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
		OutboxMaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
		R2AccountID:        v.GetString("R2_ACCOUNT_ID"),
		R2AccessKeyID:      v.GetString("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret:  v.GetString("R2_ACCESS_KEY_SECRET"),
		R2Bucket:           v.GetString("R2_BUCKET"),
		ArchivePrefix:      v.GetString("ARCHIVE_PREFIX"),
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.TimerInterval <= 0 {
		errs = append(errs, errors.New("TIMER_INTERVAL must be positive"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("GRACE_PERIOD must not be negative"))
	}
	if c.TxMaxAttempts < 1 {
		errs = append(errs, errors.New("TX_MAX_ATTEMPTS must be at least 1"))
	}
	if c.CacheTTL <= 0 || c.CacheTTL > MaxCacheTTL {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive and at most %s", MaxCacheTTL))
	}
	if c.CacheSize < 1 {
		errs = append(errs, errors.New("CACHE_SIZE must be at least 1"))
	}
	if c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether champion archives go to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2Bucket != "" && c.R2AccessKeyID != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
