// Package config loads and validates the chatrelay TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultQuietPeriodMs    = 2000
	DefaultDedupTTLSeconds  = 600
	DefaultDedupMaxEntries  = 1000
	DefaultThrottleMs       = 1000
	DefaultStatusIntervalMs = 1500
	DefaultHistoryLimit     = 50
	DefaultHistoryTokens    = 6000
	DefaultRetryAttempts    = 3
	DefaultRetryBaseMs      = 500
	DefaultRetryMaxMs       = 8000
	DefaultRetryJitterMs    = 250
	DefaultRequestTimeoutS  = 180
	DefaultToolTimeoutS     = 120
	DefaultTokenMarginS     = 120
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Backend  BackendConfig  `toml:"backend"`
	Gemini   GeminiConfig   `toml:"gemini"`
	OpenClaw OpenClawConfig `toml:"openclaw"`
	Retry    RetryConfig    `toml:"retry"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Lark     LarkConfig     `toml:"lark"`
	Tools    ToolsConfig    `toml:"tools"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

// GatewayConfig tunes the relay core: debounce window, dedup bounds, UI
// update throttling, and how much history is replayed to the backend.
type GatewayConfig struct {
	QuietPeriodMs     int `toml:"quiet_period_ms" validate:"gt=0"`
	DedupTTLSeconds   int `toml:"dedup_ttl_seconds" validate:"gt=0"`
	DedupMaxEntries   int `toml:"dedup_max_entries" validate:"gt=0"`
	ThrottleMs        int `toml:"throttle_ms" validate:"gt=0"`
	StatusIntervalMs  int `toml:"status_interval_ms" validate:"gt=0"`
	HistoryLimit      int `toml:"history_limit" validate:"gte=0"`
	HistoryTokenLimit int `toml:"history_token_limit" validate:"gte=0"`

	SystemPrompt string `toml:"system_prompt"`
}

func (c GatewayConfig) QuietPeriod() time.Duration { return time.Duration(c.QuietPeriodMs) * time.Millisecond }
func (c GatewayConfig) DedupTTL() time.Duration    { return time.Duration(c.DedupTTLSeconds) * time.Second }
func (c GatewayConfig) ThrottleInterval() time.Duration {
	return time.Duration(c.ThrottleMs) * time.Millisecond
}
func (c GatewayConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalMs) * time.Millisecond
}

type BackendConfig struct {
	Kind string `toml:"kind" validate:"oneof=gemini openclaw-sse openclaw-ws"`
}

type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

type OpenClawConfig struct {
	HTTPURL         string `toml:"http_url"`
	WSURL           string `toml:"ws_url"`
	Token           string `toml:"token"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds"`
	RequestTimeoutS int    `toml:"request_timeout_seconds" validate:"gt=0"`
}

func (c OpenClawConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

func (c OpenClawConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts  int `toml:"max_attempts" validate:"gt=0"`
	BaseDelayMs  int `toml:"base_delay_ms" validate:"gt=0"`
	MaxDelayMs   int `toml:"max_delay_ms" validate:"gt=0"`
	JitterMs     int `toml:"jitter_ms" validate:"gte=0"`
	TokenMarginS int `toml:"token_margin_seconds" validate:"gte=0"`
}

func (c RetryConfig) BaseDelay() time.Duration   { return time.Duration(c.BaseDelayMs) * time.Millisecond }
func (c RetryConfig) MaxDelay() time.Duration    { return time.Duration(c.MaxDelayMs) * time.Millisecond }
func (c RetryConfig) Jitter() time.Duration      { return time.Duration(c.JitterMs) * time.Millisecond }
func (c RetryConfig) TokenMargin() time.Duration { return time.Duration(c.TokenMarginS) * time.Second }

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders a pgx-compatible connection string. Empty when no host is
// configured, which disables usage accounting.
func (c PostgresConfig) DSN() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type LarkConfig struct {
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`
}

type ToolsConfig struct {
	URL      string `toml:"url"`
	Token    string `toml:"token"`
	TimeoutS int    `toml:"timeout_seconds" validate:"gt=0"`
}

func (c ToolsConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

// Load reads the TOML file at path, fills defaults, applies environment
// overrides for secrets, and validates the result. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: DefaultHTTPAddr},
		Gateway: GatewayConfig{
			QuietPeriodMs:     DefaultQuietPeriodMs,
			DedupTTLSeconds:   DefaultDedupTTLSeconds,
			DedupMaxEntries:   DefaultDedupMaxEntries,
			ThrottleMs:        DefaultThrottleMs,
			StatusIntervalMs:  DefaultStatusIntervalMs,
			HistoryLimit:      DefaultHistoryLimit,
			HistoryTokenLimit: DefaultHistoryTokens,
		},
		Backend: BackendConfig{Kind: "openclaw-sse"},
		Gemini:  GeminiConfig{Model: "gemini-3-flash-preview"},
		OpenClaw: OpenClawConfig{
			RequestTimeoutS: DefaultRequestTimeoutS,
			TokenTTLSeconds: 86400,
		},
		Retry: RetryConfig{
			MaxAttempts:  DefaultRetryAttempts,
			BaseDelayMs:  DefaultRetryBaseMs,
			MaxDelayMs:   DefaultRetryMaxMs,
			JitterMs:     DefaultRetryJitterMs,
			TokenMarginS: DefaultTokenMarginS,
		},
		Postgres: PostgresConfig{Port: 5432, SSLMode: "disable"},
		Tools:    ToolsConfig{TimeoutS: DefaultToolTimeoutS},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("CHATRELAY_OPENCLAW_TOKEN"); v != "" {
		cfg.OpenClaw.Token = v
	}
	if v := os.Getenv("CHATRELAY_LARK_APP_SECRET"); v != "" {
		cfg.Lark.AppSecret = v
	}
	if v := os.Getenv("CHATRELAY_TOOLS_TOKEN"); v != "" {
		cfg.Tools.Token = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CHATRELAY_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
}
