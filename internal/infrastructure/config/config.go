package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	CLI       CLIConfig       `mapstructure:"cli"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
	Optimize  OptimizeConfig  `mapstructure:"optimize"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"` // debug, release
	ModelsCatalog string `mapstructure:"models_catalog"`
}

// UpstreamConfig configures the OpenAI-compatible provider the broker
// forwards to.
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// Every inbound Anthropic model id is mapped to this single model
	// unless the request overrides it through the API key.
	Model string `mapstructure:"model"`

	ConnectTimeout float64 `mapstructure:"connect_timeout"` // seconds
	ReadTimeout    float64 `mapstructure:"read_timeout"`    // seconds, idle gap between chunks
	WriteTimeout   float64 `mapstructure:"write_timeout"`   // seconds

	Params ParamsConfig `mapstructure:"params"`
}

// ParamsConfig holds the default sampling parameters merged into every
// upstream request. Client-supplied values win over these.
type ParamsConfig struct {
	Temperature      float64 `mapstructure:"temperature"`
	TopP             float64 `mapstructure:"top_p"`
	TopK             int     `mapstructure:"top_k"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	PresencePenalty  float64 `mapstructure:"presence_penalty"`
	FrequencyPenalty float64 `mapstructure:"frequency_penalty"`
	ReasoningEffort  string  `mapstructure:"reasoning_effort"` // low, medium, high
	IncludeReasoning bool    `mapstructure:"include_reasoning"`
}

// RateLimitConfig configures the provider-side sliding window.
type RateLimitConfig struct {
	Requests      int     `mapstructure:"requests"`       // max starts per window
	WindowSeconds float64 `mapstructure:"window_seconds"` // window length
	BlockSeconds  float64 `mapstructure:"block_seconds"`  // default reactive block on 429
	MaxRetries    int     `mapstructure:"max_retries"`
}

// TelegramConfig configures the messaging front-end.
type TelegramConfig struct {
	BotToken     string  `mapstructure:"bot_token"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
	// Messaging platform rate limit (messages per window).
	RateRequests  int     `mapstructure:"rate_requests"`
	RateWindowSec float64 `mapstructure:"rate_window_seconds"`
}

// CLIConfig configures the claude CLI subprocess pool.
type CLIConfig struct {
	Binary      string   `mapstructure:"binary"`
	Workspace   string   `mapstructure:"workspace"`
	AddDirs     []string `mapstructure:"add_dirs"`
	MaxSessions int      `mapstructure:"max_sessions"`
	// Base URL the spawned CLI talks back to (this server).
	APIBaseURL string `mapstructure:"api_base_url"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Path            string  `mapstructure:"path"`
	DebounceSeconds float64 `mapstructure:"debounce_seconds"`
	MessageLogCap   int     `mapstructure:"message_log_cap"` // 0 = unbounded
	MaxTreeAgeDays  int     `mapstructure:"max_tree_age_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// OptimizeConfig carries the request-interceptor toggles of the original
// deployment. They are accepted for config compatibility; the interceptors
// themselves are out of scope here.
type OptimizeConfig struct {
	NetworkProbeMock    bool `mapstructure:"network_probe_mock"`
	TitleGenerationSkip bool `mapstructure:"title_generation_skip"`
	SuggestionModeSkip  bool `mapstructure:"suggestion_mode_skip"`
	FilepathExtractMock bool `mapstructure:"filepath_extract_mock"`
}

// Load reads .env, an optional config.yaml, and NIMBRIDGE_* environment
// overrides, in ascending priority.
func Load() (*Config, error) {
	// Best effort, matching dotenv semantics: missing file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("NIMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.RateLimit.Requests <= 0 || cfg.RateLimit.WindowSeconds <= 0 {
		return nil, fmt.Errorf("rate_limit requests and window_seconds must be positive")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.models_catalog", "models.json")

	v.SetDefault("upstream.base_url", "https://integrate.api.nvidia.com/v1")
	v.SetDefault("upstream.model", "moonshotai/kimi-k2-thinking")
	v.SetDefault("upstream.connect_timeout", 2.0)
	v.SetDefault("upstream.read_timeout", 300.0)
	v.SetDefault("upstream.write_timeout", 10.0)

	v.SetDefault("upstream.params.temperature", 1.0)
	v.SetDefault("upstream.params.top_p", 1.0)
	v.SetDefault("upstream.params.top_k", -1)
	v.SetDefault("upstream.params.max_tokens", 81920)
	v.SetDefault("upstream.params.presence_penalty", 0.0)
	v.SetDefault("upstream.params.frequency_penalty", 0.0)
	v.SetDefault("upstream.params.reasoning_effort", "high")
	v.SetDefault("upstream.params.include_reasoning", true)

	v.SetDefault("rate_limit.requests", 40)
	v.SetDefault("rate_limit.window_seconds", 60.0)
	v.SetDefault("rate_limit.block_seconds", 60.0)
	v.SetDefault("rate_limit.max_retries", 5)

	v.SetDefault("telegram.rate_requests", 25)
	v.SetDefault("telegram.rate_window_seconds", 1.0)

	v.SetDefault("cli.binary", "claude")
	v.SetDefault("cli.workspace", "./agent_workspace")
	v.SetDefault("cli.max_sessions", 10)

	v.SetDefault("store.path", "sessions.json")
	v.SetDefault("store.debounce_seconds", 0.5)
	v.SetDefault("store.message_log_cap", 0)
	v.SetDefault("store.max_tree_age_days", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("optimize.network_probe_mock", true)
	v.SetDefault("optimize.title_generation_skip", true)
	v.SetDefault("optimize.suggestion_mode_skip", true)
	v.SetDefault("optimize.filepath_extract_mock", true)
}
