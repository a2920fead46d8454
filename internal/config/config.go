package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

const (
	defaultPort            = 8080
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultClaudeBaseURL   = "https://api.anthropic.com"
	defaultModel           = "gpt-4o-mini"
	defaultTemperature     = 0.4
	defaultMaxTokens       = 350
	defaultProviderTimeout = 60 * time.Second
	defaultHistoryLimit    = 8
	defaultNotifyTimeout   = 10 * time.Second
	defaultTelegramURL     = "https://api.telegram.org"
	defaultLeadStream      = "madera:leads"
)

// Config represents the application configuration parsed from YAML and the environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Chat     ChatConfig     `yaml:"chat"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderConfig captures authentication and tuning for the LLM provider.
type ProviderConfig struct {
	Kind        string        `yaml:"kind"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Headers     Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ChatConfig tunes the chat pipeline.
type ChatConfig struct {
	HistoryLimit      int   `yaml:"history_limit"`
	StructuredReplies *bool `yaml:"structured_replies"`
}

// NotifyConfig lists the optional hot-lead sinks. Empty values disable a sink.
type NotifyConfig struct {
	Timeout    time.Duration  `yaml:"timeout"`
	WebhookURL string         `yaml:"webhook_url"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Redis      RedisConfig    `yaml:"redis"`
}

// TelegramConfig holds messaging-bot credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	BaseURL  string `yaml:"base_url"`
}

// RedisConfig points the lead stream sink at a Redis server.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// Enabled reports whether the Telegram sink has everything it needs.
func (t TelegramConfig) Enabled() bool {
	return strings.TrimSpace(t.BotToken) != "" && strings.TrimSpace(t.ChatID) != ""
}

// HasCredential reports whether a provider API key is configured.
func (p ProviderConfig) HasCredential() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// Structured reports whether the extended reply contract is enabled.
func (c ChatConfig) Structured() bool {
	return c.StructuredReplies == nil || *c.StructuredReplies
}

// Default returns a configuration with every optional value filled in.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the optional YAML file at path, merges .env and environment overrides,
// and validates the result. An empty path skips the file.
func Load(path string, envFiles ...string) (Config, error) {
	loadDotEnv(envFiles)

	var cfg Config
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv loads .env files without overriding variables already present.
// A missing default .env is not an error.
func loadDotEnv(files []string) {
	if len(files) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func (c *Config) applyEnv() error {
	if v := envString("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be an integer, got %q", v)
		}
		c.Server.Port = port
	}
	if v := envString("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	if v := envString("LLM_PROVIDER"); v != "" {
		c.Provider.Kind = strings.ToLower(v)
	}
	if v := envString("OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := envString("LLM_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := envString("LLM_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := envString("LLM_MODEL"); v != "" {
		c.Provider.Model = v
	}

	if v := envString("CHAT_HISTORY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_HISTORY_LIMIT must be an integer, got %q", v)
		}
		c.Chat.HistoryLimit = limit
	}

	if v := envString("LEAD_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := envString("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.Telegram.BotToken = v
	}
	if v := envString("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.Telegram.ChatID = v
	}
	if v := envString("REDIS_URL"); v != "" {
		c.Notify.Redis.URL = v
	}
	if v := envString("LEAD_REDIS_STREAM"); v != "" {
		c.Notify.Redis.Stream = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderOpenAI
	}
	if c.Provider.BaseURL == "" {
		switch c.Provider.Kind {
		case ProviderClaude:
			c.Provider.BaseURL = defaultClaudeBaseURL
		default:
			c.Provider.BaseURL = defaultOpenAIBaseURL
		}
	}
	if c.Provider.Model == "" {
		c.Provider.Model = defaultModel
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = defaultTemperature
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = defaultMaxTokens
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = defaultProviderTimeout
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = defaultHistoryLimit
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = defaultNotifyTimeout
	}
	if c.Notify.Telegram.BaseURL == "" {
		c.Notify.Telegram.BaseURL = defaultTelegramURL
	}
	if c.Notify.Redis.Stream == "" {
		c.Notify.Redis.Stream = defaultLeadStream
	}
}

// Validate performs strict sanity checks on the configuration. A missing API key is
// not an error here: the chat endpoint reports it per request.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := validateProvider(c.Provider); err != nil {
		return err
	}

	if c.Chat.HistoryLimit < 0 {
		return fmt.Errorf("chat.history_limit must not be negative, got %d", c.Chat.HistoryLimit)
	}

	if c.Notify.Timeout < 0 {
		return errors.New("notify.timeout must not be negative")
	}
	if c.Notify.Telegram.BotToken != "" && strings.TrimSpace(c.Notify.Telegram.ChatID) == "" {
		return errors.New("notify.telegram.chat_id must be provided together with bot_token")
	}

	return nil
}

func validateProvider(p ProviderConfig) error {
	switch p.Kind {
	case ProviderOpenAI, ProviderClaude:
	default:
		return fmt.Errorf("provider.kind %q must be one of %q or %q", p.Kind, ProviderOpenAI, ProviderClaude)
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return errors.New("provider.base_url must be provided")
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("provider.model must not be empty")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be within [0, 2], got %v", p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("provider.max_tokens must be positive, got %d", p.MaxTokens)
	}
	if p.Timeout < 0 {
		return errors.New("provider.timeout must not be negative")
	}

	for headerKey := range p.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
