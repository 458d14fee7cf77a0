package config

import (
	"fmt"
	"time"
)

// Config represents the main Parley runtime configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Store configuration
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Quota configuration
	Quota QuotaConfig `json:"quota" mapstructure:"quota"`

	// Tools configuration
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Stream configuration
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Turn configuration
	Turn TurnConfig `json:"turn" mapstructure:"turn"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Memory service
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// StoreConfig holds session store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// QuotaConfig holds admission control configuration
type QuotaConfig struct {
	DailyLimit      int64         `json:"daily_limit" mapstructure:"daily_limit"`           // token units per user per day
	DefaultEstimate int64         `json:"default_estimate" mapstructure:"default_estimate"` // conservative upper bound per turn
	SweepSchedule   string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`     // cron spec for the reconciler
	AbandonedAfter  time.Duration `json:"abandoned_after" mapstructure:"abandoned_after"`   // reserved older than this is swept
}

// ToolsConfig holds tool dispatch configuration
type ToolsConfig struct {
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"` // fan-out limit per step
	InvocationTimeout time.Duration `json:"invocation_timeout" mapstructure:"invocation_timeout"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"` // idempotent tools only
	RetryBackoff      time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

// StreamConfig holds stream coordinator configuration
type StreamConfig struct {
	BufferSize int `json:"buffer_size" mapstructure:"buffer_size"` // backpressure bound per turn
}

// TurnConfig holds turn orchestration configuration
type TurnConfig struct {
	MaxToolSteps   int           `json:"max_tool_steps" mapstructure:"max_tool_steps"`
	PersistRetries int           `json:"persist_retries" mapstructure:"persist_retries"`
	PersistBackoff time.Duration `json:"persist_backoff" mapstructure:"persist_backoff"`
}

// ModelProfile represents credentials and defaults for one model provider
type ModelProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// ModelsConfig holds model provider configuration
type ModelsConfig struct {
	Default     string         `json:"default" mapstructure:"default"`
	MaxTokens   int            `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64        `json:"temperature" mapstructure:"temperature"`
	Profiles    []ModelProfile `json:"profiles" mapstructure:"profiles"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ArchiveSchedule string        `json:"archive_schedule" mapstructure:"archive_schedule"`
}

// MemoryConfig holds the external memory service boundary configuration
type MemoryConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Endpoint string        `json:"endpoint" mapstructure:"endpoint"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	SharedSecret       string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxConcurrentTurns int    `json:"max_concurrent_turns" mapstructure:"max_concurrent_turns"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration with conservative bounds
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{},
		Quota: QuotaConfig{
			DailyLimit:      500_000,
			DefaultEstimate: 8_192,
			SweepSchedule:   "*/5 * * * *",
			AbandonedAfter:  15 * time.Minute,
		},
		Tools: ToolsConfig{
			MaxConcurrent:     4,
			InvocationTimeout: 30 * time.Second,
			MaxRetries:        3,
			RetryBackoff:      time.Second,
		},
		Stream: StreamConfig{
			BufferSize: 256,
		},
		Turn: TurnConfig{
			MaxToolSteps:   10,
			PersistRetries: 3,
			PersistBackoff: 250 * time.Millisecond,
		},
		Models: ModelsConfig{
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Sessions: SessionsConfig{
			IdleTimeout:     30 * time.Minute,
			ArchiveSchedule: "*/5 * * * *",
		},
		Memory: MemoryConfig{
			Timeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               9190,
			RateLimitPerMinute: 60,
			MaxConcurrentTurns: 8,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota daily limit must be positive")
	}
	if c.Quota.DefaultEstimate <= 0 {
		return fmt.Errorf("quota default estimate must be positive")
	}
	if c.Quota.DefaultEstimate > c.Quota.DailyLimit {
		return fmt.Errorf("quota default estimate cannot exceed the daily limit")
	}
	if c.Tools.MaxConcurrent <= 0 {
		return fmt.Errorf("tools max concurrency must be positive")
	}
	if c.Tools.InvocationTimeout <= 0 {
		return fmt.Errorf("tool invocation timeout must be positive")
	}
	if c.Tools.MaxRetries < 0 {
		return fmt.Errorf("tool max retries cannot be negative")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream buffer size must be positive")
	}
	if c.Turn.MaxToolSteps <= 0 {
		return fmt.Errorf("max tool steps must be positive")
	}
	if c.Turn.PersistRetries < 0 {
		return fmt.Errorf("persist retries cannot be negative")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}
	for _, p := range c.Models.Profiles {
		if p.ID == "" {
			return fmt.Errorf("model profile id cannot be empty")
		}
		switch p.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("unsupported model provider: %s", p.Provider)
		}
	}
	return nil
}
