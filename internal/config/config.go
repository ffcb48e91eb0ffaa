package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the agent.
type Config struct {
	LLM        LLMConfig        `mapstructure:"llm"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`

	// path of the file the values were read from, empty when only defaults/env were used
	File string `mapstructure:"-"`
}

type LLMConfig struct {
	Provider          string  `mapstructure:"provider"` // openai (also groq), claude, gemini
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Temperature       float32 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	MaxRetries        uint64  `mapstructure:"max_retries"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables the limiter
}

type PromptsConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Persona      string `mapstructure:"persona"`
	Tone         string `mapstructure:"tone"`
	Instructions string `mapstructure:"instructions"`
}

type MemoryConfig struct {
	WindowSize int `mapstructure:"window_size"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3, sqlite, mysql
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type GuardrailsConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

type ToolsConfig struct {
	InProcess     bool                     `mapstructure:"in_process"` // serve remote tools from this process instead of a child
	ServerCommand string                   `mapstructure:"server_command"`
	ServerArgs    []string                 `mapstructure:"server_args"`
	Timeouts      map[string]time.Duration `mapstructure:"timeouts"`
	GoogleAPIKey  string                   `mapstructure:"google_api_key"`
	GoogleCX      string                   `mapstructure:"google_search_engine_id"`
	QuoteBaseURL  string                   `mapstructure:"quote_base_url"`
}

type PipelineConfig struct {
	MaxToolRounds int `mapstructure:"max_tool_rounds"`
}

type ServerConfig struct {
	Address            string        `mapstructure:"address"`
	MaxConcurrentTurns int64         `mapstructure:"max_concurrent_turns"`
	QueueSize          int           `mapstructure:"queue_size"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const envPrefix = "ROBUSTAGENT"

// Load reads configuration from the provided path, or searches ./config.yaml and
// ./config/config.yaml when path is empty. A missing file is not an error when
// searching: defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", envPrefix+"_LLM_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("tools.google_api_key", envPrefix+"_TOOLS_GOOGLE_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("tools.google_search_engine_id", envPrefix+"_TOOLS_GOOGLE_SEARCH_ENGINE_ID", "GOOGLE_SEARCH_ENGINE_ID"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		absPath, err := filepath.Abs(used)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.File = absPath
		cfg.resolvePaths(filepath.Dir(absPath))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 3000)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.requests_per_second", 0)

	v.SetDefault("prompts.system_prompt", "You are {{.Persona}}. Respond in a {{.Tone}} tone. {{.Instructions}}")
	v.SetDefault("prompts.persona", "a helpful assistant with access to stock quotes, web search, ASCII art and a calculator")
	v.SetDefault("prompts.tone", "friendly and concise")
	v.SetDefault("prompts.instructions", "Use the available tools when they help answer the question.")

	v.SetDefault("memory.window_size", 5)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "chat_memory.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("tools.in_process", false)
	v.SetDefault("tools.server_args", []string{})
	v.SetDefault("tools.quote_base_url", "https://query1.finance.yahoo.com")

	v.SetDefault("pipeline.max_tool_rounds", 5)

	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.max_concurrent_turns", 8)
	v.SetDefault("server.queue_size", 16)
	v.SetDefault("server.idle_timeout", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("tracing.enabled", false)
}

// resolvePaths makes file paths relative to the config file directory.
func (c *Config) resolvePaths(base string) {
	if c.Guardrails.RulesFile != "" && !filepath.IsAbs(c.Guardrails.RulesFile) {
		c.Guardrails.RulesFile = filepath.Join(base, c.Guardrails.RulesFile)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		dsn := c.Database.DSN
		if dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) {
			c.Database.DSN = filepath.Join(base, dsn)
		}
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "groq", "claude", "gemini":
	case "":
		return errors.New("llm.provider must be configured")
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model must be configured")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must be configured")
	}
	if c.Memory.WindowSize <= 0 {
		return fmt.Errorf("memory.window_size must be positive, got %d", c.Memory.WindowSize)
	}
	if c.Pipeline.MaxToolRounds <= 0 {
		return fmt.Errorf("pipeline.max_tool_rounds must be positive, got %d", c.Pipeline.MaxToolRounds)
	}
	return nil
}

// ToolTimeout returns the configured timeout for a tool, or fallback.
func (c *Config) ToolTimeout(name string, fallback time.Duration) time.Duration {
	// viper lower-cases map keys
	if d, ok := c.Tools.Timeouts[strings.ToLower(name)]; ok && d > 0 {
		return d
	}
	return fallback
}
