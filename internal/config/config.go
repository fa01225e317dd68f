package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Version string                  `mapstructure:"version"`
	LLM     LLMConfig               `mapstructure:"llm"`
	Vendors map[string]VendorConfig `mapstructure:"vendors"`
	Chat    ChatConfig              `mapstructure:"chat"`
	Tools   ToolsConfig             `mapstructure:"tools"`
	Credits CreditsConfig           `mapstructure:"credits"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Server  ServerConfig            `mapstructure:"server"`
}

// LLMConfig selects the active provider adapter.
type LLMConfig struct {
	Provider string `mapstructure:"provider"` // openai or anthropic
	Model    string `mapstructure:"model"`    // default model identifier
}

// VendorConfig holds per-vendor credentials and endpoints.
type VendorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChatConfig describes orchestration loop parameters.
type ChatConfig struct {
	MaxIterations int     `mapstructure:"max_iterations"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float64 `mapstructure:"temperature"`
	SystemPrompt  string  `mapstructure:"system_prompt"`
}

// ToolsConfig configures tool dispatch behaviour.
type ToolsConfig struct {
	BackendURL         string `mapstructure:"backend_url"`
	ExecTimeoutSeconds int    `mapstructure:"exec_timeout_seconds"`
}

// CreditsConfig holds the billing rate table.
type CreditsConfig struct {
	ToolCosts      map[string]int `mapstructure:"tool_costs"`
	InputRate      int            `mapstructure:"input_rate"`
	OutputRate     int            `mapstructure:"output_rate"`
	MinimumCharge  int            `mapstructure:"minimum_charge"`
	MaxReservation int            `mapstructure:"max_reservation"`
	BalanceDBPath  string         `mapstructure:"balance_db_path"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	Transport      string `mapstructure:"transport"` // sse or connect
}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: PUBLISHERIQ_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PUBLISHERIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("llm.provider", "openai")

	v.SetDefault("chat.max_iterations", 5)
	v.SetDefault("chat.max_tokens", 4096)
	v.SetDefault("chat.temperature", 0.2)

	v.SetDefault("tools.backend_url", "http://127.0.0.1:9090")
	v.SetDefault("tools.exec_timeout_seconds", 30)

	v.SetDefault("credits.input_rate", 2)
	v.SetDefault("credits.output_rate", 8)
	v.SetDefault("credits.minimum_charge", 4)
	v.SetDefault("credits.max_reservation", 200)
	v.SetDefault("credits.balance_db_path", "credits.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.transport", "sse")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be one of openai or anthropic, got %q", c.LLM.Provider)
	}

	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm.model must be set")
	}

	if _, ok := c.Vendors[strings.ToLower(c.LLM.Provider)]; !ok {
		return fmt.Errorf("vendors section missing entry for active provider %q", c.LLM.Provider)
	}

	if c.Chat.MaxIterations <= 0 {
		return errors.New("chat.max_iterations must be > 0")
	}
	if c.Chat.MaxTokens < 0 {
		return errors.New("chat.max_tokens must be >= 0")
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return errors.New("chat.temperature must be within [0,2]")
	}

	if strings.TrimSpace(c.Tools.BackendURL) == "" {
		return errors.New("tools.backend_url must be set")
	}
	if c.Tools.ExecTimeoutSeconds <= 0 {
		return errors.New("tools.exec_timeout_seconds must be > 0")
	}

	if c.Credits.InputRate <= 0 || c.Credits.OutputRate <= 0 {
		return errors.New("credits.input_rate and credits.output_rate must be > 0")
	}
	if c.Credits.MinimumCharge < 0 {
		return errors.New("credits.minimum_charge must be >= 0")
	}
	if c.Credits.MaxReservation < c.Credits.MinimumCharge {
		return errors.New("credits.max_reservation must be >= credits.minimum_charge")
	}
	for name, cost := range c.Credits.ToolCosts {
		if cost < 0 {
			return fmt.Errorf("credits.tool_costs[%s] must be >= 0", name)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Server.Transport)) {
	case "", "sse", "connect":
	default:
		return fmt.Errorf("server.transport must be one of sse or connect, got %q", c.Server.Transport)
	}

	return nil
}
