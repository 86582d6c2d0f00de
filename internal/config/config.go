package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the main Aviary configuration
type Config struct {
	// Twitter application credentials
	Twitter TwitterConfig `json:"twitter" mapstructure:"twitter"`

	// Model provider selection and credentials
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Session lifecycle tuning
	Sessions SessionConfig `json:"sessions" mapstructure:"sessions"`

	// HTTP gateway
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory for the sqlite store and tweet archive
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TwitterConfig holds OAuth application settings
type TwitterConfig struct {
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret" mapstructure:"client_secret"`
	CallbackURL  string   `json:"callback_url" mapstructure:"callback_url"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`
}

// ModelConfig selects the LLM provider
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Name        string  `json:"name" mapstructure:"name"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// SessionConfig tunes the session cache
type SessionConfig struct {
	MaxIdle      time.Duration `json:"max_idle" mapstructure:"max_idle"`
	ReapInterval time.Duration `json:"reap_interval" mapstructure:"reap_interval"`
}

// ServerConfig holds gateway settings
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultScopes are the OAuth scopes the agent needs, offline.access included
// so refresh tokens are issued.
var DefaultScopes = []string{
	"tweet.read",
	"tweet.write",
	"users.read",
	"follows.read",
	"follows.write",
	"like.read",
	"like.write",
	"offline.access",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	dataDir := "data"
	if err == nil {
		dataDir = filepath.Join(home, ".aviary", "data")
	}

	return &Config{
		Twitter: TwitterConfig{
			CallbackURL: "http://localhost:8000/auth/callback",
			Scopes:      DefaultScopes,
		},
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Sessions: SessionConfig{
			MaxIdle:      time.Hour,
			ReapInterval: 5 * time.Minute,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  false,
		},
		DataDir: dataDir,
	}
}

// Validate checks the configuration for missing or inconsistent values
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported model provider: %s", c.Model.Provider)
	}

	if c.Model.APIKey == "" {
		return fmt.Errorf("model api_key is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model temperature must be between 0 and 1")
	}

	if c.Twitter.ClientID == "" {
		return fmt.Errorf("twitter client_id is required")
	}
	if c.Twitter.CallbackURL == "" {
		return fmt.Errorf("twitter callback_url is required")
	}

	if c.Sessions.MaxIdle <= 0 {
		return fmt.Errorf("sessions max_idle must be positive")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions reap_interval must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	return nil
}
