package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-test"
	cfg.Twitter.ClientID = "client-id"
	cfg.DataDir = "/tmp/aviary-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, time.Hour, cfg.Sessions.MaxIdle)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Contains(t, cfg.Twitter.Scopes, "offline.access")
}

func TestValidate(t *testing.T) {
	t.Run("should accept valid config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Model.Provider = "cohere" },
			wantErr: "unsupported model provider",
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Model.APIKey = "" },
			wantErr: "api_key",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Model.Temperature = 1.5 },
			wantErr: "temperature",
		},
		{
			name:    "missing twitter client id",
			mutate:  func(c *Config) { c.Twitter.ClientID = "" },
			wantErr: "client_id",
		},
		{
			name:    "non-positive max idle",
			mutate:  func(c *Config) { c.Sessions.MaxIdle = 0 },
			wantErr: "max_idle",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
