package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should return defaults when file missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", cfg.Model.Name)
	})

	t.Run("should load values from file over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aviary.json")
		body := `{
			"model": {"provider": "anthropic", "api_key": "key", "name": "claude-sonnet-4-20250514"},
			"twitter": {"client_id": "cid"},
			"sessions": {"max_idle": "30m"},
			"server": {"port": 9000}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "anthropic", cfg.Model.Provider)
		assert.Equal(t, "cid", cfg.Twitter.ClientID)
		assert.Equal(t, 30*time.Minute, cfg.Sessions.MaxIdle)
		assert.Equal(t, 9000, cfg.Server.Port)
		// Unset values keep defaults
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	})

	t.Run("should prefer environment over file for credentials", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aviary.json")
		body := `{"model": {"provider": "openai", "api_key": "file-key"}}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		t.Setenv("AVIARY_MODEL_API_KEY", "env-key")
		t.Setenv("AVIARY_TWITTER_CLIENT_SECRET", "env-secret")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "env-key", cfg.Model.APIKey)
		assert.Equal(t, "env-secret", cfg.Twitter.ClientSecret)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aviary.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}
