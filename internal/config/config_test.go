package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.SessionsDir)
	assert.Equal(t, "rest", cfg.Model.Backend)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model.Name)
	assert.True(t, cfg.Context.SmartEnabled)
	assert.Equal(t, 100000, cfg.Context.MaxSizeBytes)
	assert.Equal(t, time.Second, cfg.GetPollInterval())
	assert.Equal(t, 120*time.Second, cfg.GetResponseTimeout())
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Model.Name, cfg.Model.Name)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := []byte("sessions_dir: /tmp/look\nmodel:\n  name: gemini-2.5-pro\nmailbox:\n  poll_interval: 250ms\ncontext:\n  max_size_bytes: 5000\n")
		require.NoError(t, os.WriteFile(path, data, 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/look", cfg.SessionsDir)
		assert.Equal(t, "gemini-2.5-pro", cfg.Model.Name)
		assert.Equal(t, 250*time.Millisecond, cfg.GetPollInterval())
		assert.Equal(t, 5000, cfg.Context.MaxSizeBytes)
		// Untouched sections keep defaults.
		assert.Equal(t, "rest", cfg.Model.Backend)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sessions_dir: [broken"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY sets the key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "test-key-123")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "test-key-123", cfg.Model.APIKey)
	})

	t.Run("LOOKOUT_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gemini-key")
		t.Setenv("LOOKOUT_API_KEY", "lookout-key")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "lookout-key", cfg.Model.APIKey)
	})

	t.Run("env overrides beat file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sessions_dir: /from/file\n"), 0644))
		t.Setenv("LOOKOUT_SESSIONS_DIR", "/from/env")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.SessionsDir)
	})

	t.Run("smart context toggle parses booleans", func(t *testing.T) {
		t.Setenv("LOOKOUT_SMART_CONTEXT", "false")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.False(t, cfg.Context.SmartEnabled)
	})

	t.Run("bad numeric override is ignored", func(t *testing.T) {
		t.Setenv("LOOKOUT_MAX_CONTEXT_SIZE", "not-a-number")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 100000, cfg.Context.MaxSizeBytes)
	})
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mailbox.PollInterval = "garbage"
	cfg.Mailbox.ResponseTimeout = "-5s"
	cfg.Model.Timeout = ""

	assert.Equal(t, time.Second, cfg.GetPollInterval())
	assert.Equal(t, 120*time.Second, cfg.GetResponseTimeout())
	assert.Equal(t, 120*time.Second, cfg.GetModelTimeout())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Model.APIKey = "key"
		return cfg
	}

	t.Run("happy path", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing api key", func(t *testing.T) {
		cfg := valid()
		cfg.Model.APIKey = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GEMINI_API_KEY")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.Model.Backend = "carrier-pigeon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive budget", func(t *testing.T) {
		cfg := valid()
		cfg.Context.MaxSizeBytes = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.SessionsDir = "/custom/sessions"
	cfg.Context.MaxSizeBytes = 42000
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/sessions", loaded.SessionsDir)
	assert.Equal(t, 42000, loaded.Context.MaxSizeBytes)
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionsDir = "/srv/look"

	assert.Equal(t, filepath.Join("/srv/look", "logs"), cfg.LogDir())
	assert.Equal(t, filepath.Join("/srv/look", "changelog.db"), cfg.ChangeLogPath())

	cfg.Logging.Dir = "/var/log/lookout"
	assert.Equal(t, "/var/log/lookout", cfg.LogDir())
}
