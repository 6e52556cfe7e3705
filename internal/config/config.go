// Package config holds all lookout configuration: where sessions live, how
// the mailbox polls, how large context artifacts may grow, and which model
// backend answers questions. Components never read configuration globally;
// they receive the pieces they need through constructors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lookout configuration.
type Config struct {
	// SessionsDir is where session state lives: the index, mailbox slots,
	// context artifacts, conversation files, and the change log database.
	SessionsDir string `yaml:"sessions_dir"`

	// Model configures the observer's model backend.
	Model ModelConfig `yaml:"model"`

	// Mailbox configures the request/response exchange.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// Context configures artifact generation.
	Context ContextConfig `yaml:"context"`

	// Watcher configures the project change watcher.
	Watcher WatcherConfig `yaml:"watcher"`

	// Logging configures the categorized file logs.
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the ModelBackend.
type ModelConfig struct {
	// Backend selects the client implementation: "rest" (hand-rolled HTTP
	// client) or "genai" (official SDK).
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"`
	// Timeout bounds a single generate call, e.g. "120s".
	Timeout string `yaml:"timeout"`
	// MaxRetries caps transient-failure retries (exponential backoff).
	MaxRetries int `yaml:"max_retries"`
	// MaxOutputTokens caps the answer length.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// MailboxConfig configures slot polling.
type MailboxConfig struct {
	// PollInterval is how often both processes check their slots, e.g. "1s".
	PollInterval string `yaml:"poll_interval"`
	// ResponseTimeout bounds the client's wait for an answer, e.g. "120s".
	ResponseTimeout string `yaml:"response_timeout"`
}

// ContextConfig configures the context builder.
type ContextConfig struct {
	// SmartEnabled turns on query-relevance file selection.
	SmartEnabled bool `yaml:"smart_enabled"`
	// MaxSizeBytes is the artifact byte budget.
	MaxSizeBytes int `yaml:"max_size_bytes"`
	// Exclusions are path fragments never included in artifacts, in
	// addition to the built-in set (VCS dirs, the sessions dir itself).
	Exclusions []string `yaml:"exclusions"`
}

// WatcherConfig configures the fsnotify change watcher.
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
	// Debounce coalesces rapid writes to the same path, e.g. "500ms".
	Debounce string `yaml:"debounce"`
}

// LoggingConfig configures the per-category file logs.
type LoggingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir defaults to <sessions_dir>/logs when empty.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the default configuration. The sessions directory
// defaults under the user home; falls back to the working directory when the
// home cannot be resolved.
func DefaultConfig() *Config {
	sessionsDir := ".lookout/sessions"
	if home, err := os.UserHomeDir(); err == nil {
		sessionsDir = filepath.Join(home, ".lookout", "sessions")
	}

	return &Config{
		SessionsDir: sessionsDir,

		Model: ModelConfig{
			Backend:         "rest",
			Name:            "gemini-2.5-flash",
			Timeout:         "120s",
			MaxRetries:      3,
			MaxOutputTokens: 8192,
		},

		Mailbox: MailboxConfig{
			PollInterval:    "1s",
			ResponseTimeout: "120s",
		},

		Context: ContextConfig{
			SmartEnabled: true,
			MaxSizeBytes: 100000,
		},

		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: "500ms",
		},

		Logging: LoggingConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults; environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Model.APIKey = key
	}
	if key := os.Getenv("LOOKOUT_API_KEY"); key != "" {
		c.Model.APIKey = key
	}
	if model := os.Getenv("LOOKOUT_MODEL"); model != "" {
		c.Model.Name = model
	}
	if backend := os.Getenv("LOOKOUT_BACKEND"); backend != "" {
		c.Model.Backend = backend
	}
	if dir := os.Getenv("LOOKOUT_SESSIONS_DIR"); dir != "" {
		c.SessionsDir = dir
	}
	if interval := os.Getenv("LOOKOUT_POLL_INTERVAL"); interval != "" {
		c.Mailbox.PollInterval = interval
	}
	if timeout := os.Getenv("LOOKOUT_RESPONSE_TIMEOUT"); timeout != "" {
		c.Mailbox.ResponseTimeout = timeout
	}
	if smart := os.Getenv("LOOKOUT_SMART_CONTEXT"); smart != "" {
		if v, err := strconv.ParseBool(smart); err == nil {
			c.Context.SmartEnabled = v
		}
	}
	if size := os.Getenv("LOOKOUT_MAX_CONTEXT_SIZE"); size != "" {
		if v, err := strconv.Atoi(size); err == nil && v > 0 {
			c.Context.MaxSizeBytes = v
		}
	}
}

// GetPollInterval returns the mailbox poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Mailbox.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetResponseTimeout returns the client's response wait bound as a duration.
func (c *Config) GetResponseTimeout() time.Duration {
	d, err := time.ParseDuration(c.Mailbox.ResponseTimeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetModelTimeout returns the per-call model timeout as a duration.
func (c *Config) GetModelTimeout() time.Duration {
	d, err := time.ParseDuration(c.Model.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetWatcherDebounce returns the change watcher debounce as a duration.
func (c *Config) GetWatcherDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watcher.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// LogDir resolves the file-log directory.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.SessionsDir, "logs")
}

// ChangeLogPath resolves the change log database path.
func (c *Config) ChangeLogPath() string {
	return filepath.Join(c.SessionsDir, "changelog.db")
}

// ValidBackends lists the supported model backend implementations.
var ValidBackends = []string{"rest", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SessionsDir == "" {
		return fmt.Errorf("sessions_dir not configured")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model API key not configured (set GEMINI_API_KEY or LOOKOUT_API_KEY)")
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Model.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid model backend: %s (valid: %v)", c.Model.Backend, ValidBackends)
	}

	if c.Context.MaxSizeBytes <= 0 {
		return fmt.Errorf("context max_size_bytes must be positive, got %d", c.Context.MaxSizeBytes)
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("model max_retries must not be negative, got %d", c.Model.MaxRetries)
	}

	return nil
}
