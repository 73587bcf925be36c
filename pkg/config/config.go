package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob. The struct is captured once at
// process start and treated as immutable afterwards.
type Config struct {
	ListenAddr          string        `yaml:"listen_addr"`
	RepositoryURL       string        `yaml:"repository_url"`
	WorkerPoolSize      int           `yaml:"worker_pool_size"`
	StreamBufferSize    int           `yaml:"stream_buffer_size"`
	CallbackMaxRetries  int           `yaml:"callback_max_retries"`
	CallbackBaseBackoff time.Duration `yaml:"callback_base_backoff"`
	DefaultUserID       string        `yaml:"default_user_id"`
	CancelGrace         time.Duration `yaml:"cancel_grace"`
	HookFailuresFatal   bool          `yaml:"hook_failures_fatal"`
	LogLevel            string        `yaml:"log_level"`
	LogJSON             bool          `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		RepositoryURL:       "/var/lib/flowd",
		WorkerPoolSize:      8,
		StreamBufferSize:    64,
		CallbackMaxRetries:  3,
		CallbackBaseBackoff: time.Second,
		DefaultUserID:       "default",
		CancelGrace:         5 * time.Second,
		HookFailuresFatal:   false,
		LogLevel:            "info",
		LogJSON:             false,
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and FLOWD_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, "FLOWD_LISTEN_ADDR")
	setString(&c.RepositoryURL, "FLOWD_REPOSITORY_URL")
	setString(&c.DefaultUserID, "FLOWD_DEFAULT_USER_ID")
	setString(&c.LogLevel, "FLOWD_LOG_LEVEL")

	if err := setInt(&c.WorkerPoolSize, "FLOWD_WORKER_POOL_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.StreamBufferSize, "FLOWD_STREAM_BUFFER_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.CallbackMaxRetries, "FLOWD_CALLBACK_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setDuration(&c.CallbackBaseBackoff, "FLOWD_CALLBACK_BASE_BACKOFF"); err != nil {
		return err
	}
	if err := setDuration(&c.CancelGrace, "FLOWD_CANCEL_GRACE"); err != nil {
		return err
	}
	if err := setBool(&c.HookFailuresFatal, "FLOWD_HOOK_FAILURES_FATAL"); err != nil {
		return err
	}
	if err := setBool(&c.LogJSON, "FLOWD_LOG_JSON"); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.StreamBufferSize < 1 {
		return fmt.Errorf("stream_buffer_size must be at least 1, got %d", c.StreamBufferSize)
	}
	if c.CallbackMaxRetries < 0 {
		return fmt.Errorf("callback_max_retries must not be negative, got %d", c.CallbackMaxRetries)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
