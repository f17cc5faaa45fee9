package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine configuration. Zero values are replaced by
// defaults in Load / Default.
type Config struct {
	// DataDir is where the bolt database lives.
	DataDir string `yaml:"data_dir"`

	// Workers is the dispatcher worker pool size.
	Workers int `yaml:"workers"`

	// PollInterval is the base interval for the action claim poll loop;
	// idle workers back off exponentially from it up to MaxPollInterval.
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`

	// DefaultActionTimeout applies to actions created without an
	// explicit timeout.
	DefaultActionTimeout time.Duration `yaml:"default_action_timeout"`

	// LockRetryDelay is how long a claimed action is deferred when it
	// cannot obtain all of its locks.
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`

	// LockRetryLimit bounds lock acquisition attempts per execution.
	LockRetryLimit int `yaml:"lock_retry_limit"`

	// HeartbeatInterval is the engine registry heartbeat period. Locks
	// owned by an engine silent for 2x this interval may be stolen.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// DefaultPolicyPriority is assigned to bindings created without an
	// explicit priority.
	DefaultPolicyPriority int `yaml:"default_policy_priority"`

	// MaxRetries bounds driver error retries inside an action body.
	MaxRetries int `yaml:"max_retries"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DataDir:               "./corral-data",
		Workers:               4,
		PollInterval:          200 * time.Millisecond,
		MaxPollInterval:       5 * time.Second,
		DefaultActionTimeout:  time.Hour,
		LockRetryDelay:        500 * time.Millisecond,
		LockRetryLimit:        20,
		HeartbeatInterval:     10 * time.Second,
		DefaultPolicyPriority: 50,
		MaxRetries:            3,
		Log:                   LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// unset field. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxPollInterval < c.PollInterval {
		return fmt.Errorf("max_poll_interval must be >= poll_interval")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}
