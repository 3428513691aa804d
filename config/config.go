package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the orchestration core.
// It is an explicit value threaded into components at construction;
// there is no process-wide mutable default.
type Config struct {
	// LLM configures the resilient invocation layer.
	LLM LLMConfig `yaml:"llm"`

	// Execution configures task execution contexts.
	Execution ExecutionConfig `yaml:"execution"`

	// Checkpoint configures optional checkpoint store backends.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// LLMConfig configures provider invocation defaults.
type LLMConfig struct {
	// DefaultMaxTokens is the global token budget fallback, used when
	// neither the request nor the provider configuration specifies one.
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	// FirstChunkTimeout bounds the initial request plus the first read
	// from a streaming response.
	FirstChunkTimeout time.Duration `yaml:"first_chunk_timeout"`

	// ChunkTimeout bounds the gap between consecutive stream chunks.
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long an open circuit excludes a provider.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// ExecutionConfig configures execution-context behavior.
type ExecutionConfig struct {
	// MaxIterations limits model turns per agent run.
	MaxIterations int `yaml:"max_iterations"`

	// CheckpointInterval is the periodic checkpoint timer interval.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// StateChangeDebounce collapses successive variable writes per key.
	StateChangeDebounce time.Duration `yaml:"state_change_debounce"`

	// PausePollInterval is the fallback poll interval of the pause wait.
	PausePollInterval time.Duration `yaml:"pause_poll_interval"`
}

// CheckpointConfig configures the optional checkpoint store backends.
type CheckpointConfig struct {
	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig configures the Redis checkpoint store.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SQLiteConfig configures the SQLite checkpoint store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures zap logger construction.
type LogConfig struct {
	Level            string   `yaml:"level"`
	Format           string   `yaml:"format"`
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// Load reads a YAML config file over the defaults.
// Priority: defaults -> file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}
