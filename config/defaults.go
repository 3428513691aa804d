package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM:        DefaultLLMConfig(),
		Execution:  DefaultExecutionConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultLLMConfig returns the default invocation-layer configuration.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultMaxTokens:  4096,
		FirstChunkTimeout: 30 * time.Second,
		ChunkTimeout:      180 * time.Second,
		BreakerThreshold:  3,
		BreakerCooldown:   60 * time.Second,
	}
}

// DefaultExecutionConfig returns the default execution configuration.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxIterations:       10,
		CheckpointInterval:  30 * time.Second,
		StateChangeDebounce: 100 * time.Millisecond,
		PausePollInterval:   500 * time.Millisecond,
	}
}

// DefaultCheckpointConfig returns the default checkpoint store configuration.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			KeyPrefix: "loom:",
			TTL:       24 * time.Hour,
		},
		SQLite: SQLiteConfig{
			Path: "loom.db",
		},
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}
