// Package circuitbreaker tracks consecutive failures per provider and
// temporarily removes unhealthy providers from failover rotation.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls breaker behavior.
type Config struct {
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int

	// Cooldown is how long an open circuit rejects calls before closing
	// again.
	Cooldown time.Duration

	// OnOpen is invoked once each time a key's circuit opens.
	OnOpen func(key string)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		Threshold: 3,
		Cooldown:  60 * time.Second,
	}
}

type entry struct {
	failures int
	openedAt time.Time
	open     bool
}

// Breaker keeps an independent failure counter per key. All methods are
// safe for concurrent use.
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a keyed breaker. A nil config selects defaults, and
// out-of-range values are replaced with defaults.
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config:  config,
		logger:  logger.With(zap.String("component", "circuitbreaker")),
		entries: make(map[string]*entry),
	}
}

// IsOpen reports whether the key's circuit is currently open. An open
// circuit whose cooldown has elapsed closes on the way out, with its
// failure count cleared.
func (b *Breaker) IsOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || !e.open {
		return false
	}
	if time.Since(e.openedAt) >= b.config.Cooldown {
		e.open = false
		e.failures = 0
		b.logger.Info("circuit closed after cooldown", zap.String("key", key))
		return false
	}
	return true
}

// RecordFailure counts one failure against the key. Reaching the
// threshold opens the circuit and clears the counter, so the circuit
// needs a fresh run of failures to re-open after cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++
	opened := false
	if !e.open && e.failures >= b.config.Threshold {
		e.open = true
		e.openedAt = time.Now()
		e.failures = 0
		opened = true
	}
	b.mu.Unlock()

	if opened {
		b.logger.Warn("circuit opened",
			zap.String("key", key),
			zap.Int("threshold", b.config.Threshold),
			zap.Duration("cooldown", b.config.Cooldown))
		if b.config.OnOpen != nil {
			b.config.OnOpen(key)
		}
	}
}

// RecordSuccess clears the key's failure counter and closes its circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		e.failures = 0
		e.open = false
	}
}
