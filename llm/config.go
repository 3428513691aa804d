package llm

import (
	"context"
	"sort"
	"time"
)

// DefaultProviderName is the fallback slot consulted last during
// failover.
const DefaultProviderName = "default"

// RequestMiddleware rewrites a prepared request just before it is sent
// to a provider. It runs after option defaulting and sees the call
// context.
type RequestMiddleware func(ctx context.Context, req *Request)

// ProviderConfig binds one provider implementation with its invocation
// defaults.
type ProviderConfig struct {
	// Provider is the upstream adapter.
	Provider Provider

	// Model is the model identifier, used for token counting.
	Model string

	// MaxTokens is the per-provider completion budget, applied when the
	// request leaves MaxTokens unset.
	MaxTokens int

	// ContextWindow, when positive, caps prompt plus completion tokens;
	// oversized budgets are clamped before sending.
	ContextWindow int

	// Options are provider defaults merged under request options.
	Options map[string]any

	// Middleware, when set, runs last on every prepared request.
	Middleware RequestMiddleware
}

// Config configures the resilient invocation client.
type Config struct {
	// Providers maps failover names to provider configurations.
	Providers map[string]ProviderConfig

	// Names is the failover order. Empty selects sorted provider names.
	// A configured "default" provider is always consulted last.
	Names []string

	// DefaultMaxTokens is the global completion budget fallback.
	DefaultMaxTokens int

	// FirstChunkTimeout bounds the request plus the first stream read.
	FirstChunkTimeout time.Duration

	// ChunkTimeout bounds the gap between consecutive stream chunks.
	ChunkTimeout time.Duration
}

// failoverNames resolves the effective traversal order: explicit names
// filtered to configured providers, or sorted provider names. A
// configured "default" provider not already listed is appended once.
func (c *Config) failoverNames() []string {
	names := make([]string, 0, len(c.Providers))
	hasDefault := false
	if len(c.Names) > 0 {
		seen := make(map[string]bool, len(c.Names))
		for _, name := range c.Names {
			if seen[name] {
				continue
			}
			if _, ok := c.Providers[name]; ok {
				seen[name] = true
				names = append(names, name)
				hasDefault = hasDefault || name == DefaultProviderName
			}
		}
	} else {
		for name := range c.Providers {
			if name != DefaultProviderName {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}
	if _, ok := c.Providers[DefaultProviderName]; ok && !hasDefault {
		names = append(names, DefaultProviderName)
	}
	return names
}
