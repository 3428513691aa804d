// Package loom provides a top-level convenience entry point for the
// orchestration core.
//
// Usage:
//
//	import "github.com/taskloom/loom"
//
//	cfg := config.DefaultConfig()
//	client, err := loom.NewClient(cfg, providers, logger, nil)
//	o := loom.New(cfg, client, logger, loom.WithTools(myTools...))
//	result, err := o.Run(ctx, "extract the product data")
//
// This is a thin wrapper around the orchestrator and llm packages; use
// it when you prefer the shorter import path.
package loom

import (
	"go.uber.org/zap"

	"github.com/taskloom/loom/config"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/llm/circuitbreaker"
	"github.com/taskloom/loom/observability"
	"github.com/taskloom/loom/orchestrator"
)

// Option configures the orchestrator created by [New].
type Option = orchestrator.Option

// Re-export orchestrator options so callers never need to import the
// subpackage for common wiring.

// WithTools registers the tools agents may call.
var WithTools = orchestrator.WithTools

// WithPermissionEvaluator gates every tool invocation.
var WithPermissionEvaluator = orchestrator.WithPermissionEvaluator

// WithCheckpointHook persists periodic execution snapshots.
var WithCheckpointHook = orchestrator.WithCheckpointHook

// WithMetrics attaches the metrics sink.
var WithMetrics = orchestrator.WithMetrics

// New creates an orchestrator from a configuration and a client.
func New(cfg *config.Config, client *llm.Client, logger *zap.Logger, opts ...Option) *orchestrator.Orchestrator {
	return orchestrator.New(cfg, client, logger, opts...)
}

// NewClient builds the failover client from the configuration's
// invocation settings and the given provider bindings.
func NewClient(cfg *config.Config, providers map[string]llm.ProviderConfig, logger *zap.Logger, metrics *observability.Metrics) (*llm.Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	breakerCfg := &circuitbreaker.Config{
		Threshold: cfg.LLM.BreakerThreshold,
		Cooldown:  cfg.LLM.BreakerCooldown,
	}
	return llm.NewClient(llm.Config{
		Providers:         providers,
		DefaultMaxTokens:  cfg.LLM.DefaultMaxTokens,
		FirstChunkTimeout: cfg.LLM.FirstChunkTimeout,
		ChunkTimeout:      cfg.LLM.ChunkTimeout,
	}, breakerCfg, logger, metrics)
}
