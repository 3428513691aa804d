package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskloom/loom/llm/circuitbreaker"
	"github.com/taskloom/loom/llm/tokenizer"
	"github.com/taskloom/loom/observability"
	"github.com/taskloom/loom/types"
)

const (
	defaultMaxTokens         = 4096
	defaultFirstChunkTimeout = 30 * time.Second
	defaultChunkTimeout      = 180 * time.Second
)

// Client invokes LLM providers with ordered failover. The configured
// name list is traversed twice per call; providers with an open circuit
// are skipped without counting as attempts.
type Client struct {
	cfg      Config
	names    []string
	breaker  *circuitbreaker.Breaker
	counters map[string]tokenizer.Counter
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewClient builds the failover client. breakerCfg nil selects breaker
// defaults; metrics may be nil.
func NewClient(cfg Config, breakerCfg *circuitbreaker.Config, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, types.NewError(types.ErrProviderUnavailable, "no LLM provider configured")
	}
	for name, pc := range cfg.Providers {
		if pc.Provider == nil {
			return nil, types.NewError(types.ErrProviderUnavailable,
				fmt.Sprintf("provider %s has no implementation", name))
		}
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = defaultMaxTokens
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = defaultFirstChunkTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	if breakerCfg.OnOpen == nil && metrics != nil {
		breakerCfg.OnOpen = metrics.CircuitOpen
	}

	counters := make(map[string]tokenizer.Counter, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		counters[name] = tokenizer.ForModel(pc.Model)
	}

	return &Client{
		cfg:      cfg,
		names:    cfg.failoverNames(),
		breaker:  circuitbreaker.New(breakerCfg, logger),
		counters: counters,
		logger:   logger.With(zap.String("component", "llm")),
		metrics:  metrics,
	}, nil
}

// Names returns the effective failover order.
func (c *Client) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Call issues a synchronous completion with failover. The name list is
// traversed twice; a caller abort is rethrown immediately, any other
// failure records against the provider's circuit and advances to the
// next candidate. When every candidate fails, the last concrete error
// is returned; when every candidate was skipped, a provider
// unavailability error is returned.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for pass := 0; pass < 2; pass++ {
		for _, name := range c.names {
			if err := ctx.Err(); err != nil {
				return nil, types.NewAborted("llm call aborted").WithCause(err)
			}
			if c.breaker.IsOpen(name) {
				c.logger.Debug("skipping provider with open circuit", zap.String("provider", name))
				continue
			}
			pc := c.cfg.Providers[name]
			prepared := c.prepareRequest(ctx, name, pc, req)

			resp, err := pc.Provider.Completion(ctx, prepared)
			if err == nil {
				c.breaker.RecordSuccess(name)
				c.metrics.LLMCall(name, "success")
				if resp.Provider == "" {
					resp.Provider = name
				}
				return resp, nil
			}
			if ctx.Err() != nil || types.IsAborted(err) {
				c.metrics.LLMCall(name, "aborted")
				return nil, types.NewAborted("llm call aborted").WithCause(err)
			}

			lastErr = c.classify(name, err)
			c.breaker.RecordFailure(name)
			c.metrics.LLMCall(name, "error")
			c.logger.Warn("provider call failed",
				zap.String("provider", name),
				zap.Int("pass", pass+1),
				zap.Error(err))
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrProviderUnavailable, "no LLM provider available")
}

// CallStream issues a streaming completion with failover. The returned
// channel carries chunks from whichever provider succeeds; terminal
// failures arrive as a chunk with Err set, and the channel always
// closes when the stream ends.
func (c *Client) CallStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if len(c.names) == 0 {
		return nil, types.NewError(types.ErrProviderUnavailable, "no LLM provider available")
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)

		var lastErr error
		for pass := 0; pass < 2; pass++ {
			for _, name := range c.names {
				if err := ctx.Err(); err != nil {
					c.deliver(ctx, out, StreamChunk{Err: types.NewAborted("llm stream aborted").WithCause(err)})
					return
				}
				if c.breaker.IsOpen(name) {
					c.logger.Debug("skipping provider with open circuit", zap.String("provider", name))
					continue
				}

				done, err := c.streamAttempt(ctx, name, req, out, pass)
				if done {
					return
				}
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = types.NewError(types.ErrProviderUnavailable, "no LLM provider available")
		}
		c.deliver(ctx, out, StreamChunk{Err: lastErr})
	}()
	return out, nil
}

// streamAttempt runs one provider attempt end to end. It returns
// done=true when the stream finished (successfully or because the
// caller aborted) and done=false with the attempt error when failover
// should advance.
func (c *Client) streamAttempt(ctx context.Context, name string, req *Request, out chan<- StreamChunk, pass int) (bool, error) {
	pc := c.cfg.Providers[name]
	prepared := c.prepareRequest(ctx, name, pc, req)

	// The attempt context is cancelled by the caller, by the watchdog,
	// or when the attempt ends.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first-chunk watchdog covers the request itself plus the wait
	// for the first increment.
	watchdog := time.AfterFunc(c.cfg.FirstChunkTimeout, cancel)
	defer watchdog.Stop()

	upstream, err := pc.Provider.Stream(attemptCtx, prepared)
	if err != nil {
		watchdog.Stop()
		if ctx.Err() != nil || types.IsAborted(err) {
			c.metrics.LLMCall(name, "aborted")
			c.deliver(ctx, out, StreamChunk{Err: types.NewAborted("llm stream aborted").WithCause(err)})
			return true, nil
		}
		if attemptCtx.Err() != nil {
			return false, c.streamTimeout(name, "first_chunk")
		}
		c.breaker.RecordFailure(name)
		c.metrics.LLMCall(name, "error")
		c.logger.Warn("provider stream failed to start",
			zap.String("provider", name), zap.Int("pass", pass+1), zap.Error(err))
		return false, c.classify(name, err)
	}

	first := true
	stage := "first_chunk"
	for {
		select {
		case chunk, ok := <-upstream:
			if !ok {
				watchdog.Stop()
				if ctx.Err() != nil {
					return true, nil
				}
				if attemptCtx.Err() != nil {
					return false, c.streamTimeout(name, stage)
				}
				if first {
					// Closed before producing anything: treat as a
					// provider failure.
					c.breaker.RecordFailure(name)
					c.metrics.LLMCall(name, "error")
					return false, types.NewError(types.ErrUpstreamError,
						fmt.Sprintf("provider %s closed the stream without output", name)).
						WithProvider(name).WithRetryable(true)
				}
				return true, nil
			}
			if chunk.Err != nil {
				watchdog.Stop()
				if ctx.Err() != nil || types.IsAborted(chunk.Err) {
					c.deliver(ctx, out, StreamChunk{Err: types.NewAborted("llm stream aborted").WithCause(chunk.Err)})
					return true, nil
				}
				c.breaker.RecordFailure(name)
				c.metrics.LLMCall(name, "error")
				c.logger.Warn("provider stream failed mid-flight",
					zap.String("provider", name), zap.Error(chunk.Err))
				return false, c.classify(name, chunk.Err)
			}

			if first {
				first = false
				stage = "between_chunks"
				c.breaker.RecordSuccess(name)
				c.metrics.LLMCall(name, "success")
			}
			// Rearm the gap watchdog for the next increment.
			watchdog.Stop()
			watchdog = time.AfterFunc(c.cfg.ChunkTimeout, cancel)

			if chunk.Provider == "" {
				chunk.Provider = name
			}
			if !c.deliver(ctx, out, chunk) {
				return true, nil
			}

		case <-attemptCtx.Done():
			watchdog.Stop()
			if ctx.Err() != nil {
				c.deliver(ctx, out, StreamChunk{Err: types.NewAborted("llm stream aborted").WithCause(ctx.Err())})
				return true, nil
			}
			return false, c.streamTimeout(name, stage)
		}
	}
}

// streamTimeout records a watchdog expiry as a provider failure.
func (c *Client) streamTimeout(name, stage string) error {
	c.breaker.RecordFailure(name)
	c.metrics.LLMCall(name, "timeout")
	c.metrics.StreamTimeout(name, stage)
	c.logger.Warn("provider stream timed out",
		zap.String("provider", name), zap.String("stage", stage))
	return types.NewError(types.ErrUpstreamTimeout,
		fmt.Sprintf("provider %s stream timed out (%s)", name, stage)).
		WithProvider(name).WithRetryable(true)
}

// deliver forwards one chunk, giving up when the caller is gone.
func (c *Client) deliver(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// prepareRequest clones the request and applies option defaulting: the
// completion budget falls back request -> provider -> global, provider
// options merge under request options, the budget is clamped to the
// provider context window, and provider middleware runs last.
func (c *Client) prepareRequest(ctx context.Context, name string, pc ProviderConfig, req *Request) *Request {
	prepared := req.Clone()

	if prepared.MaxTokens <= 0 {
		prepared.MaxTokens = pc.MaxTokens
	}
	if prepared.MaxTokens <= 0 {
		prepared.MaxTokens = c.cfg.DefaultMaxTokens
	}

	if len(pc.Options) > 0 {
		merged := make(map[string]any, len(pc.Options)+len(prepared.Options))
		for k, v := range pc.Options {
			merged[k] = v
		}
		for k, v := range prepared.Options {
			merged[k] = v
		}
		prepared.Options = merged
	}

	if counter := c.counters[name]; counter != nil {
		msgs := make([]tokenizer.Message, len(prepared.Messages))
		for i, m := range prepared.Messages {
			msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
		}
		promptTokens, err := counter.CountMessages(msgs)
		if err == nil {
			if pc.ContextWindow > 0 && promptTokens+prepared.MaxTokens > pc.ContextWindow {
				clamped := pc.ContextWindow - promptTokens
				if clamped < 1 {
					clamped = 1
				}
				c.logger.Debug("clamped completion budget to context window",
					zap.String("provider", name),
					zap.Int("promptTokens", promptTokens),
					zap.Int("maxTokens", clamped))
				prepared.MaxTokens = clamped
			} else {
				c.logger.Debug("estimated prompt tokens",
					zap.String("provider", name),
					zap.String("counter", counter.Name()),
					zap.Int("promptTokens", promptTokens))
			}
		}
	}

	if pc.Middleware != nil {
		pc.Middleware(ctx, prepared)
	}
	return prepared
}

// classify normalizes a provider failure into the structured error
// taxonomy.
func (c *Client) classify(name string, err error) error {
	var typed *types.Error
	if errors.As(err, &typed) {
		if typed.Provider == "" {
			typed.Provider = name
		}
		return typed
	}
	code := types.ErrUpstreamError
	if errors.Is(err, context.DeadlineExceeded) {
		code = types.ErrUpstreamTimeout
	}
	return types.NewError(code, fmt.Sprintf("provider %s: %v", name, err)).
		WithCause(err).WithProvider(name).WithRetryable(true)
}
