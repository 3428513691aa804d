// Package observability exposes prometheus metrics for the
// orchestration core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loom"

// Metrics collects counters for LLM traffic, failover health, and chain
// activity. All methods are safe for concurrent use.
type Metrics struct {
	llmCalls       *prometheus.CounterVec
	streamTimeouts *prometheus.CounterVec
	circuitOpens   *prometheus.CounterVec
	chainEvents    *prometheus.CounterVec
}

// NewMetrics registers the counter families against the given
// registerer. A nil registerer selects the process-wide default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "LLM invocation attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		streamTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_stream_timeouts_total",
				Help:      "Streaming watchdog expiries by provider and stage",
			},
			[]string{"provider", "stage"},
		),
		circuitOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_open_total",
				Help:      "Circuit breaker open transitions by provider",
			},
			[]string{"provider"},
		),
		chainEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_events_total",
				Help:      "Chain events published by event type",
			},
			[]string{"type"},
		),
	}
}

// LLMCall records one invocation attempt outcome (success, error,
// timeout, aborted).
func (m *Metrics) LLMCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, outcome).Inc()
}

// StreamTimeout records a watchdog expiry. Stage is first_chunk or
// between_chunks.
func (m *Metrics) StreamTimeout(provider, stage string) {
	if m == nil {
		return
	}
	m.streamTimeouts.WithLabelValues(provider, stage).Inc()
}

// CircuitOpen records a breaker opening for a provider.
func (m *Metrics) CircuitOpen(provider string) {
	if m == nil {
		return
	}
	m.circuitOpens.WithLabelValues(provider).Inc()
}

// ChainEvent records one published chain event.
func (m *Metrics) ChainEvent(eventType string) {
	if m == nil {
		return
	}
	m.chainEvents.WithLabelValues(eventType).Inc()
}
