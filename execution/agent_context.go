package execution

import (
	"context"
	"sync"
	"time"

	"github.com/taskloom/loom/chain"
	"github.com/taskloom/loom/workflow"
)

const (
	// waitSignalWindow bounds how long a wait signal stays relevant.
	waitSignalWindow = 5 * time.Second

	// maxWaitSignals caps the retained signal history.
	maxWaitSignals = 100
)

// WaitSignalKind classifies one adaptive-wait observation.
type WaitSignalKind string

const (
	WaitSignalMutation  WaitSignalKind = "mutation"
	WaitSignalEvent     WaitSignalKind = "event"
	WaitSignalAnimation WaitSignalKind = "animation"
)

// waitSignal is one time-stamped observation.
type waitSignal struct {
	kind WaitSignalKind
	at   time.Time
}

// AgentContext is the per-agent view of a task: it layers agent-local
// variables over the shared task variables and tracks the agent's
// health signals.
type AgentContext struct {
	// Parent is the owning task context.
	Parent *Context

	// Agent is the workflow agent this context runs.
	Agent *workflow.Agent

	// Chain records this agent's LLM turns and tool calls.
	Chain *chain.AgentChain

	mu                sync.Mutex
	variables         map[string]any
	consecutiveErrors int
	waitSignals       []waitSignal
}

// NewAgentContext creates the per-agent context.
func NewAgentContext(parent *Context, agent *workflow.Agent, agentChain *chain.AgentChain) *AgentContext {
	return &AgentContext{
		Parent:    parent,
		Agent:     agent,
		Chain:     agentChain,
		variables: make(map[string]any),
	}
}

// Context returns the task's current root cancellation context.
func (a *AgentContext) Context() context.Context {
	return a.Parent.Context()
}

// CheckAborted delegates to the task-level abort check.
func (a *AgentContext) CheckAborted(skipPauseWait bool) error {
	return a.Parent.CheckAborted(skipPauseWait)
}

// SetVariable writes an agent-local variable. Task-level variables are
// unaffected.
func (a *AgentContext) SetVariable(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variables[key] = value
}

// Variable reads a variable, agent-local first, then task-level.
func (a *AgentContext) Variable(key string) (any, bool) {
	a.mu.Lock()
	v, ok := a.variables[key]
	a.mu.Unlock()
	if ok {
		return v, true
	}
	return a.Parent.Variable(key)
}

// RecordError counts one consecutive failure and returns the new count.
func (a *AgentContext) RecordError() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveErrors++
	return a.consecutiveErrors
}

// ResetErrors clears the consecutive failure counter after a
// successful step.
func (a *AgentContext) ResetErrors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveErrors = 0
}

// ConsecutiveErrors returns the current failure streak.
func (a *AgentContext) ConsecutiveErrors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveErrors
}

// AddWaitSignal records one observation of the given kind. Signals
// older than the window are pruned on insert, and the history never
// exceeds the cap.
func (a *AgentContext) AddWaitSignal(kind WaitSignalKind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-waitSignalWindow)
	kept := a.waitSignals[:0]
	for _, s := range a.waitSignals {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	a.waitSignals = append(kept, waitSignal{kind: kind, at: now})
	if len(a.waitSignals) > maxWaitSignals {
		a.waitSignals = a.waitSignals[len(a.waitSignals)-maxWaitSignals:]
	}
}

// WaitSignalCount returns how many observations of any kind fall
// inside the window.
func (a *AgentContext) WaitSignalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-waitSignalWindow)
	count := 0
	for _, s := range a.waitSignals {
		if s.at.After(cutoff) {
			count++
		}
	}
	return count
}

// WaitSignalKindCount returns how many observations of one kind fall
// inside the window.
func (a *AgentContext) WaitSignalKindCount(kind WaitSignalKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-waitSignalWindow)
	count := 0
	for _, s := range a.waitSignals {
		if s.kind == kind && s.at.After(cutoff) {
			count++
		}
	}
	return count
}
