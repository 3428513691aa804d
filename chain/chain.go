// Package chain records the full decision trail of one task as a
// three-level tree: the task plan, each agent's LLM turns, and each
// tool invocation. Every mutation is published synchronously to
// listeners registered at the root, in mutation order.
package chain

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/observability"
)

// EventType classifies a chain mutation.
type EventType string

const (
	EventPlanRequest  EventType = "plan_request"
	EventPlanResult   EventType = "plan_result"
	EventAgentPush    EventType = "agent_push"
	EventAgentRequest EventType = "agent_request"
	EventAgentResult  EventType = "agent_result"
	EventToolPush     EventType = "tool_push"
	EventToolUpdate   EventType = "tool_update"
	EventToolResult   EventType = "tool_result"
)

// Event is one published mutation. Target is the chain node that
// mutated: *Chain, *AgentChain, or *ToolChain.
type Event struct {
	Type   EventType
	Target any
}

// Listener receives chain events. Listeners run synchronously on the
// mutating goroutine; slow listeners slow the mutation.
type Listener func(event Event)

// hub fans events out to root listeners. Children hold the hub rather
// than a parent callback, so a mutation deep in the tree reaches root
// listeners in exactly one hop.
type hub struct {
	logger *zap.Logger

	mu        sync.RWMutex
	metrics   *observability.Metrics
	nextID    int
	listeners []hubListener
}

type hubListener struct {
	id string
	fn Listener
}

func (h *hub) addListener(fn Listener) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("listener_%d", h.nextID)
	h.listeners = append(h.listeners, hubListener{id: id, fn: fn})
	return id
}

func (h *hub) setMetrics(m *observability.Metrics) {
	h.mu.Lock()
	h.metrics = m
	h.mu.Unlock()
}

func (h *hub) removeListener(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

// publish invokes every listener once with the event. A panicking
// listener is logged and skipped; it never breaks the mutation or the
// remaining listeners.
func (h *hub) publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	metrics := h.metrics
	snapshot := make([]hubListener, len(h.listeners))
	copy(snapshot, h.listeners)
	h.mu.RUnlock()

	metrics.ChainEvent(string(event.Type))
	for _, l := range snapshot {
		h.invoke(l, event)
	}
}

func (h *hub) invoke(l hubListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("chain listener panicked",
				zap.String("listener", l.id),
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	l.fn(event)
}

// Chain is the root of one task's decision trail.
type Chain struct {
	hub *hub

	// TaskPrompt is the original user task, immutable after creation.
	TaskPrompt string

	mu          sync.RWMutex
	planRequest *llm.Request
	planResult  string
	agents      []*AgentChain
}

// New creates the root chain for a task.
func New(taskPrompt string, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		hub:        &hub{logger: logger.With(zap.String("component", "chain"))},
		TaskPrompt: taskPrompt,
	}
}

// SetMetrics attaches a metrics sink counting published events. Safe
// to call while events are flowing.
func (c *Chain) SetMetrics(m *observability.Metrics) {
	c.hub.setMetrics(m)
}

// AddListener registers a root listener and returns its removal id.
func (c *Chain) AddListener(fn Listener) string {
	return c.hub.addListener(fn)
}

// RemoveListener unregisters a listener by id.
func (c *Chain) RemoveListener(id string) {
	c.hub.removeListener(id)
}

// SetPlanRequest records the planner request sent to the LLM.
func (c *Chain) SetPlanRequest(req *llm.Request) {
	c.mu.Lock()
	c.planRequest = req
	c.mu.Unlock()
	c.hub.publish(Event{Type: EventPlanRequest, Target: c})
}

// SetPlanResult records the accumulated planner output.
func (c *Chain) SetPlanResult(text string) {
	c.mu.Lock()
	c.planResult = text
	c.mu.Unlock()
	c.hub.publish(Event{Type: EventPlanResult, Target: c})
}

// PlanRequest returns the recorded planner request.
func (c *Chain) PlanRequest() *llm.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.planRequest
}

// PlanResult returns the recorded planner output.
func (c *Chain) PlanResult() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.planResult
}

// Push attaches an agent chain to the root. The agent chain and any
// tool chains already pushed onto it start publishing through this
// root's hub.
func (c *Chain) Push(ac *AgentChain) {
	ac.attach(c.hub)
	c.mu.Lock()
	c.agents = append(c.agents, ac)
	c.mu.Unlock()
	c.hub.publish(Event{Type: EventAgentPush, Target: ac})
}

// AgentChains returns a snapshot of the attached agent chains.
func (c *Chain) AgentChains() []*AgentChain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*AgentChain, len(c.agents))
	copy(out, c.agents)
	return out
}

// AgentChain records one agent's LLM turns and tool invocations.
type AgentChain struct {
	hub *hub

	// AgentName identifies the agent, immutable after creation.
	AgentName string

	mu      sync.RWMutex
	request *llm.Request
	result  *llm.Response
	tools   []*ToolChain
}

// NewAgentChain creates a detached agent chain. Mutations publish only
// after the chain is pushed onto a root.
func NewAgentChain(agentName string) *AgentChain {
	return &AgentChain{AgentName: agentName}
}

func (a *AgentChain) attach(h *hub) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hub = h
	for _, tc := range a.tools {
		tc.attach(h)
	}
}

// SetRequest records the agent's current LLM request.
func (a *AgentChain) SetRequest(req *llm.Request) {
	a.mu.Lock()
	a.request = req
	h := a.hub
	a.mu.Unlock()
	h.publish(Event{Type: EventAgentRequest, Target: a})
}

// SetResult records the agent's LLM response.
func (a *AgentChain) SetResult(resp *llm.Response) {
	a.mu.Lock()
	a.result = resp
	h := a.hub
	a.mu.Unlock()
	h.publish(Event{Type: EventAgentResult, Target: a})
}

// Request returns the agent's recorded request.
func (a *AgentChain) Request() *llm.Request {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.request
}

// Result returns the agent's recorded response.
func (a *AgentChain) Result() *llm.Response {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.result
}

// Push attaches a tool chain to this agent.
func (a *AgentChain) Push(tc *ToolChain) {
	a.mu.Lock()
	tc.attach(a.hub)
	a.tools = append(a.tools, tc)
	h := a.hub
	a.mu.Unlock()
	h.publish(Event{Type: EventToolPush, Target: tc})
}

// ToolChains returns a snapshot of the attached tool chains.
func (a *AgentChain) ToolChains() []*ToolChain {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*ToolChain, len(a.tools))
	copy(out, a.tools)
	return out
}

// ToolChain records one tool invocation.
type ToolChain struct {
	hub *hub

	// ToolName and CallID identify the invocation, immutable after
	// creation.
	ToolName string
	CallID   string

	// request is a deep copy of the LLM request that produced the tool
	// call, taken at construction so later request reuse cannot rewrite
	// history.
	request *llm.Request

	mu     sync.RWMutex
	params map[string]any
	result any
}

// NewToolChain creates a detached tool chain, deep-copying the
// originating request.
func NewToolChain(toolName, callID string, req *llm.Request) *ToolChain {
	return &ToolChain{
		ToolName: toolName,
		CallID:   callID,
		request:  req.Clone(),
	}
}

func (t *ToolChain) attach(h *hub) {
	t.mu.Lock()
	t.hub = h
	t.mu.Unlock()
}

// Request returns the captured originating request.
func (t *ToolChain) Request() *llm.Request {
	return t.request
}

// UpdateParams replaces the invocation parameters.
func (t *ToolChain) UpdateParams(params map[string]any) {
	t.mu.Lock()
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	t.params = cp
	h := t.hub
	t.mu.Unlock()
	h.publish(Event{Type: EventToolUpdate, Target: t})
}

// Params returns the current invocation parameters.
func (t *ToolChain) Params() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

// SetResult records the tool outcome.
func (t *ToolChain) SetResult(result any) {
	t.mu.Lock()
	t.result = result
	h := t.hub
	t.mu.Unlock()
	h.publish(Event{Type: EventToolResult, Target: t})
}

// Result returns the recorded tool outcome.
func (t *ToolChain) Result() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}
