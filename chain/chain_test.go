package chain

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/observability"
)

func toolRequest() *llm.Request {
	return &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "check the weather"}},
	}
}

// ---------------------------------------------------------------------------
// Event bubbling
// ---------------------------------------------------------------------------

// A deep tool mutation must reach every root listener exactly once.
func TestToolUpdate_BubblesOncePerListener(t *testing.T) {
	root := New("check the weather", zap.NewNop())
	agent := NewAgentChain("Browser")
	root.Push(agent)
	tool := NewToolChain("http_get", "call_1", toolRequest())
	agent.Push(tool)

	var first, second []Event
	root.AddListener(func(e Event) { first = append(first, e) })
	root.AddListener(func(e Event) { second = append(second, e) })

	tool.UpdateParams(map[string]any{"url": "https://example.com"})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, EventToolUpdate, first[0].Type)
	assert.Same(t, tool, first[0].Target)
	assert.Same(t, tool, second[0].Target)
}

func TestEvents_PublishedInMutationOrder(t *testing.T) {
	root := New("task", zap.NewNop())

	var got []EventType
	root.AddListener(func(e Event) { got = append(got, e.Type) })

	root.SetPlanRequest(toolRequest())
	root.SetPlanResult("<root></root>")

	agent := NewAgentChain("Browser")
	root.Push(agent)
	agent.SetRequest(toolRequest())

	tool := NewToolChain("http_get", "call_1", toolRequest())
	agent.Push(tool)
	tool.UpdateParams(map[string]any{"url": "https://example.com"})
	tool.SetResult("200 OK")
	agent.SetResult(&llm.Response{Content: "done"})

	assert.Equal(t, []EventType{
		EventPlanRequest,
		EventPlanResult,
		EventAgentPush,
		EventAgentRequest,
		EventToolPush,
		EventToolUpdate,
		EventToolResult,
		EventAgentResult,
	}, got)
}

func TestRemoveListener_StopsDelivery(t *testing.T) {
	root := New("task", zap.NewNop())

	var count int
	id := root.AddListener(func(Event) { count++ })

	root.SetPlanResult("first")
	root.RemoveListener(id)
	root.SetPlanResult("second")

	assert.Equal(t, 1, count)
}

func TestListenerPanic_DoesNotBreakOthers(t *testing.T) {
	root := New("task", zap.NewNop())

	var delivered int
	root.AddListener(func(Event) { panic("listener bug") })
	root.AddListener(func(Event) { delivered++ })

	assert.NotPanics(t, func() { root.SetPlanResult("text") })
	assert.Equal(t, 1, delivered)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Attaching metrics after events have started flowing is safe and
// counts every event published from then on.
func TestSetMetrics_WhileEventsFlow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	root := New("task", zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			root.SetPlanResult("tick")
		}
	}()
	root.SetMetrics(m)
	<-done

	root.SetPlanResult("counted")

	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != "loom_chain_events_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, total, 1.0)
}

// ---------------------------------------------------------------------------
// Attachment semantics
// ---------------------------------------------------------------------------

// Mutating a detached chain is silent; once pushed, the same chain
// publishes through the root hub.
func TestDetachedChain_PublishesAfterPush(t *testing.T) {
	root := New("task", zap.NewNop())
	var got []EventType
	root.AddListener(func(e Event) { got = append(got, e.Type) })

	agent := NewAgentChain("Browser")
	agent.SetRequest(toolRequest())
	tool := NewToolChain("http_get", "call_1", toolRequest())
	agent.Push(tool)
	tool.UpdateParams(map[string]any{"url": "https://example.com"})
	assert.Empty(t, got)

	// Attaching wires the agent and its existing tool chains.
	root.Push(agent)
	tool.SetResult("200 OK")

	assert.Equal(t, []EventType{EventAgentPush, EventToolResult}, got)
}

// ---------------------------------------------------------------------------
// Request capture
// ---------------------------------------------------------------------------

func TestToolChain_CapturesRequestSnapshot(t *testing.T) {
	req := toolRequest()
	tool := NewToolChain("http_get", "call_1", req)

	// Mutating the original after construction must not leak into the
	// captured copy.
	req.Messages[0].Content = "changed"
	req.MaxTokens = 99

	captured := tool.Request()
	require.NotNil(t, captured)
	assert.Equal(t, "check the weather", captured.Messages[0].Content)
	assert.Zero(t, captured.MaxTokens)
}

func TestChain_Accessors(t *testing.T) {
	root := New("task", zap.NewNop())
	agent := NewAgentChain("Browser")
	root.Push(agent)

	root.SetPlanResult("<root></root>")
	assert.Equal(t, "<root></root>", root.PlanResult())
	require.Len(t, root.AgentChains(), 1)

	tool := NewToolChain("http_get", "call_1", toolRequest())
	agent.Push(tool)
	tool.UpdateParams(map[string]any{"url": "https://example.com"})
	tool.SetResult("200 OK")

	require.Len(t, agent.ToolChains(), 1)
	assert.Equal(t, "https://example.com", tool.Params()["url"])
	assert.Equal(t, "200 OK", tool.Result())
}
