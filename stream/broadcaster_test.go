package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskloom/loom/chain"
	"github.com/taskloom/loom/llm"
)

// wsPair establishes one server-side connection registered on the
// broadcaster and returns the client side.
func wsPair(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.AddClient(conn)
		close(registered)
		// Keep the handler alive while the test runs.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("client not registered")
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestBroadcaster_RelaysChainEvents(t *testing.T) {
	b := NewBroadcaster(time.Second, zap.NewNop())
	defer b.Close()

	root := chain.New("extract the product data", zap.NewNop())
	b.Attach(root)

	conn := wsPair(t, b)
	require.Equal(t, 1, b.ClientCount())

	root.SetPlanResult("<root></root>")
	env := readEnvelope(t, conn)
	assert.Equal(t, string(chain.EventPlanResult), env.Type)
	payload, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "extract the product data", payload["task_prompt"])
	assert.Equal(t, "<root></root>", payload["plan_result"])

	agent := chain.NewAgentChain("Browser")
	root.Push(agent)
	env = readEnvelope(t, conn)
	assert.Equal(t, string(chain.EventAgentPush), env.Type)
	assert.Equal(t, "Browser", env.AgentName)

	tool := chain.NewToolChain("http_get", "call_1", &llm.Request{})
	agent.Push(tool)
	_ = readEnvelope(t, conn) // tool_push
	tool.UpdateParams(map[string]any{"url": "https://example.com"})
	env = readEnvelope(t, conn)
	assert.Equal(t, string(chain.EventToolUpdate), env.Type)
	assert.Equal(t, "http_get", env.ToolName)
	assert.Equal(t, "call_1", env.CallID)
}

func TestBroadcaster_DropsFailedClient(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, zap.NewNop())
	defer b.Close()

	root := chain.New("task", zap.NewNop())
	b.Attach(root)

	conn := wsPair(t, b)
	require.Equal(t, 1, b.ClientCount())

	// Kill the client side, then publish: the write fails and the
	// client is removed.
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	time.Sleep(50 * time.Millisecond)

	root.SetPlanResult("first")
	root.SetPlanResult("second")

	assert.Eventually(t, func() bool { return b.ClientCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestBroadcaster_DetachStopsRelay(t *testing.T) {
	b := NewBroadcaster(time.Second, zap.NewNop())
	defer b.Close()

	root := chain.New("task", zap.NewNop())
	b.Attach(root)
	conn := wsPair(t, b)

	root.SetPlanResult("before detach")
	_ = readEnvelope(t, conn)

	b.Detach()
	root.SetPlanResult("after detach")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "no envelope expected after detach")
}
