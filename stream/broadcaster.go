// Package stream fans chain events out to websocket clients as JSON
// envelopes, giving UIs a live view of task progress.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/taskloom/loom/chain"
)

// Envelope is the wire form of one chain event.
type Envelope struct {
	Type      string    `json:"type"`
	AgentName string    `json:"agent_name,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client wraps one websocket connection. Writes are serialized through
// the mutex; the protocol forbids concurrent writes.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Broadcaster relays chain events to registered websocket clients. A
// client whose write fails or exceeds the write timeout is closed and
// dropped; one slow consumer never stalls the rest.
type Broadcaster struct {
	logger       *zap.Logger
	writeTimeout time.Duration

	mu         sync.Mutex
	clients    map[*client]struct{}
	source     *chain.Chain
	listenerID string
}

// NewBroadcaster creates a broadcaster with the given per-write
// timeout. A non-positive timeout selects 5s.
func NewBroadcaster(writeTimeout time.Duration, logger *zap.Logger) *Broadcaster {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger:       logger.With(zap.String("component", "stream")),
		writeTimeout: writeTimeout,
		clients:      make(map[*client]struct{}),
	}
}

// Attach subscribes the broadcaster to a chain, replacing any previous
// subscription.
func (b *Broadcaster) Attach(c *chain.Chain) {
	b.Detach()
	id := c.AddListener(b.publish)
	b.mu.Lock()
	b.source = c
	b.listenerID = id
	b.mu.Unlock()
}

// Detach unsubscribes from the current chain.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	source, id := b.source, b.listenerID
	b.source, b.listenerID = nil, ""
	b.mu.Unlock()
	if source != nil {
		source.RemoveListener(id)
	}
}

// AddClient registers an accepted websocket connection.
func (b *Broadcaster) AddClient(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[&client{conn: conn}] = struct{}{}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close detaches from the chain and closes every client.
func (b *Broadcaster) Close() {
	b.Detach()
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	for c := range clients {
		_ = c.conn.Close(websocket.StatusNormalClosure, "broadcaster closed")
	}
}

func (b *Broadcaster) publish(event chain.Event) {
	data, err := json.Marshal(envelopeFor(event))
	if err != nil {
		b.logger.Warn("drop unencodable chain event",
			zap.String("type", string(event.Type)), zap.Error(err))
		return
	}

	b.mu.Lock()
	snapshot := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		snapshot = append(snapshot, c)
	}
	b.mu.Unlock()

	for _, c := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		err := c.write(ctx, data)
		cancel()
		if err != nil {
			b.logger.Info("dropping websocket client", zap.Error(err))
			b.drop(c)
		}
	}
}

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	_ = c.conn.Close(websocket.StatusPolicyViolation, "write failed or timed out")
}

// envelopeFor projects a chain node into its wire form.
func envelopeFor(event chain.Event) Envelope {
	env := Envelope{Type: string(event.Type), Timestamp: time.Now().UTC()}

	switch target := event.Target.(type) {
	case *chain.Chain:
		env.Payload = map[string]any{
			"task_prompt": target.TaskPrompt,
			"plan_result": target.PlanResult(),
		}
	case *chain.AgentChain:
		env.AgentName = target.AgentName
		if resp := target.Result(); resp != nil {
			env.Payload = map[string]any{"content": resp.Content}
		}
	case *chain.ToolChain:
		env.ToolName = target.ToolName
		env.CallID = target.CallID
		env.Payload = map[string]any{
			"params": target.Params(),
			"result": target.Result(),
		}
	}
	return env
}
