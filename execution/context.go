// Package execution provides the hierarchical runtime state of one
// task: cancellation, pause/resume, shared variables, conversation
// history, and periodic checkpointing.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloom/loom/config"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/types"
	"github.com/taskloom/loom/workflow"
)

// PauseState is the task-level pause mode.
type PauseState int

const (
	// StateRunning lets agents proceed normally.
	StateRunning PauseState = iota

	// StatePaused holds agents at their next abort check; in-flight
	// steps run to completion.
	StatePaused

	// StatePausedWithStepAbort holds agents and cancels every in-flight
	// step immediately.
	StatePausedWithStepAbort
)

func (s PauseState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StatePausedWithStepAbort:
		return "paused_with_step_abort"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time capture of restorable task state.
type Snapshot struct {
	TaskID       string                          `json:"task_id"`
	Variables    map[string]any                  `json:"variables,omitempty"`
	Conversation []llm.Message                   `json:"conversation,omitempty"`
	AgentStatus  map[string]workflow.AgentStatus `json:"agent_status,omitempty"`
	CreatedAt    time.Time                       `json:"created_at"`
}

// CheckpointHook persists a snapshot. Hooks run on their own goroutine;
// a failing or panicking hook is logged and never blocks execution.
type CheckpointHook func(ctx context.Context, snap *Snapshot) error

// StateChangeHook observes debounced variable writes.
type StateChangeHook func(key string, value any)

// Context is the root execution context of one task.
type Context struct {
	// TaskID is the immutable task identifier.
	TaskID string

	// Workflow is the plan being executed, nil until planning finishes.
	Workflow *workflow.Workflow

	// OnCheckpoint, when set, receives every created snapshot.
	OnCheckpoint CheckpointHook

	// OnStateChange, when set, receives debounced variable writes.
	OnStateChange StateChangeHook

	cfg    config.ExecutionConfig
	logger *zap.Logger
	parent context.Context

	mu       sync.RWMutex
	rootCtx  context.Context
	cancel   context.CancelFunc
	pause    PauseState
	resumeCh chan struct{}
	steps    map[string]context.CancelFunc
	stepSeq  int

	varMu        sync.RWMutex
	variables    map[string]any
	conversation []llm.Message

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	checkpointMu   sync.Mutex
	checkpointStop chan struct{}
}

// NewContext creates the root context for a task. The parent context
// bounds the whole task; cancelling it aborts execution.
func NewContext(parent context.Context, taskID string, cfg config.ExecutionConfig, logger *zap.Logger) *Context {
	if parent == nil {
		parent = context.Background()
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = config.DefaultExecutionConfig().PausePollInterval
	}
	if cfg.StateChangeDebounce <= 0 {
		cfg.StateChangeDebounce = config.DefaultExecutionConfig().StateChangeDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		TaskID:    taskID,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "execution"), zap.String("taskId", taskID)),
		parent:    parent,
		rootCtx:   ctx,
		cancel:    cancel,
		steps:     make(map[string]context.CancelFunc),
		variables: make(map[string]any),
		debounce:  make(map[string]*time.Timer),
	}
}

// Context returns the current root cancellation context.
func (c *Context) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootCtx
}

// Cancel aborts the task. Every derived step context is cancelled
// through the root.
func (c *Context) Cancel() {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	cancel()
}

// PauseState returns the current pause mode.
func (c *Context) PauseState() PauseState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pause
}

// SetPause switches the pause mode. Pausing with abortStep cancels and
// clears every live step controller; resuming wakes all waiters at
// once through the resume channel.
func (c *Context) SetPause(paused, abortStep bool) {
	c.mu.Lock()
	var aborted []context.CancelFunc
	if paused {
		if abortStep {
			c.pause = StatePausedWithStepAbort
			for _, cancel := range c.steps {
				aborted = append(aborted, cancel)
			}
			c.steps = make(map[string]context.CancelFunc)
		} else {
			c.pause = StatePaused
		}
		if c.resumeCh == nil {
			c.resumeCh = make(chan struct{})
		}
	} else {
		c.pause = StateRunning
		if c.resumeCh != nil {
			close(c.resumeCh)
			c.resumeCh = nil
		}
	}
	state := c.pause
	c.mu.Unlock()

	for _, cancel := range aborted {
		cancel()
	}
	c.logger.Info("pause state changed", zap.Stringer("state", state))
}

// NewStepController derives a cancellable context for one step. The
// returned cancel releases the registration; pausing with step abort
// cancels all registered controllers.
func (c *Context) NewStepController() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	c.stepSeq++
	id := fmt.Sprintf("step_%d", c.stepSeq)
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.steps[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.steps, id)
		c.mu.Unlock()
		cancel()
	}
}

// CheckAborted is the cooperative abort point every agent loop calls
// between steps. It returns an aborted error once the task is
// cancelled. While the task is paused it blocks until resume, waking
// on the resume channel or on the poll interval, unless skipPauseWait
// is set.
func (c *Context) CheckAborted(skipPauseWait bool) error {
	for {
		c.mu.RLock()
		ctx := c.rootCtx
		pause := c.pause
		resume := c.resumeCh
		c.mu.RUnlock()

		if ctx.Err() != nil {
			return types.NewAborted("task aborted: " + c.TaskID)
		}
		if pause == StateRunning || skipPauseWait {
			return nil
		}

		timer := time.NewTimer(c.cfg.PausePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.NewAborted("task aborted while paused: " + c.TaskID)
		case <-resume:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Reset rearms the context for a fresh run: a new cancellation root
// derived from the original parent, pause cleared, step controllers
// dropped. Variables and conversation survive so a replan keeps
// accumulated state.
func (c *Context) Reset() {
	c.mu.Lock()
	oldCancel := c.cancel
	ctx, cancel := context.WithCancel(c.parent)
	c.rootCtx = ctx
	c.cancel = cancel
	c.pause = StateRunning
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
	c.steps = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	oldCancel()
	c.logger.Info("execution context reset")
}

// SetVariable writes a task variable immediately and schedules a
// debounced OnStateChange notification for the key.
func (c *Context) SetVariable(key string, value any) {
	c.varMu.Lock()
	c.variables[key] = value
	c.varMu.Unlock()

	if c.OnStateChange == nil {
		return
	}
	c.debounceMu.Lock()
	if t, ok := c.debounce[key]; ok {
		t.Stop()
	}
	c.debounce[key] = time.AfterFunc(c.cfg.StateChangeDebounce, func() {
		c.debounceMu.Lock()
		delete(c.debounce, key)
		c.debounceMu.Unlock()
		c.notifyStateChange(key)
	})
	c.debounceMu.Unlock()
}

func (c *Context) notifyStateChange(key string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state change hook panicked",
				zap.String("key", key), zap.Any("panic", r))
		}
	}()
	c.varMu.RLock()
	value := c.variables[key]
	c.varMu.RUnlock()
	c.OnStateChange(key, value)
}

// Variable reads a task variable.
func (c *Context) Variable(key string) (any, bool) {
	c.varMu.RLock()
	defer c.varMu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a snapshot of all task variables.
func (c *Context) Variables() map[string]any {
	c.varMu.RLock()
	defer c.varMu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// AppendMessage records one conversation turn.
func (c *Context) AppendMessage(msg llm.Message) {
	c.varMu.Lock()
	c.conversation = append(c.conversation, msg)
	c.varMu.Unlock()
}

// Conversation returns a snapshot of the conversation history.
func (c *Context) Conversation() []llm.Message {
	c.varMu.RLock()
	defer c.varMu.RUnlock()
	out := make([]llm.Message, len(c.conversation))
	copy(out, c.conversation)
	return out
}

// StartCheckpointing begins periodic snapshots. A non-positive interval
// selects the configured default. Starting twice restarts the timer.
func (c *Context) StartCheckpointing(interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.CheckpointInterval
	}
	if interval <= 0 {
		interval = config.DefaultExecutionConfig().CheckpointInterval
	}

	c.checkpointMu.Lock()
	if c.checkpointStop != nil {
		close(c.checkpointStop)
	}
	stop := make(chan struct{})
	c.checkpointStop = stop
	c.checkpointMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.CreateCheckpoint()
			}
		}
	}()
}

// StopCheckpointing halts periodic snapshots.
func (c *Context) StopCheckpointing() {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	if c.checkpointStop != nil {
		close(c.checkpointStop)
		c.checkpointStop = nil
	}
}

// CreateCheckpoint captures a snapshot and hands it to the checkpoint
// hook without waiting for persistence.
func (c *Context) CreateCheckpoint() *Snapshot {
	snap := c.snapshot()
	if c.OnCheckpoint != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("checkpoint hook panicked", zap.Any("panic", r))
				}
			}()
			if err := c.OnCheckpoint(c.Context(), snap); err != nil {
				c.logger.Warn("checkpoint hook failed", zap.Error(err))
			}
		}()
	}
	return snap
}

func (c *Context) snapshot() *Snapshot {
	snap := &Snapshot{
		TaskID:       c.TaskID,
		Variables:    c.Variables(),
		Conversation: c.Conversation(),
		CreatedAt:    time.Now(),
	}
	if c.Workflow != nil {
		snap.AgentStatus = make(map[string]workflow.AgentStatus, len(c.Workflow.Agents))
		for _, a := range c.Workflow.Agents {
			snap.AgentStatus[a.ID] = a.Status
		}
	}
	return snap
}

// Serialize captures the restorable state as JSON.
func (c *Context) Serialize() ([]byte, error) {
	data, err := json.Marshal(c.snapshot())
	if err != nil {
		return nil, fmt.Errorf("serialize execution context: %w", err)
	}
	return data, nil
}

// Restore merges a serialized snapshot into the context: snapshot
// variables overwrite matching keys and leave others intact, a
// non-empty snapshot conversation replaces the current one, and agent
// statuses are re-applied to the workflow where the transition is
// still legal.
func (c *Context) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore execution context: %w", err)
	}

	c.varMu.Lock()
	for k, v := range snap.Variables {
		c.variables[k] = v
	}
	if len(snap.Conversation) > 0 {
		c.conversation = append([]llm.Message(nil), snap.Conversation...)
	}
	c.varMu.Unlock()

	if c.Workflow != nil {
		for id, status := range snap.AgentStatus {
			if a, ok := c.Workflow.AgentByID(id); ok {
				if err := a.SetStatus(status); err != nil {
					c.logger.Debug("skipped status restore", zap.String("agentId", id), zap.Error(err))
				}
			}
		}
	}
	return nil
}
