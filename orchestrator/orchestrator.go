// Package orchestrator drives a task end to end: plan, build the
// execution tree, run agents with tool dispatch, and record everything
// on the chain.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskloom/loom/chain"
	"github.com/taskloom/loom/config"
	"github.com/taskloom/loom/execution"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/observability"
	"github.com/taskloom/loom/types"
)

const instrumentationName = "github.com/taskloom/loom/orchestrator"

// Status is the terminal state of one task run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusAborted Status = "aborted"
	StatusError   Status = "error"
)

// Result summarizes one task run.
type Result struct {
	TaskID  string
	Status  Status
	Outcome string
	Err     error
}

// task is the live state of one running or completed task.
type task struct {
	exec  *execution.Context
	chain *chain.Chain
}

// Orchestrator owns task lifecycles. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg        *config.Config
	client     *llm.Client
	planner    *Planner
	tools      map[string]Tool
	permission PermissionEvaluator
	hook       execution.CheckpointHook
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer

	tasks taskRegistry
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithTools registers the tools agents may call.
func WithTools(tools ...Tool) Option {
	return func(o *Orchestrator) {
		for _, t := range tools {
			o.tools[t.Name()] = t
		}
	}
}

// WithPermissionEvaluator gates every tool invocation.
func WithPermissionEvaluator(p PermissionEvaluator) Option {
	return func(o *Orchestrator) { o.permission = p }
}

// WithCheckpointHook persists periodic execution snapshots.
func WithCheckpointHook(hook execution.CheckpointHook) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// WithMetrics attaches the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator. cfg nil selects defaults.
func New(cfg *config.Config, client *llm.Client, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg,
		client: client,
		tools:  make(map[string]Tool),
		logger: logger.With(zap.String("component", "orchestrator")),
		tracer: otel.Tracer(instrumentationName),
	}
	o.tasks.init()
	for _, opt := range opts {
		opt(o)
	}
	o.planner = NewPlanner(client, logger)
	return o
}

// Planner exposes the planner, e.g. to hook partial-plan observation.
func (o *Orchestrator) Planner() *Planner {
	return o.planner
}

// Chain returns the decision trail of a task.
func (o *Orchestrator) Chain(taskID string) (*chain.Chain, bool) {
	t, ok := o.tasks.get(taskID)
	if !ok {
		return nil, false
	}
	return t.chain, true
}

// Run plans and executes one task to completion.
func (o *Orchestrator) Run(ctx context.Context, taskPrompt string) (*Result, error) {
	taskID := uuid.New().String()

	root := chain.New(taskPrompt, o.logger)
	root.SetMetrics(o.metrics)

	execCtx := execution.NewContext(ctx, taskID, o.cfg.Execution, o.logger)
	execCtx.OnCheckpoint = o.hook
	o.tasks.put(taskID, &task{exec: execCtx, chain: root})

	return o.run(execCtx, root, taskPrompt, "")
}

// Replan re-plans an existing task with a follow-up prompt and runs the
// new plan. Task variables and conversation survive through the reset.
func (o *Orchestrator) Replan(taskID, followupPrompt string) (*Result, error) {
	t, ok := o.tasks.get(taskID)
	if !ok {
		return nil, types.NewError(types.ErrInternalError, fmt.Sprintf("unknown task: %s", taskID))
	}

	priorThought := ""
	if t.exec.Workflow != nil {
		priorThought = t.exec.Workflow.Thought
	}
	t.exec.Reset()
	return o.run(t.exec, t.chain, followupPrompt, priorThought)
}

func (o *Orchestrator) run(execCtx *execution.Context, root *chain.Chain, taskPrompt, priorThought string) (*Result, error) {
	taskID := execCtx.TaskID
	ctx, span := o.tracer.Start(execCtx.Context(), "task.run")
	defer span.End()

	w, err := o.planner.Plan(ctx, taskID, taskPrompt, root, priorThought)
	if err != nil {
		return o.finish(taskID, "", err), nil
	}
	execCtx.Workflow = w

	execCtx.StartCheckpointing(o.cfg.Execution.CheckpointInterval)
	defer execCtx.StopCheckpointing()

	outcome, err := o.runWorkflow(execCtx, root, w)
	if err == nil {
		execCtx.CreateCheckpoint()
	}
	return o.finish(taskID, outcome, err), nil
}

// finish maps an execution error onto the task result.
func (o *Orchestrator) finish(taskID, outcome string, err error) *Result {
	switch {
	case err == nil:
		o.logger.Info("task finished", zap.String("taskId", taskID))
		return &Result{TaskID: taskID, Status: StatusSuccess, Outcome: outcome}
	case types.IsAborted(err):
		o.logger.Info("task aborted", zap.String("taskId", taskID))
		return &Result{TaskID: taskID, Status: StatusAborted, Err: err}
	default:
		o.logger.Error("task failed", zap.String("taskId", taskID), zap.Error(err))
		return &Result{TaskID: taskID, Status: StatusError, Outcome: outcome, Err: err}
	}
}

// Pause holds the task at its next abort check; abortStep also cancels
// in-flight steps.
func (o *Orchestrator) Pause(taskID string, abortStep bool) bool {
	t, ok := o.tasks.get(taskID)
	if !ok {
		return false
	}
	t.exec.SetPause(true, abortStep)
	return true
}

// Resume releases a paused task.
func (o *Orchestrator) Resume(taskID string) bool {
	t, ok := o.tasks.get(taskID)
	if !ok {
		return false
	}
	t.exec.SetPause(false, false)
	return true
}

// Abort cancels a running task.
func (o *Orchestrator) Abort(taskID string) bool {
	t, ok := o.tasks.get(taskID)
	if !ok {
		return false
	}
	t.exec.Cancel()
	return true
}

// DeleteTask aborts the task and forgets its state.
func (o *Orchestrator) DeleteTask(taskID string) bool {
	t, ok := o.tasks.remove(taskID)
	if !ok {
		return false
	}
	t.exec.StopCheckpointing()
	t.exec.Cancel()
	return true
}
