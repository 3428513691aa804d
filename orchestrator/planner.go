package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/taskloom/loom/chain"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/types"
	"github.com/taskloom/loom/workflow"
)

// planSystemPrompt instructs the model to emit the workflow dialect the
// parser understands.
const planSystemPrompt = `You are a task planner. Decompose the user's task into a workflow of agents and respond with exactly one XML document, nothing else:

<root>
  <name>short plan name</name>
  <thought>your planning rationale</thought>
  <agents>
    <agent name="AgentType" id="0" dependsOn="">
      <task>what this agent must achieve</task>
      <nodes>
        <node>one concrete step</node>
        <forEach items="variableName"><node>step applied per element</node></forEach>
      </nodes>
    </agent>
  </agents>
</root>

Rules:
- id is the zero-based position of the agent in document order.
- dependsOn lists the ids of agents whose output this agent needs, comma separated; leave it empty for independent agents.
- Agents with identical dependsOn sets may run in parallel; exploit that when steps are independent.`

// Planner turns a task prompt into a parsed workflow, streaming the
// model output and recording the exchange on the chain.
type Planner struct {
	client *llm.Client
	logger *zap.Logger

	// OnPartial, when set, observes each successfully parsed partial
	// workflow while the plan streams in.
	OnPartial func(w *workflow.Workflow)
}

// NewPlanner creates a planner on top of the failover client.
func NewPlanner(client *llm.Client, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		client: client,
		logger: logger.With(zap.String("component", "planner")),
	}
}

// Plan streams a plan for the task and parses the final text strictly.
// priorThought is carried into the parsed workflow when a replan's
// truncated output omits its own.
func (p *Planner) Plan(ctx context.Context, taskID, taskPrompt string, root *chain.Chain, priorThought string) (*workflow.Workflow, error) {
	req := &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: planSystemPrompt},
			{Role: llm.RoleUser, Content: taskPrompt},
		},
	}
	root.SetPlanRequest(req)

	stream, err := p.client.CallStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Delta == "" {
			continue
		}
		text.WriteString(chunk.Delta)
		if p.OnPartial != nil {
			if partial, perr := workflow.Parse(taskID, text.String(), false, priorThought); perr == nil && partial != nil {
				p.OnPartial(partial)
			}
		}
	}

	planText := text.String()
	root.SetPlanResult(planText)

	w, err := workflow.Parse(taskID, planText, true, priorThought)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidWorkflow, "planner produced no usable workflow").WithCause(err)
	}
	p.logger.Info("plan parsed",
		zap.String("taskId", taskID),
		zap.String("plan", w.Name),
		zap.Int("agents", len(w.Agents)))
	return w, nil
}
