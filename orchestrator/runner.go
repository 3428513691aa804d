package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskloom/loom/chain"
	"github.com/taskloom/loom/execution"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/types"
	"github.com/taskloom/loom/workflow"
)

// maxConsecutiveAgentErrors fails an agent after this many LLM turns in
// a row error out.
const maxConsecutiveAgentErrors = 3

const agentSystemPrompt = `You are an autonomous agent executing one part of a larger plan. Work through your instructions step by step. Use the provided tools when a step needs one. When your task is complete, reply with a plain-text summary of the outcome and stop calling tools.`

// runWorkflow executes the dependency tree and returns the final
// outcome text.
func (o *Orchestrator) runWorkflow(ec *execution.Context, root *chain.Chain, w *workflow.Workflow) (string, error) {
	tree, err := workflow.BuildAgentTree(w)
	if err != nil {
		return "", err
	}

	results := &agentResults{byID: make(map[string]string)}
	outcome := ""
	for node := tree; node != nil; node = node.Next {
		if err := ec.CheckAborted(false); err != nil {
			return outcome, err
		}

		switch node.Kind {
		case workflow.TreeKindParallel:
			var g errgroup.Group
			for _, sub := range node.Parallel {
				sub := sub
				g.Go(func() error {
					_, err := o.runAgent(ec, root, w, sub, results)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return outcome, err
			}
			parts := make([]string, 0, len(node.Parallel))
			for _, sub := range node.Parallel {
				if r, ok := results.get(sub.Agent.ID); ok && r != "" {
					parts = append(parts, r)
				}
			}
			outcome = strings.Join(parts, "\n")

		default:
			result, err := o.runAgent(ec, root, w, node, results)
			if err != nil {
				return outcome, err
			}
			outcome = result
		}
	}
	return outcome, nil
}

// runAgent drives one agent's model loop to completion.
func (o *Orchestrator) runAgent(ec *execution.Context, root *chain.Chain, w *workflow.Workflow, node *workflow.TreeNode, results *agentResults) (string, error) {
	agent := node.Agent
	logger := o.logger.With(zap.String("taskId", ec.TaskID), zap.String("agentId", agent.ID))

	_, span := o.tracer.Start(ec.Context(), "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID),
			attribute.String("agent.name", agent.Name),
		))
	defer span.End()

	if err := agent.SetStatus(workflow.AgentStatusRunning); err != nil {
		logger.Warn("unexpected agent status", zap.Error(err))
	}

	agentChain := chain.NewAgentChain(agent.Name)
	root.Push(agentChain)
	actx := execution.NewAgentContext(ec, agent, agentChain)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: agentSystemPrompt},
		{Role: llm.RoleUser, Content: promptForAgent(w, agent, results)},
	}

	maxIterations := o.cfg.Execution.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ec.CheckAborted(false); err != nil {
			return "", o.failAgent(agent, err)
		}

		req := &llm.Request{Messages: messages, Tools: o.toolSchemas()}
		agentChain.SetRequest(req)

		stepCtx, release := ec.NewStepController()
		resp, err := o.client.Call(stepCtx, req)
		release()
		if err != nil {
			if types.IsAborted(err) {
				// A step aborted by pause-with-step-abort is retried
				// after the pause lifts; a task abort propagates.
				if ecErr := ec.CheckAborted(false); ecErr != nil {
					return "", o.failAgent(agent, ecErr)
				}
				continue
			}
			if streak := actx.RecordError(); streak >= maxConsecutiveAgentErrors {
				return "", o.failAgent(agent, err)
			}
			logger.Warn("agent turn failed, retrying", zap.Error(err))
			continue
		}
		actx.ResetErrors()
		agentChain.SetResult(resp)

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			if err := agent.SetStatus(workflow.AgentStatusDone); err != nil {
				logger.Warn("unexpected agent status", zap.Error(err))
			}
			node.Result = resp.Content
			results.set(agent.ID, resp.Content)
			ec.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			ec.SetVariable("result_"+agent.ID, resp.Content)
			logger.Info("agent finished", zap.Int("iterations", iteration+1))
			return resp.Content, nil
		}

		toolResults := o.dispatchToolCalls(actx, agentChain, req, resp.ToolCalls)
		for i, call := range resp.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    toolResults[i].Content,
				ToolCallID: call.ID,
			})
		}
	}

	return "", o.failAgent(agent, types.NewError(types.ErrInternalError,
		fmt.Sprintf("agent %s exceeded %d iterations", agent.ID, maxIterations)))
}

func (o *Orchestrator) failAgent(agent *workflow.Agent, err error) error {
	if serr := agent.SetStatus(workflow.AgentStatusError); serr != nil {
		o.logger.Warn("unexpected agent status", zap.Error(serr))
	}
	return err
}

// dispatchToolCalls runs one turn's tool calls in issue order. A
// consecutive run of calls to a tool that declares itself parallel-safe
// fans out concurrently; everything else executes sequentially.
func (o *Orchestrator) dispatchToolCalls(actx *execution.AgentContext, agentChain *chain.AgentChain, req *llm.Request, calls []llm.ToolCall) []*ToolResult {
	results := make([]*ToolResult, len(calls))
	for i := 0; i < len(calls); {
		j := i + 1
		if o.parallelSafe(calls[i].Name) {
			for j < len(calls) && calls[j].Name == calls[i].Name {
				j++
			}
		}
		if j-i > 1 {
			var g errgroup.Group
			for k := i; k < j; k++ {
				k := k
				g.Go(func() error {
					results[k] = o.dispatchTool(actx, agentChain, req, calls[k])
					return nil
				})
			}
			_ = g.Wait()
		} else {
			results[i] = o.dispatchTool(actx, agentChain, req, calls[i])
		}
		i = j
	}
	return results
}

func (o *Orchestrator) parallelSafe(name string) bool {
	tool, ok := o.tools[name]
	if !ok {
		return false
	}
	ps, ok := tool.(ParallelSafeTool)
	return ok && ps.ParallelSafe()
}

// dispatchTool runs one tool call and records it on the chain. Every
// failure mode becomes an error result the model can read; dispatch
// itself never fails the agent.
func (o *Orchestrator) dispatchTool(actx *execution.AgentContext, agentChain *chain.AgentChain, req *llm.Request, call llm.ToolCall) *ToolResult {
	tc := chain.NewToolChain(call.Name, call.ID, req)
	agentChain.Push(tc)

	var params map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &params); err != nil {
			result := ErrorResult(fmt.Sprintf("invalid tool arguments: %v", err))
			tc.SetResult(result)
			return result
		}
	}
	tc.UpdateParams(params)

	agentName := actx.Agent.Name
	if o.permission != nil {
		if err := o.permission.Allow(actx.Context(), agentName, call.Name, params); err != nil {
			result := ErrorResult(fmt.Sprintf("tool %s denied: %v", call.Name, err))
			tc.SetResult(result)
			return result
		}
	}

	tool, ok := o.tools[call.Name]
	if !ok {
		result := ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
		tc.SetResult(result)
		return result
	}

	result, err := tool.Execute(actx.Context(), params)
	if err != nil {
		result = ErrorResult(fmt.Sprintf("tool %s failed: %v", call.Name, err))
	} else if result == nil {
		result = &ToolResult{}
	}
	tc.SetResult(result)
	return result
}

func (o *Orchestrator) toolSchemas() []llm.ToolSchema {
	if len(o.tools) == 0 {
		return nil
	}
	schemas := make([]llm.ToolSchema, 0, len(o.tools))
	for _, t := range o.tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}

// promptForAgent renders the agent's instructions plus the results of
// its prerequisites.
func promptForAgent(w *workflow.Workflow, agent *workflow.Agent, results *agentResults) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", w.Name)
	if w.Thought != "" {
		fmt.Fprintf(&b, "Rationale: %s\n", w.Thought)
	}
	fmt.Fprintf(&b, "\nYour task: %s\n", agent.Task)

	if len(agent.Nodes) > 0 {
		b.WriteString("\nSteps:\n")
		renderNodes(&b, agent.Nodes, "")
	}

	if len(agent.DependsOn) > 0 {
		b.WriteString("\nResults from prerequisite agents:\n")
		for _, dep := range agent.DependsOn {
			depAgent, ok := w.AgentByID(dep)
			if !ok {
				continue
			}
			result, _ := results.get(dep)
			fmt.Fprintf(&b, "- %s (%s): %s\n", dep, depAgent.Name, result)
		}
	}
	return b.String()
}

func renderNodes(b *strings.Builder, nodes []workflow.Node, indent string) {
	for _, n := range nodes {
		switch node := n.(type) {
		case *workflow.TextNode:
			fmt.Fprintf(b, "%s- %s", indent, node.Text)
			if node.Input != "" {
				fmt.Fprintf(b, " (uses %s)", node.Input)
			}
			if node.Output != "" {
				fmt.Fprintf(b, " (produces %s)", node.Output)
			}
			b.WriteString("\n")
		case *workflow.ForEachNode:
			fmt.Fprintf(b, "%s- for each element of %s:\n", indent, node.Items)
			renderNodes(b, node.Nodes, indent+"  ")
		case *workflow.WatchNode:
			fmt.Fprintf(b, "%s- watch for %s changes", indent, node.Event)
			if node.Loop {
				b.WriteString(" (repeatedly)")
			}
			if node.Description != "" {
				fmt.Fprintf(b, ": %s", node.Description)
			}
			b.WriteString("\n")
			if len(node.Triggers) > 0 {
				fmt.Fprintf(b, "%s  on each event:\n", indent)
				renderNodes(b, node.Triggers, indent+"    ")
			}
		}
	}
}

// agentResults collects finished agents' outcomes for dependent
// prompts.
type agentResults struct {
	mu   sync.RWMutex
	byID map[string]string
}

func (r *agentResults) set(id, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = result
}

func (r *agentResults) get(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.byID[id]
	return result, ok
}
