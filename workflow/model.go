// Package workflow defines the textual workflow representation, its
// tolerant parser/serializer, and the execution tree builder.
package workflow

import "fmt"

// AgentStatus is the lifecycle status of a workflow agent.
type AgentStatus string

const (
	AgentStatusInit    AgentStatus = "init"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusDone    AgentStatus = "done"
	AgentStatusError   AgentStatus = "error"
)

// statusRank orders statuses so that transitions only move forward.
var statusRank = map[AgentStatus]int{
	AgentStatusInit:    0,
	AgentStatusRunning: 1,
	AgentStatusDone:    2,
	AgentStatusError:   2,
}

// NodeKind discriminates the workflow node union.
type NodeKind string

const (
	NodeKindText    NodeKind = "text"
	NodeKindForEach NodeKind = "forEach"
	NodeKindWatch   NodeKind = "watch"
)

// WatchEvent is the event class a watch node listens for.
type WatchEvent string

const (
	WatchEventDOM  WatchEvent = "dom"
	WatchEventGUI  WatchEvent = "gui"
	WatchEventFile WatchEvent = "file"
)

// Node is one step within an agent. The variant set is closed:
// TextNode, ForEachNode, and WatchNode. Consumers switch exhaustively
// on Kind.
type Node interface {
	Kind() NodeKind
}

// TextNode is a plain instruction with optional input/output variables.
type TextNode struct {
	Text   string
	Input  string
	Output string
}

// Kind implements Node.
func (*TextNode) Kind() NodeKind { return NodeKindText }

// ForEachNode iterates its nested nodes once per element of a source
// variable.
type ForEachNode struct {
	Items string
	Nodes []Node
}

// Kind implements Node.
func (*ForEachNode) Kind() NodeKind { return NodeKindForEach }

// WatchNode runs its trigger nodes on each observed event. Triggers may
// nest text and forEach nodes only; a watch never nests another watch.
type WatchNode struct {
	Event       WatchEvent
	Loop        bool
	Description string
	Triggers    []Node
}

// Kind implements Node.
func (*WatchNode) Kind() NodeKind { return NodeKindWatch }

// Agent is one unit of work within a workflow.
type Agent struct {
	// ID is stable within a task and derived from the agent's index.
	ID string

	// Name is the agent-type name.
	Name string

	// Task is the human-readable task description.
	Task string

	// DependsOn holds the resolved identifiers of predecessor agents.
	DependsOn []string

	// Nodes is the ordered step list.
	Nodes []Node

	// Parallel is true when at least one sibling shares an identical
	// dependency set. Derived only from complete parses.
	Parallel bool

	// Status transitions only move forward; an agent never re-enters
	// init after leaving it.
	Status AgentStatus

	// XML is this agent's textual fragment.
	XML string
}

// SetStatus advances the agent status. Backward transitions are rejected.
func (a *Agent) SetStatus(next AgentStatus) error {
	nextRank, ok := statusRank[next]
	if !ok {
		return fmt.Errorf("unknown agent status: %s", next)
	}
	if nextRank < statusRank[a.Status] {
		return fmt.Errorf("invalid status transition %s -> %s for agent %s", a.Status, next, a.ID)
	}
	if next == AgentStatusInit && a.Status != AgentStatusInit {
		return fmt.Errorf("agent %s cannot re-enter init from %s", a.ID, a.Status)
	}
	a.Status = next
	return nil
}

// Workflow is the complete execution plan for one task.
type Workflow struct {
	// TaskID is the immutable task identifier.
	TaskID string

	// Name is the human-readable plan name.
	Name string

	// Thought is the planning rationale.
	Thought string

	// Agents is the ordered agent list.
	Agents []*Agent

	// XML is the canonical textual form, regenerated on every edit.
	XML string

	// Modified is set when the plan is edited after initial generation.
	Modified bool
}

// AgentByID returns the agent with the given identifier.
func (w *Workflow) AgentByID(id string) (*Agent, bool) {
	for _, a := range w.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// AddAgent appends an agent, renumbers identifiers, and regenerates the
// canonical text.
func (w *Workflow) AddAgent(a *Agent) {
	w.Agents = append(w.Agents, a)
	w.renumber()
	w.markModified()
}

// RemoveAgent deletes the agent with the given identifier along with any
// dependency references to it.
func (w *Workflow) RemoveAgent(id string) bool {
	idx := -1
	for i, a := range w.Agents {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	w.Agents = append(w.Agents[:idx], w.Agents[idx+1:]...)
	for _, a := range w.Agents {
		deps := a.DependsOn[:0]
		for _, dep := range a.DependsOn {
			if dep != id {
				deps = append(deps, dep)
			}
		}
		a.DependsOn = deps
	}
	w.renumber()
	w.markModified()
	return true
}

// SetAgentTask rewrites an agent's task description.
func (w *Workflow) SetAgentTask(id, task string) bool {
	a, ok := w.AgentByID(id)
	if !ok {
		return false
	}
	a.Task = task
	w.markModified()
	return true
}

// renumber reassigns index-derived identifiers, keeping dependency
// references consistent.
func (w *Workflow) renumber() {
	remap := make(map[string]string, len(w.Agents))
	for i, a := range w.Agents {
		remap[a.ID] = agentID(i)
	}
	for i, a := range w.Agents {
		a.ID = agentID(i)
		for j, dep := range a.DependsOn {
			if mapped, ok := remap[dep]; ok {
				a.DependsOn[j] = mapped
			}
		}
	}
}

// markModified flags the workflow as edited and regenerates its text.
func (w *Workflow) markModified() {
	w.Modified = true
	w.XML = Serialize(w)
	for _, a := range w.Agents {
		a.XML = serializeAgent(a, agentIndexMap(w))
	}
}

// agentID derives the stable identifier for an agent index.
func agentID(index int) string {
	return fmt.Sprintf("agent_%d", index)
}

// agentIndexMap maps agent identifiers to their sibling indices.
func agentIndexMap(w *Workflow) map[string]int {
	m := make(map[string]int, len(w.Agents))
	for i, a := range w.Agents {
		m[a.ID] = i
	}
	return m
}
