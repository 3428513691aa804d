package workflow

import (
	"fmt"

	"github.com/taskloom/loom/types"
)

// TreeKind discriminates execution tree nodes.
type TreeKind string

const (
	// TreeKindNormal wraps a single agent.
	TreeKindNormal TreeKind = "normal"
	// TreeKindParallel wraps agents meant to run concurrently.
	TreeKindParallel TreeKind = "parallel"
)

// TreeNode is one element of the execution structure derived from a
// workflow. The tree is built once per run and is read-only during
// execution except for result attachment.
type TreeNode struct {
	Kind TreeKind

	// Agent is set for normal nodes.
	Agent *Agent

	// Parallel holds the normal member nodes of a parallel group.
	Parallel []*TreeNode

	// Next links to the node executed after this one completes. For a
	// parallel node, execution waits for all members first.
	Next *TreeNode

	// Result is attached after execution.
	Result string
}

// BuildAgentTree converts the workflow's flat agent list into an
// ordered execution structure.
//
// Agents form a DAG keyed by DependsOn. A stable topological ordering is
// taken layer by layer; within a layer, agents whose resolved dependency
// sets are identical are grouped into one parallel node. Agents with
// different dependency sets execute sequentially in declaration order
// even when both are ready, so results stay deterministic for agents
// with partially-overlapping prerequisites. A dependency cycle is a
// fatal planning error.
func BuildAgentTree(w *Workflow) (*TreeNode, error) {
	if len(w.Agents) == 0 {
		return nil, types.NewError(types.ErrInvalidWorkflow, "workflow has no agents")
	}

	byID := make(map[string]*Agent, len(w.Agents))
	for _, a := range w.Agents {
		byID[a.ID] = a
	}

	indegree := make(map[string]int, len(w.Agents))
	for _, a := range w.Agents {
		indegree[a.ID] = 0
	}
	for _, a := range w.Agents {
		for _, dep := range a.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, types.NewError(types.ErrInvalidWorkflow,
					fmt.Sprintf("agent %s depends on unknown agent %s", a.ID, dep))
			}
			indegree[a.ID]++
		}
	}

	dependents := make(map[string][]string, len(w.Agents))
	for _, a := range w.Agents {
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	var head, tail *TreeNode
	link := func(n *TreeNode) {
		if head == nil {
			head = n
			tail = n
			return
		}
		tail.Next = n
		tail = n
	}

	placed := 0
	remaining := make(map[string]bool, len(w.Agents))
	for _, a := range w.Agents {
		remaining[a.ID] = true
	}

	for placed < len(w.Agents) {
		// Collect the next topological layer in declaration order.
		var layer []*Agent
		for _, a := range w.Agents {
			if remaining[a.ID] && indegree[a.ID] == 0 {
				layer = append(layer, a)
			}
		}
		if len(layer) == 0 {
			return nil, types.NewError(types.ErrDependencyCycle, "workflow contains a dependency cycle")
		}

		for _, a := range layer {
			remaining[a.ID] = false
			placed++
			for _, dep := range dependents[a.ID] {
				indegree[dep]--
			}
		}

		// Group identical-dependency agents within the layer, keeping
		// first-occurrence order between groups.
		groupOrder := make([]string, 0, len(layer))
		groups := make(map[string][]*Agent)
		for _, a := range layer {
			key := depSetKey(a.DependsOn)
			if _, ok := groups[key]; !ok {
				groupOrder = append(groupOrder, key)
			}
			groups[key] = append(groups[key], a)
		}

		for _, key := range groupOrder {
			members := groups[key]
			if len(members) == 1 {
				link(&TreeNode{Kind: TreeKindNormal, Agent: members[0]})
				continue
			}
			parallel := &TreeNode{Kind: TreeKindParallel}
			for _, a := range members {
				parallel.Parallel = append(parallel.Parallel, &TreeNode{
					Kind:  TreeKindNormal,
					Agent: a,
				})
			}
			link(parallel)
		}
	}

	return head, nil
}
