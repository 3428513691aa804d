package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serialize regenerates canonical workflow text from the model. It is
// the exact inverse of Parse for a structurally valid workflow: node
// identifiers are renumbered sequentially per agent and dependencies are
// emitted as resolved sibling indices.
func Serialize(w *Workflow) string {
	idx := agentIndexMap(w)

	var b strings.Builder
	b.WriteString("<root>\n")
	b.WriteString("  <name>")
	writeEscapedText(&b, w.Name)
	b.WriteString("</name>\n")
	b.WriteString("  <thought>")
	writeEscapedText(&b, w.Thought)
	b.WriteString("</thought>\n")
	b.WriteString("  <agents>\n")
	for _, a := range w.Agents {
		writeAgent(&b, a, idx, "    ")
	}
	b.WriteString("  </agents>\n")
	b.WriteString("</root>")
	return b.String()
}

// serializeAgent regenerates one agent's textual fragment.
func serializeAgent(a *Agent, idx map[string]int) string {
	var b strings.Builder
	writeAgent(&b, a, idx, "")
	return strings.TrimRight(b.String(), "\n")
}

func writeAgent(b *strings.Builder, a *Agent, idx map[string]int, indent string) {
	b.WriteString(indent)
	b.WriteString(`<agent name="`)
	writeEscapedValue(b, a.Name)
	b.WriteString(`" id="`)
	b.WriteString(strconv.Itoa(idx[a.ID]))
	b.WriteString(`" dependsOn="`)
	b.WriteString(dependsOnIndices(a.DependsOn, idx))
	b.WriteString("\">\n")

	b.WriteString(indent)
	b.WriteString("  <task>")
	writeEscapedText(b, a.Task)
	b.WriteString("</task>\n")

	b.WriteString(indent)
	b.WriteString("  <nodes>\n")
	for i, n := range a.Nodes {
		writeNode(b, n, i, indent+"    ", true)
	}
	b.WriteString(indent)
	b.WriteString("  </nodes>\n")

	b.WriteString(indent)
	b.WriteString("</agent>\n")
}

// writeNode emits one node. Only top-level nodes carry the sequential
// per-agent identifier.
func writeNode(b *strings.Builder, n Node, seq int, indent string, topLevel bool) {
	switch node := n.(type) {
	case *TextNode:
		b.WriteString(indent)
		b.WriteString("<node")
		if topLevel {
			b.WriteString(fmt.Sprintf(` id="%d"`, seq))
		}
		if node.Input != "" {
			b.WriteString(` input="`)
			writeEscapedValue(b, node.Input)
			b.WriteString(`"`)
		}
		if node.Output != "" {
			b.WriteString(` output="`)
			writeEscapedValue(b, node.Output)
			b.WriteString(`"`)
		}
		b.WriteString(">")
		writeEscapedText(b, node.Text)
		b.WriteString("</node>\n")

	case *ForEachNode:
		b.WriteString(indent)
		b.WriteString("<forEach")
		if topLevel {
			b.WriteString(fmt.Sprintf(` id="%d"`, seq))
		}
		b.WriteString(` items="`)
		writeEscapedValue(b, node.Items)
		b.WriteString("\">\n")
		for _, child := range node.Nodes {
			writeNode(b, child, 0, indent+"  ", false)
		}
		b.WriteString(indent)
		b.WriteString("</forEach>\n")

	case *WatchNode:
		b.WriteString(indent)
		b.WriteString("<watch")
		if topLevel {
			b.WriteString(fmt.Sprintf(` id="%d"`, seq))
		}
		b.WriteString(` event="`)
		writeEscapedValue(b, string(node.Event))
		b.WriteString(`" loop="`)
		b.WriteString(strconv.FormatBool(node.Loop))
		b.WriteString("\">\n")
		b.WriteString(indent)
		b.WriteString("  <description>")
		writeEscapedText(b, node.Description)
		b.WriteString("</description>\n")
		b.WriteString(indent)
		b.WriteString("  <trigger>\n")
		for _, child := range node.Triggers {
			writeNode(b, child, 0, indent+"    ", false)
		}
		b.WriteString(indent)
		b.WriteString("  </trigger>\n")
		b.WriteString(indent)
		b.WriteString("</watch>\n")
	}
}

// dependsOnIndices renders a dependency set as sorted sibling indices.
func dependsOnIndices(deps []string, idx map[string]int) string {
	indices := make([]int, 0, len(deps))
	for _, dep := range deps {
		if i, ok := idx[dep]; ok {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// writeEscapedText escapes markup-significant characters in character
// data without double-escaping existing entities.
func writeEscapedText(b *strings.Builder, text string) {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '&':
			if isEntityStart(text[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(text[i])
		}
	}
}

// SimpleWorkflowParams describes a workflow built directly from
// parameters, bypassing the planner entirely.
type SimpleWorkflowParams struct {
	TaskID    string
	Name      string
	AgentName string
	Task      string
	Steps     []string
}

// BuildSimpleWorkflow constructs a single-agent workflow without going
// through the parser. With no steps, the task description becomes the
// single instruction node.
func BuildSimpleWorkflow(p SimpleWorkflowParams) *Workflow {
	steps := p.Steps
	if len(steps) == 0 {
		steps = []string{p.Task}
	}
	nodes := make([]Node, 0, len(steps))
	for _, step := range steps {
		nodes = append(nodes, &TextNode{Text: step})
	}

	a := &Agent{
		ID:     agentID(0),
		Name:   p.AgentName,
		Task:   p.Task,
		Nodes:  nodes,
		Status: AgentStatusInit,
	}
	w := &Workflow{
		TaskID: p.TaskID,
		Name:   p.Name,
		Agents: []*Agent{a},
	}
	idx := agentIndexMap(w)
	a.XML = serializeAgent(a, idx)
	w.XML = Serialize(w)
	return w
}
