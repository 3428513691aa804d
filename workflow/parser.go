package workflow

import (
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/taskloom/loom/types"
)

// Parse converts workflow text into the in-memory model.
//
// While streaming (isComplete=false) the input may be truncated at any
// byte; the text is repaired and a best-effort partial workflow is
// returned (nil before the root element appears), never an error. When
// isComplete=true a missing root element or undecodable structure is a
// hard failure, since a finished plan that fails to parse indicates a
// real model output fault.
//
// priorThought fills the thought field when the text carries none, so a
// replan keeps the previous rationale visible.
func Parse(taskID, text string, isComplete bool, priorThought string) (*Workflow, error) {
	start := strings.Index(text, "<root")
	if start < 0 {
		if isComplete {
			return nil, types.NewError(types.ErrInvalidWorkflow, "workflow text has no root element")
		}
		return nil, nil
	}

	segment := text[start:]
	if end := strings.Index(segment, "</root>"); end >= 0 {
		segment = segment[:end+len("</root>")]
	}

	repaired := RepairText(segment)

	w, rawDeps, err := decodeWorkflow(taskID, repaired)
	if err != nil && isComplete {
		return nil, types.NewError(types.ErrInvalidWorkflow, "malformed workflow text").WithCause(err)
	}
	if w == nil {
		if isComplete {
			return nil, types.NewError(types.ErrInvalidWorkflow, "workflow text has no root element")
		}
		return nil, nil
	}

	if w.Thought == "" {
		w.Thought = priorThought
	}

	resolveDependencies(w, rawDeps)
	if isComplete {
		deriveParallel(w)
	}

	idx := agentIndexMap(w)
	for _, a := range w.Agents {
		a.XML = serializeAgent(a, idx)
	}
	w.XML = Serialize(w)
	return w, nil
}

// decodeWorkflow token-walks repaired markup into a workflow. On a
// decode error it returns whatever was built so far along with the
// error, so streaming callers can keep the partial model.
func decodeWorkflow(taskID, repaired string) (*Workflow, map[*Agent]string, error) {
	dec := xml.NewDecoder(strings.NewReader(repaired))
	rawDeps := make(map[*Agent]string)

	var w *Workflow
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return w, rawDeps, nil
		}
		if err != nil {
			return w, rawDeps, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "root" {
			if err := dec.Skip(); err != nil {
				return w, rawDeps, err
			}
			continue
		}
		w = &Workflow{TaskID: taskID}
		if err := decodeRoot(dec, w, rawDeps); err != nil {
			return w, rawDeps, err
		}
	}
}

func decodeRoot(dec *xml.Decoder, w *Workflow, rawDeps map[*Agent]string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return ignoreEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				text, err := collectText(dec)
				w.Name = text
				if err != nil {
					return ignoreEOF(err)
				}
			case "thought":
				text, err := collectText(dec)
				w.Thought = text
				if err != nil {
					return ignoreEOF(err)
				}
			case "agents":
				if err := decodeAgents(dec, w, rawDeps); err != nil {
					return ignoreEOF(err)
				}
			default:
				if err := dec.Skip(); err != nil {
					return ignoreEOF(err)
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeAgents(dec *xml.Decoder, w *Workflow, rawDeps map[*Agent]string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "agent" {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			a := &Agent{
				ID:     agentID(len(w.Agents)),
				Name:   attrValue(t, "name"),
				Status: AgentStatusInit,
			}
			rawDeps[a] = attrValue(t, "dependsOn")
			w.Agents = append(w.Agents, a)
			if err := decodeAgent(dec, a); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeAgent(dec *xml.Decoder, a *Agent) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "task":
				text, err := collectText(dec)
				a.Task = text
				if err != nil {
					return err
				}
			case "nodes":
				nodes, err := decodeNodes(dec, true)
				a.Nodes = nodes
				if err != nil {
					return err
				}
			default:
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// decodeNodes reads a node sequence. Watch nodes are only legal at the
// top level of an agent; nested watches are dropped.
func decodeNodes(dec *xml.Decoder, allowWatch bool) ([]Node, error) {
	var nodes []Node
	for {
		tok, err := dec.Token()
		if err != nil {
			return nodes, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "node":
				n := &TextNode{
					Input:  attrValue(t, "input"),
					Output: attrValue(t, "output"),
				}
				text, err := collectText(dec)
				n.Text = text
				nodes = append(nodes, n)
				if err != nil {
					return nodes, err
				}
			case "forEach":
				n := &ForEachNode{Items: attrValue(t, "items")}
				children, err := decodeNodes(dec, false)
				n.Nodes = children
				nodes = append(nodes, n)
				if err != nil {
					return nodes, err
				}
			case "watch":
				if !allowWatch {
					if err := dec.Skip(); err != nil {
						return nodes, err
					}
					continue
				}
				n := &WatchNode{
					Event: WatchEvent(attrValue(t, "event")),
					Loop:  attrValue(t, "loop") == "true",
				}
				if err := decodeWatch(dec, n); err != nil {
					return append(nodes, n), err
				}
				nodes = append(nodes, n)
			default:
				if err := dec.Skip(); err != nil {
					return nodes, err
				}
			}
		case xml.EndElement:
			return nodes, nil
		}
	}
}

func decodeWatch(dec *xml.Decoder, n *WatchNode) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "description":
				text, err := collectText(dec)
				n.Description = text
				if err != nil {
					return err
				}
			case "trigger":
				triggers, err := decodeNodes(dec, false)
				n.Triggers = append(n.Triggers, triggers...)
				if err != nil {
					return err
				}
			default:
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// collectText concatenates character data up to the matching end
// element, skipping any unexpected child elements.
func collectText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return strings.TrimSpace(b.String()), err
		}
		switch tok.(type) {
		case xml.CharData:
			if depth == 0 {
				b.Write(tok.(xml.CharData))
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return strings.TrimSpace(b.String()), nil
			}
			depth--
		}
	}
}

// resolveDependencies converts comma-separated sibling indices into
// agent identifiers, dropping out-of-range and self references.
func resolveDependencies(w *Workflow, rawDeps map[*Agent]string) {
	for i, a := range w.Agents {
		raw, ok := rawDeps[a]
		if !ok || strings.TrimSpace(raw) == "" {
			a.DependsOn = nil
			continue
		}
		seen := make(map[string]struct{})
		var deps []string
		for _, part := range strings.Split(raw, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || idx < 0 || idx >= len(w.Agents) || idx == i {
				continue
			}
			id := agentID(idx)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
		a.DependsOn = deps
	}
}

// deriveParallel marks an agent parallel iff at least one sibling has an
// identical resolved dependency set, order-insensitive. Agents that are
// mutual fan-out targets of the same predecessors may run concurrently.
func deriveParallel(w *Workflow) {
	counts := make(map[string]int, len(w.Agents))
	for _, a := range w.Agents {
		counts[depSetKey(a.DependsOn)]++
	}
	for _, a := range w.Agents {
		a.Parallel = counts[depSetKey(a.DependsOn)] > 1
	}
}

// depSetKey builds an order-insensitive key for a dependency set.
func depSetKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func attrValue(se xml.StartElement, name string) string {
	for _, attr := range se.Attr {
		if attr.Name.Local == name {
			return attr.Value
		}
	}
	return ""
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
