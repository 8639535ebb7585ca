package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders model as a Mermaid flowchart. Lanes become top-level
// nodes, their steps become subgraphs and every status class gets a classDef.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{}
	w.line(0, "graph TD")
	if model.Title != "" {
		w.line(1, "%% "+model.Title)
	}

	for _, n := range model.Nodes {
		w.node(1, n)
		for _, sg := range n.Children {
			w.line(1, fmt.Sprintf(`subgraph %s["%s: %s"]`,
				mermaidSafeID(n.ID+"_"+sg.Label), mermaidEscapeLabel(firstLine(n.Label)), sg.Label))
			for _, step := range sg.Nodes {
				w.node(2, step)
			}
			for _, e := range sg.Edges {
				w.edge(2, e)
			}
			w.line(1, "end")
		}
	}
	for _, e := range model.Edges {
		w.edge(1, e)
	}

	w.WriteByte('\n')
	w.classes(model)
	return w.String()
}

type mermaidWriter struct {
	strings.Builder
}

func (w *mermaidWriter) line(depth int, s string) {
	w.WriteString(strings.Repeat("    ", depth))
	w.WriteString(s)
	w.WriteByte('\n')
}

// node writes the definition of n, preceded by its failure message as a
// comment when there is one.
func (w *mermaidWriter) node(depth int, n *Node) {
	if n.Status != nil && n.Status.Error != "" {
		w.line(depth, fmt.Sprintf("%%%% %s failed: %s", n.ID, firstLine(n.Status.Error)))
	}
	w.line(depth, mermaidNodeDef(n))
}

func (w *mermaidWriter) edge(depth int, e Edge) {
	w.line(depth, mermaidSafeID(e.From)+" "+arrow(e.Label)+" "+mermaidSafeID(e.To))
}

// classes writes one classDef per render class and one class statement per
// class listing every node in it.
func (w *mermaidWriter) classes(model *DiagramModel) {
	members := make(map[string][]string)
	model.eachNode(func(n, _ *Node) {
		if _, ok := paintOf(n); ok {
			members[n.Status.Status] = append(members[n.Status.Status], mermaidSafeID(n.ID))
		}
	})

	for _, class := range renderClasses {
		p := palette[class]
		def := fmt.Sprintf("classDef %s fill:%s,stroke:%s,color:%s", class, p.fill, p.stroke, p.font)
		if p.dashed {
			def += ",stroke-dasharray:5 5"
		}
		w.line(1, def)
	}
	for _, class := range renderClasses {
		if ids := members[class]; len(ids) > 0 {
			w.line(1, "class "+strings.Join(ids, ",")+" "+class)
		}
	}
}

// mermaidNodeDef returns the node declaration with the shape of its kind.
func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := fmt.Sprintf("%q", mermaidEscapeLabel(firstLine(n.Label)))

	switch n.Kind {
	case NodeKindPipeline, NodeKindStages:
		return id + "[[" + label + "]]"
	case NodeKindFork:
		return id + "{{" + label + "}}"
	case NodeKindStrategy:
		return id + "{" + label + "}"
	case NodeKindStepGroup:
		return id + "([" + label + "])"
	case NodeKindStart, NodeKindEnd:
		return id + "((" + label + "))"
	default:
		return id + "[" + label + "]"
	}
}

// mermaidSafeID maps a vertex id onto the identifier alphabet Mermaid accepts.
func mermaidSafeID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(id)
}

// mermaidEscapeLabel replaces characters Mermaid cannot take inside a quoted label.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "'", "<", "&lt;", ">", "&gt;").Replace(s)
}
