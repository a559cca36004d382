package lineage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snowlens-io/snowlens/internal/object"
)

// RenderText formats a query result as indented plain text, nodes grouped
// by discovery depth followed by the subgraph edges.
func RenderText(result *QueryResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Lineage for %s (%s, depth %d)\n",
		result.Object, result.Direction, result.Depth)

	for _, node := range result.Nodes {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", node.Depth+1))
		fmt.Fprintf(&b, "[%d] %s", node.Depth, node.FQN)

		var notes []string

		if node.Kind != "" {
			notes = append(notes, string(node.Kind))
		}

		if node.External {
			notes = append(notes, "external")
		}

		if len(notes) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(notes, ", "))
		}
	}

	b.WriteString("\n")

	if len(result.Edges) > 0 {
		b.WriteString("\nEdges:\n")

		for _, edge := range result.Edges {
			fmt.Fprintf(&b, "  %s -> %s [%s%s]\n",
				edge.Src.FQN(), edge.Dst.FQN(), edge.Kind, confidenceNote(edge))
		}
	}

	if result.ParseFailed > 0 {
		fmt.Fprintf(&b, "\n%d object definition(s) could not be parsed; their edges are missing.\n",
			result.ParseFailed)
	}

	return b.String()
}

func confidenceNote(edge Edge) string {
	if edge.Confidence >= 1 {
		return ""
	}

	return fmt.Sprintf(", confidence %.2f", edge.Confidence)
}

// RenderDOT formats a dependency graph in Graphviz DOT, one cluster per
// database.schema. External references render dashed; SQL-bearing objects
// render as ellipses, datasets as boxes.
func RenderDOT(graph *DependencyGraph) string {
	var b strings.Builder

	b.WriteString("digraph dependencies {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n")

	clusters := make(map[string][]Node)

	for _, node := range graph.Nodes {
		scope := node.Database + "." + node.Schema
		clusters[scope] = append(clusters[scope], node)
	}

	scopes := make([]string, 0, len(clusters))
	for scope := range clusters {
		scopes = append(scopes, scope)
	}

	sort.Strings(scopes)

	for i, scope := range scopes {
		fmt.Fprintf(&b, "\n  subgraph cluster_%d {\n", i)
		fmt.Fprintf(&b, "    label=%s;\n", dotQuote(scope))

		for _, node := range clusters[scope] {
			fmt.Fprintf(&b, "    %s [label=%s%s];\n",
				dotQuote(node.FQN()), dotQuote(node.Name), dotNodeAttrs(node))
		}

		b.WriteString("  }\n")
	}

	if len(graph.Edges) > 0 {
		b.WriteString("\n")

		for _, edge := range graph.Edges {
			fmt.Fprintf(&b, "  %s -> %s [label=%s%s];\n",
				dotQuote(edge.Src.FQN()), dotQuote(edge.Dst.FQN()),
				dotQuote(string(edge.Kind)), dotEdgeAttrs(edge))
		}
	}

	b.WriteString("}\n")

	return b.String()
}

func dotNodeAttrs(node Node) string {
	var attrs []string

	switch node.Kind {
	case object.KindView, object.KindMaterializedView, object.KindDynamicTable:
		attrs = append(attrs, "shape=ellipse")
	case object.KindTask, object.KindProcedure, object.KindFunction:
		attrs = append(attrs, "shape=component")
	default:
		attrs = append(attrs, "shape=box")
	}

	if node.External {
		attrs = append(attrs, "style=dashed")
	}

	return ", " + strings.Join(attrs, ", ")
}

func dotEdgeAttrs(edge Edge) string {
	var attrs []string

	switch edge.Kind {
	case EdgeWritesTo:
		attrs = append(attrs, "style=bold")
	case EdgeReferences:
		attrs = append(attrs, "style=dashed")
	}

	if edge.Confidence < 1 {
		attrs = append(attrs, fmt.Sprintf("penwidth=%.2f", edge.Confidence))
	}

	if len(attrs) == 0 {
		return ""
	}

	return ", " + strings.Join(attrs, ", ")
}

// dotQuote escapes a string as a quoted DOT ID.
func dotQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)

	return `"` + s + `"`
}
