// Package lineage builds a directed data-flow graph from the catalog's SQL
// definitions and answers upstream/downstream queries over it.
//
// Nodes are canonical object references. Edges run from the defining object
// to what its SQL touches: reads_from for FROM/JOIN sources, writes_to for
// DML targets, references for statements too opaque to classify. Data flows
// against reads_from edges and along writes_to edges; traversal follows
// flow, so "upstream" of a view is what it selects from, and "upstream" of
// a table includes the task that inserts into it.
//
// Graphs are immutable once built. The engine caches them per catalog
// snapshot and swaps references atomically on refresh.
package lineage

import (
	"sort"
	"strings"
	"time"

	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/sqlparse"
)

// EdgeKind classifies how the source object touches the destination.
type EdgeKind string

// Edge kinds.
const (
	EdgeReadsFrom  EdgeKind = "reads_from"
	EdgeWritesTo   EdgeKind = "writes_to"
	EdgeReferences EdgeKind = "references"
)

// Direction selects which way a lineage query walks.
type Direction string

// Traversal directions.
const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUpstream || d == DirectionDownstream || d == DirectionBoth
}

// Node is one graph vertex.
type Node struct {
	object.Ref

	// External marks references that did not resolve to a catalog object.
	External bool `json:"external,omitempty"`

	// ParseFailed marks catalog objects whose SQL definition could not be
	// analyzed; they contribute no outgoing edges.
	ParseFailed bool `json:"parse_failed,omitempty"`
}

// Edge is one directed edge. Confidence is 1 for unambiguous resolution and
// 1/n when the reference matched n candidate objects.
type Edge struct {
	Src        object.Ref `json:"src"`
	Dst        object.Ref `json:"dst"`
	Kind       EdgeKind   `json:"kind"`
	Confidence float64    `json:"confidence"`
}

// Graph is the immutable lineage graph for one catalog snapshot.
type Graph struct {
	nodes map[string]*Node
	edges []*Edge

	out map[string][]*Edge
	in  map[string][]*Edge

	// Resolution indexes over catalog (non-external) nodes.
	byName       map[string][]string
	bySchemaName map[string][]string

	parseFailed int
	lastBuild   time.Time
}

// Visit is one BFS step: the node and the depth it was first reached at.
type Visit struct {
	FQN   string
	Depth int
}

// LastBuild returns the catalog build timestamp the graph was derived from.
func (g *Graph) LastBuild() time.Time {
	return g.lastBuild
}

// ParseFailures returns how many definitions could not be analyzed.
func (g *Graph) ParseFailures() int {
	return g.parseFailed
}

// Node returns the node for an exact canonical FQN.
func (g *Graph) Node(fqn string) (*Node, bool) {
	n, ok := g.nodes[fqn]

	return n, ok
}

// Nodes returns all nodes sorted by FQN.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FQN() < out[j].FQN() })

	return out
}

// Edges returns all edges sorted by (src, dst, kind).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}

	sortEdges(out)

	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Src.FQN() != edges[j].Src.FQN() {
			return edges[i].Src.FQN() < edges[j].Src.FQN()
		}

		if edges[i].Dst.FQN() != edges[j].Dst.FQN() {
			return edges[i].Dst.FQN() < edges[j].Dst.FQN()
		}

		return edges[i].Kind < edges[j].Kind
	})
}

// buildGraph constructs the graph from a catalog snapshot. Per-object parse
// failures mark the node and are counted; they never abort construction.
func buildGraph(snap *catalog.Snapshot, lastBuild time.Time, parser sqlparse.Parser) *Graph {
	g := &Graph{
		nodes:        make(map[string]*Node, len(snap.Entries)),
		out:          make(map[string][]*Edge),
		in:           make(map[string][]*Edge),
		byName:       make(map[string][]string),
		bySchemaName: make(map[string][]string),
		lastBuild:    lastBuild,
	}

	for i := range snap.Entries {
		g.addCatalogNode(snap.Entries[i].Ref)
	}

	seen := make(map[string]*Edge)

	for i := range snap.Entries {
		entry := &snap.Entries[i]
		if !entry.Kind.CarriesSQL() || strings.TrimSpace(entry.DDL) == "" {
			continue
		}

		result, err := parser.Parse(entry.DDL)
		if err != nil {
			g.markParseFailed(entry.Ref)

			continue
		}

		for s := range result.Statements {
			stmt := &result.Statements[s]

			readKind := EdgeReadsFrom
			if stmt.Kind == sqlparse.KindUnknown {
				readKind = EdgeReferences
			}

			for _, ref := range stmt.References {
				g.connect(entry.Ref, ref, readKind, seen)
			}

			for _, ref := range stmt.Targets {
				g.connect(entry.Ref, ref, EdgeWritesTo, seen)
			}
		}
	}

	return g
}

// addCatalogNode registers a catalog object and its resolution index
// entries. When a table and a task share an FQN the relation kind labels
// the node.
func (g *Graph) addCatalogNode(ref object.Ref) {
	fqn := ref.FQN()

	if existing, ok := g.nodes[fqn]; ok {
		if preferKind(ref.Kind, existing.Kind) {
			existing.Kind = ref.Kind
		}

		return
	}

	g.nodes[fqn] = &Node{Ref: ref}

	name := strings.ToLower(ref.Name)
	g.byName[name] = append(g.byName[name], fqn)

	schemaName := strings.ToLower(ref.Schema + "." + ref.Name)
	g.bySchemaName[schemaName] = append(g.bySchemaName[schemaName], fqn)
}

// preferKind reports whether candidate should replace current as a node
// label. Relation kinds describe the dataset itself and win over code
// objects sharing the name.
func preferKind(candidate, current object.Kind) bool {
	isRelation := func(k object.Kind) bool {
		switch k {
		case object.KindTable, object.KindView, object.KindMaterializedView,
			object.KindDynamicTable, object.KindExternalTable:
			return true
		default:
			return false
		}
	}

	return current == "" || (isRelation(candidate) && !isRelation(current))
}

func (g *Graph) markParseFailed(ref object.Ref) {
	g.parseFailed++

	if n, ok := g.nodes[ref.FQN()]; ok {
		n.ParseFailed = true
	}
}

// connect resolves one parsed reference against the catalog and records
// the edge(s). Multiple candidates each get an edge with confidence 1/n;
// zero candidates produce an external node.
//
// A write target that resolves to the defining object itself is dropped:
// harvested definitions often carry their CREATE wrapper, and the created
// name is the object's identity, not a data flow. Self-references in the
// body (recursive definitions) are kept.
func (g *Graph) connect(src object.Ref, ref object.Ref, kind EdgeKind, seen map[string]*Edge) {
	candidates := g.resolve(ref, src)

	if kind == EdgeWritesTo && len(candidates) > 0 {
		kept := make([]string, 0, len(candidates))

		for _, fqn := range candidates {
			if fqn != src.FQN() {
				kept = append(kept, fqn)
			}
		}

		if len(kept) == 0 {
			return
		}

		candidates = kept
	}

	if len(candidates) == 0 {
		external := externalRef(ref, src)
		if kind == EdgeWritesTo && external.FQN() == src.FQN() {
			return
		}

		g.ensureExternal(external)
		g.addEdge(src, external, kind, 1, seen)

		return
	}

	confidence := 1.0 / float64(len(candidates))

	for _, fqn := range candidates {
		g.addEdge(src, g.nodes[fqn].Ref, kind, confidence, seen)
	}
}

// resolve maps a possibly-partial reference to candidate catalog FQNs.
//
// Order: exact canonical match for complete references; the referrer's
// database for partial ones, preferring the referrer's schema; a unique
// match anywhere in the catalog; otherwise all matches (ambiguous) or none
// (external).
func (g *Graph) resolve(ref object.Ref, referrer object.Ref) []string {
	switch {
	case ref.IsComplete():
		if _, ok := g.nodes[ref.FQN()]; ok {
			return []string{ref.FQN()}
		}

		return nil

	case ref.Schema != "":
		local := referrer.Database + "." + ref.Schema + "." + ref.Name
		if _, ok := g.nodes[local]; ok {
			return []string{local}
		}

		return g.bySchemaName[strings.ToLower(ref.Schema+"."+ref.Name)]

	default:
		sameSchema := referrer.Database + "." + referrer.Schema + "." + ref.Name
		if _, ok := g.nodes[sameSchema]; ok {
			return []string{sameSchema}
		}

		all := g.byName[strings.ToLower(ref.Name)]

		var inDB []string

		for _, fqn := range all {
			if g.nodes[fqn].Database == referrer.Database {
				inDB = append(inDB, fqn)
			}
		}

		if len(inDB) > 0 {
			return inDB
		}

		return all
	}
}

// externalRef qualifies an unresolved reference with the referrer's
// context so the external node has a stable identity.
func externalRef(ref object.Ref, referrer object.Ref) object.Ref {
	out := ref
	if out.Database == "" {
		out.Database = referrer.Database
	}

	if out.Schema == "" {
		out.Schema = referrer.Schema
	}

	out.Kind = ""

	return out
}

// ensureExternal adds an external node unless the FQN already exists.
// External nodes stay out of the resolution indexes; only catalog objects
// resolve names.
func (g *Graph) ensureExternal(ref object.Ref) {
	fqn := ref.FQN()
	if _, ok := g.nodes[fqn]; ok {
		return
	}

	g.nodes[fqn] = &Node{Ref: ref, External: true}
}

// addEdge records an edge, deduplicating on (src, dst, kind) and keeping
// the highest confidence.
func (g *Graph) addEdge(src, dst object.Ref, kind EdgeKind, confidence float64, seen map[string]*Edge) {
	key := src.FQN() + "\x00" + dst.FQN() + "\x00" + string(kind)

	if existing, ok := seen[key]; ok {
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}

		return
	}

	edge := &Edge{Src: src, Dst: dst, Kind: kind, Confidence: confidence}
	seen[key] = edge

	g.edges = append(g.edges, edge)
	g.out[src.FQN()] = append(g.out[src.FQN()], edge)
	g.in[dst.FQN()] = append(g.in[dst.FQN()], edge)
}

// Traverse walks the graph breadth-first from start, bounded by maxDepth.
// Returns visits in discovery order (start first at depth 0) and the edges
// whose endpoints were both visited. Each node is expanded at most once, at
// its shallowest depth, so cycles and self-loops terminate.
func (g *Graph) Traverse(start string, direction Direction, maxDepth int) ([]Visit, []Edge) {
	if _, ok := g.nodes[start]; !ok {
		return nil, nil
	}

	depths := map[string]int{start: 0}
	order := []Visit{{FQN: start, Depth: 0}}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		depth := depths[current]
		if depth >= maxDepth {
			continue
		}

		for _, next := range g.neighbors(current, direction) {
			if _, visited := depths[next]; visited {
				continue
			}

			depths[next] = depth + 1
			order = append(order, Visit{FQN: next, Depth: depth + 1})
			queue = append(queue, next)
		}
	}

	var subgraph []Edge

	for _, e := range g.edges {
		_, srcIn := depths[e.Src.FQN()]
		_, dstIn := depths[e.Dst.FQN()]

		if srcIn && dstIn {
			subgraph = append(subgraph, *e)
		}
	}

	sortEdges(subgraph)

	return order, subgraph
}

// neighbors lists the nodes one flow step away. Upstream means data
// sources: reads_from/references destinations plus writers into this node.
// Downstream means data consumers: readers of this node plus writes_to
// destinations.
func (g *Graph) neighbors(fqn string, direction Direction) []string {
	var out []string

	seen := make(map[string]bool)

	add := func(next string) {
		if !seen[next] {
			seen[next] = true

			out = append(out, next)
		}
	}

	if direction == DirectionUpstream || direction == DirectionBoth {
		for _, e := range g.out[fqn] {
			if e.Kind != EdgeWritesTo {
				add(e.Dst.FQN())
			}
		}

		for _, e := range g.in[fqn] {
			if e.Kind == EdgeWritesTo {
				add(e.Src.FQN())
			}
		}
	}

	if direction == DirectionDownstream || direction == DirectionBoth {
		for _, e := range g.in[fqn] {
			if e.Kind != EdgeWritesTo {
				add(e.Src.FQN())
			}
		}

		for _, e := range g.out[fqn] {
			if e.Kind == EdgeWritesTo {
				add(e.Dst.FQN())
			}
		}
	}

	return out
}

// match finds catalog nodes matching a user-supplied reference
// case-insensitively. Complete references filter the name index by
// database and schema; partial ones use the schema or name index directly.
func (g *Graph) match(ref object.Ref) []string {
	switch {
	case ref.IsComplete():
		var out []string

		for _, fqn := range g.byName[strings.ToLower(ref.Name)] {
			node := g.nodes[fqn]
			if strings.EqualFold(node.Database, ref.Database) &&
				strings.EqualFold(node.Schema, ref.Schema) {
				out = append(out, fqn)
			}
		}

		return out

	case ref.Schema != "":
		return g.bySchemaName[strings.ToLower(ref.Schema+"."+ref.Name)]

	default:
		return g.byName[strings.ToLower(ref.Name)]
	}
}
