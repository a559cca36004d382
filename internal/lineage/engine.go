package lineage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/sqlparse"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Engine defaults.
const (
	DefaultDepth    = 3
	MaxDepth        = 10
	defaultGraphLRU = 4

	// maxSuggestions bounds the candidate list attached to not-found errors.
	maxSuggestions = 5
)

// Config parameterizes the engine. Zero values select defaults.
type Config struct {
	// Parser analyzes catalog SQL definitions. Defaults to the lexical
	// Snowflake parser.
	Parser sqlparse.Parser

	// DefaultDir is used when a request does not name a catalog directory.
	DefaultDir string

	// CacheDir, when set, persists built graphs to disk so a restarted
	// server skips re-parsing an unchanged catalog.
	CacheDir string

	// CacheSize bounds how many distinct catalog snapshots stay resident.
	CacheSize int

	Logger *slog.Logger
}

// Engine answers lineage queries over catalog snapshots. Graphs are built
// once per (directory, last_build) pair and shared; a rebuilt catalog is
// picked up on the next query because its last_build changes the cache key.
type Engine struct {
	parser     sqlparse.Parser
	defaultDir string
	cacheDir   string
	logger     *slog.Logger

	cache *lru.Cache[string, *Graph]
	group singleflight.Group
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Parser == nil {
		cfg.Parser = sqlparse.NewLexicalParser()
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultGraphLRU
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cache, _ := lru.New[string, *Graph](cfg.CacheSize)

	return &Engine{
		parser:     cfg.Parser,
		defaultDir: cfg.DefaultDir,
		cacheDir:   cfg.CacheDir,
		logger:     cfg.Logger,
		cache:      cache,
	}
}

// QueryRequest is one query_lineage call.
type QueryRequest struct {
	ObjectName string
	Direction  Direction
	Depth      int
	CatalogDir string
}

// QueryNode is one visited node with the depth it was first reached at.
type QueryNode struct {
	object.Ref

	FQN      string `json:"fqn"`
	External bool   `json:"external,omitempty"`
	Depth    int    `json:"depth"`
}

// QueryResult is the traversal outcome: the resolved start object, visited
// nodes in discovery order (start first), and the induced subgraph edges.
type QueryResult struct {
	Object      string      `json:"object"`
	Direction   Direction   `json:"direction"`
	Depth       int         `json:"depth"`
	Nodes       []QueryNode `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	ParseFailed int         `json:"parse_failed,omitempty"`
	LastBuild   time.Time   `json:"last_build"`
}

// Query resolves the named object and walks its lineage.
//
// The object name may be partial; it must match exactly one catalog object
// case-insensitively. Zero matches fail with not_found carrying the closest
// catalog names; multiple matches fail with ambiguous carrying every
// candidate.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	direction := req.Direction
	if direction == "" {
		direction = DirectionBoth
	}

	if !direction.Valid() {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"invalid direction %q", string(req.Direction)).
			WithData("path", "direction").
			WithSuggestions(`use "upstream", "downstream", or "both"`)
	}

	depth := req.Depth
	if depth == 0 {
		depth = DefaultDepth
	}

	if depth < 1 || depth > MaxDepth {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"depth %d out of range", req.Depth).
			WithData("path", "depth").
			WithSuggestions("pass a depth between 1 and 10")
	}

	g, err := e.graphFor(ctx, req.CatalogDir)
	if err != nil {
		return nil, err
	}

	start, err := e.lookup(g, req.ObjectName)
	if err != nil {
		return nil, err
	}

	visits, edges := g.Traverse(start, direction, depth)
	if edges == nil {
		edges = []Edge{}
	}

	nodes := make([]QueryNode, 0, len(visits))

	for _, v := range visits {
		node := g.nodes[v.FQN]
		nodes = append(nodes, QueryNode{
			Ref:      node.Ref,
			FQN:      v.FQN,
			External: node.External,
			Depth:    v.Depth,
		})
	}

	return &QueryResult{
		Object:      start,
		Direction:   direction,
		Depth:       depth,
		Nodes:       nodes,
		Edges:       edges,
		ParseFailed: g.parseFailed,
		LastBuild:   g.lastBuild,
	}, nil
}

// GraphRequest is one build_dependency_graph call.
type GraphRequest struct {
	Database   string
	Schema     string
	CatalogDir string
}

// DependencyGraph is the filtered whole-catalog graph. Nodes outside the
// filter appear when an in-scope edge crosses the boundary so every edge
// renders with both endpoints.
type DependencyGraph struct {
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	ParseFailed int       `json:"parse_failed,omitempty"`
	LastBuild   time.Time `json:"last_build"`
}

// DependencyGraph returns the dependency graph, optionally narrowed to one
// database or schema.
func (e *Engine) DependencyGraph(ctx context.Context, req GraphRequest) (*DependencyGraph, error) {
	g, err := e.graphFor(ctx, req.CatalogDir)
	if err != nil {
		return nil, err
	}

	database := object.Canonical(req.Database)
	schema := object.Canonical(req.Schema)

	inScope := func(ref object.Ref) bool {
		if database != "" && ref.Database != database {
			return false
		}

		if schema != "" && ref.Schema != schema {
			return false
		}

		return true
	}

	keep := make(map[string]bool)

	edges := []Edge{}

	for _, edge := range g.edges {
		if !inScope(edge.Src) && !inScope(edge.Dst) {
			continue
		}

		edges = append(edges, *edge)
		keep[edge.Src.FQN()] = true
		keep[edge.Dst.FQN()] = true
	}

	nodes := []Node{}

	for fqn, node := range g.nodes {
		if keep[fqn] || inScope(node.Ref) {
			nodes = append(nodes, *node)
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].FQN() < nodes[j].FQN() })
	sortEdges(edges)

	return &DependencyGraph{
		Nodes:       nodes,
		Edges:       edges,
		ParseFailed: g.parseFailed,
		LastBuild:   g.lastBuild,
	}, nil
}

// graphFor returns the graph for the catalog at dir, building it at most
// once per snapshot. Concurrent first queries share one build.
func (e *Engine) graphFor(ctx context.Context, dir string) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, taxonomy.Classify(err)
	}

	if dir == "" {
		dir = e.defaultDir
	}

	if dir == "" {
		return nil, taxonomy.New(taxonomy.CategoryConfiguration,
			"no catalog directory configured").
			WithSuggestions("pass catalog_dir or set CATALOG_DIR")
	}

	store := catalog.NewStore(dir)

	meta, err := store.ReadMetadata()
	if err != nil {
		return nil, catalogUnavailable(dir, err)
	}

	key := dir + "\x00" + meta.LastBuild.UTC().Format(time.RFC3339Nano)

	if g, ok := e.cache.Get(key); ok {
		return g, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		if g, ok := e.cache.Get(key); ok {
			return g, nil
		}

		if g, ok := e.loadCached(dir, meta.LastBuild); ok {
			e.cache.Add(key, g)

			return g, nil
		}

		snap, err := store.LoadSnapshot()
		if err != nil {
			return nil, catalogUnavailable(dir, err)
		}

		started := time.Now()
		g := buildGraph(snap, meta.LastBuild, e.parser)

		e.logger.Info("Lineage graph built",
			"catalog_dir", dir,
			"nodes", len(g.nodes),
			"edges", len(g.edges),
			"parse_failed", g.parseFailed,
			"elapsed", time.Since(started))

		e.saveCached(dir, g)
		e.cache.Add(key, g)

		return g, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Graph), nil
}

// catalogUnavailable maps catalog read failures onto the error taxonomy.
func catalogUnavailable(dir string, err error) error {
	switch {
	case errors.Is(err, catalog.ErrNoCatalog):
		return taxonomy.New(taxonomy.CategoryResource,
			"lineage requires a built catalog").
			WithCause(err).
			WithData("missing", "catalog").
			WithData("catalog_dir", dir).
			WithSuggestions(
				"run build_catalog first",
				"check that catalog_dir points at the build output",
			)
	case errors.Is(err, catalog.ErrMalformedMetadata):
		return taxonomy.New(taxonomy.CategoryConfiguration,
			"catalog metadata is malformed").
			WithCause(err).
			WithData("catalog_dir", dir).
			WithSuggestions("run build_catalog with force_full to rebuild")
	default:
		return taxonomy.New(taxonomy.CategoryConfiguration,
			"read catalog").
			WithCause(err).
			WithData("catalog_dir", dir)
	}
}

// lookup resolves a user-supplied object name to exactly one graph node.
func (e *Engine) lookup(g *Graph, name string) (string, error) {
	ref, err := object.ParseFQN(name)
	if err != nil {
		return "", taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"invalid object name %q", name).
			WithCause(err).
			WithData("path", "object_name")
	}

	// Exact canonical hit covers complete references and quoted
	// identifiers without an index scan.
	if ref.IsComplete() {
		if _, ok := g.nodes[ref.FQN()]; ok {
			return ref.FQN(), nil
		}
	}

	matches := g.match(ref)

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", taxonomy.Newf(taxonomy.CategoryNotFound,
			"object %q not found in catalog", name).
			WithObject(name).
			WithData("candidates", e.closestNames(g, ref.Name)).
			WithSuggestions(
				"check the spelling or qualify the name as database.schema.object",
				"run build_catalog if the object was created recently",
			)
	default:
		sort.Strings(matches)

		return "", taxonomy.Newf(taxonomy.CategoryAmbiguous,
			"object %q matches %d catalog objects", name, len(matches)).
			WithObject(name).
			WithData("candidates", matches).
			WithData("confidence", 1.0/float64(len(matches))).
			WithSuggestions("qualify the name as database.schema.object")
	}
}

// closestNames ranks catalog objects by edit distance to the queried name
// and returns up to five FQNs.
func (e *Engine) closestNames(g *Graph, name string) []string {
	lower := strings.ToLower(name)

	type scored struct {
		fqn      string
		distance int
	}

	var all []scored

	for fqn, node := range g.nodes {
		if node.External {
			continue
		}

		all = append(all, scored{
			fqn:      fqn,
			distance: levenshtein.ComputeDistance(lower, strings.ToLower(node.Name)),
		})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].distance != all[j].distance {
			return all[i].distance < all[j].distance
		}

		return all[i].fqn < all[j].fqn
	})

	if len(all) > maxSuggestions {
		all = all[:maxSuggestions]
	}

	out := make([]string, 0, len(all))
	for _, s := range all {
		out = append(out, s.fqn)
	}

	return out
}
