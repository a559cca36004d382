package lineage

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// cachedGraph is the on-disk form of a built graph. The catalog directory
// and build timestamp validate the cache against the snapshot it was
// derived from; a mismatch forces a rebuild.
type cachedGraph struct {
	CatalogDir  string    `json:"catalog_dir"`
	LastBuild   time.Time `json:"last_build"`
	ParseFailed int       `json:"parse_failed"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
}

// cachePath returns the cache file for one catalog directory. The name
// hashes the directory path so several catalogs can share one cache dir.
func (e *Engine) cachePath(catalogDir string) string {
	sum := sha256.Sum256([]byte(catalogDir))

	return filepath.Join(e.cacheDir, fmt.Sprintf("graph-%x.json", sum[:8]))
}

// loadCached restores a persisted graph if it matches the current catalog
// snapshot. Any failure is treated as a cache miss.
func (e *Engine) loadCached(catalogDir string, lastBuild time.Time) (*Graph, bool) {
	if e.cacheDir == "" {
		return nil, false
	}

	data, err := os.ReadFile(e.cachePath(catalogDir))
	if err != nil {
		return nil, false
	}

	var cached cachedGraph
	if err := json.Unmarshal(data, &cached); err != nil {
		e.logger.Warn("Discarding malformed lineage cache",
			"path", e.cachePath(catalogDir), "error", err)

		return nil, false
	}

	if cached.CatalogDir != catalogDir || !cached.LastBuild.Equal(lastBuild) {
		return nil, false
	}

	return restoreGraph(cached), true
}

// saveCached persists a built graph. Failures are logged and otherwise
// ignored; the cache is an optimization, not a source of truth.
func (e *Engine) saveCached(catalogDir string, g *Graph) {
	if e.cacheDir == "" {
		return
	}

	if err := os.MkdirAll(e.cacheDir, 0o755); err != nil {
		e.logger.Warn("Lineage cache dir unavailable", "dir", e.cacheDir, "error", err)

		return
	}

	payload := cachedGraph{
		CatalogDir:  catalogDir,
		LastBuild:   g.lastBuild,
		ParseFailed: g.parseFailed,
		Nodes:       g.Nodes(),
		Edges:       g.Edges(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("Encode lineage cache", "error", err)

		return
	}

	path := e.cachePath(catalogDir)
	if err := writeFileAtomic(path, data); err != nil {
		e.logger.Warn("Write lineage cache", "path", path, "error", err)
	}
}

// restoreGraph rebuilds the in-memory graph, including adjacency and name
// indexes, from its persisted parts.
func restoreGraph(cached cachedGraph) *Graph {
	g := &Graph{
		nodes:        make(map[string]*Node, len(cached.Nodes)),
		out:          make(map[string][]*Edge),
		in:           make(map[string][]*Edge),
		byName:       make(map[string][]string),
		bySchemaName: make(map[string][]string),
		parseFailed:  cached.ParseFailed,
		lastBuild:    cached.LastBuild,
	}

	for i := range cached.Nodes {
		node := cached.Nodes[i]
		if node.External {
			g.nodes[node.FQN()] = &node

			continue
		}

		g.addCatalogNode(node.Ref)
		g.nodes[node.FQN()].ParseFailed = node.ParseFailed
	}

	for i := range cached.Edges {
		edge := cached.Edges[i]

		g.edges = append(g.edges, &edge)
		g.out[edge.Src.FQN()] = append(g.out[edge.Src.FQN()], &edge)
		g.in[edge.Dst.FQN()] = append(g.in[edge.Dst.FQN()], &edge)
	}

	return g
}

// writeFileAtomic stages data in a temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return nil
}
