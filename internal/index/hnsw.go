package index

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"engram/internal/vecmath"
)

// GraphConfig configures the HNSW graph.
type GraphConfig struct {
	M              int     // links per inserted node; cap on upper layers, 2M on layer 0 (default 16)
	EfConstruction int     // beam width while inserting (default 200)
	EfSearch       int     // beam width while querying (default 64)
	LevelMult      float64 // level multiplier (default 1/ln(M))
	Seed           int64   // level generator seed (default 1)
}

func (c GraphConfig) withDefaults() GraphConfig {
	if c.M <= 1 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.LevelMult == 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Edge is one neighbor link. Fields are exported for gob.
type Edge struct {
	Node uint32
	Dist float64
}

// graphNode is a graph vertex. Fields are exported for gob.
type graphNode struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]Edge // Neighbors[layer], ascending by distance
}

// Result is one search hit.
type Result struct {
	ID       string
	Distance float64 // cosine distance, 0 = identical direction
}

// Score returns the cosine similarity for the hit.
func (r Result) Score() float64 { return 1 - r.Distance }

// Graph is a Hierarchical Navigable Small World graph over cosine distance.
// It is safe for one writer and many concurrent readers.
type Graph struct {
	nodes    []graphNode
	ids      map[string]uint32
	entry    int32 // -1 when empty
	maxLevel int
	dim      int
	cfg      GraphConfig
	rng      *rand.Rand
	mu       sync.RWMutex
}

// NewGraph creates an empty graph.
func NewGraph(cfg GraphConfig) *Graph {
	cfg = cfg.withDefaults()
	return &Graph{
		ids:   make(map[string]uint32),
		entry: -1,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Layers returns the number of layers currently in use.
func (g *Graph) Layers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entry < 0 {
		return 0
	}
	return g.maxLevel + 1
}

// Contains reports whether id is in the graph.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.ids[id]
	return ok
}

// Insert adds id with vector v. It returns false without error when id is
// already present.
func (g *Graph) Insert(id string, v []float32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.ids[id]; ok {
		return false, nil
	}
	if len(v) == 0 {
		return false, fmt.Errorf("%w: empty vector for %q", ErrDimensionMismatch, id)
	}
	if g.dim == 0 {
		g.dim = len(v)
	} else if len(v) != g.dim {
		return false, fmt.Errorf("%w: %q has %d, graph has %d", ErrDimensionMismatch, id, len(v), g.dim)
	}

	g.insert(id, vecmath.Clone(v))
	return true, nil
}

func (g *Graph) insert(id string, v []float32) {
	level := g.randomLevel()
	idx := uint32(len(g.nodes))

	n := graphNode{
		ID:        id,
		Vector:    v,
		Level:     level,
		Neighbors: make([][]Edge, level+1),
	}
	g.nodes = append(g.nodes, n)
	g.ids[id] = idx

	if g.entry < 0 {
		g.entry = int32(idx)
		g.maxLevel = level
		return
	}

	curr := uint32(g.entry)
	for l := g.maxLevel; l > level; l-- {
		curr = g.greedy(v, curr, l)
	}

	for l := min(level, g.maxLevel); l >= 0; l-- {
		found := g.searchLayer(v, curr, g.cfg.EfConstruction, l)
		g.connect(idx, found, l)
		if len(found) > 0 {
			curr = found[0].node
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = int32(idx)
	}
}

// randomLevel draws a level from the usual exponential distribution, capped
// so the layer count grows with log_M of the graph size.
func (g *Graph) randomLevel() int {
	r := 1 - g.rng.Float64() // (0, 1]
	level := int(-math.Log(r) * g.cfg.LevelMult)
	if limit := g.levelCap(); level > limit {
		level = limit
	}
	return level
}

func (g *Graph) levelCap() int {
	n := float64(len(g.nodes) + 1)
	return int(math.Log(n) / math.Log(float64(g.cfg.M)))
}

func (g *Graph) dist(q []float32, idx uint32) float64 {
	return vecmath.Distance(q, g.nodes[idx].Vector)
}

// closer orders candidates by distance, then by id.
func (g *Graph) closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return g.nodes[a.node].ID < g.nodes[b.node].ID
}

// greedy walks layer l toward q and returns the local minimum.
func (g *Graph) greedy(q []float32, entry uint32, l int) uint32 {
	best := candidate{node: entry, dist: g.dist(q, entry)}
	for {
		changed := false
		if l < len(g.nodes[best.node].Neighbors) {
			for _, e := range g.nodes[best.node].Neighbors[l] {
				c := candidate{node: e.Node, dist: g.dist(q, e.Node)}
				if g.closer(c, best) {
					best = c
					changed = true
				}
			}
		}
		if !changed {
			return best.node
		}
	}
}

// searchLayer is the ef-bounded beam search on layer l. The result is sorted
// closest first.
func (g *Graph) searchLayer(q []float32, entry uint32, ef, l int) []candidate {
	visited := map[uint32]bool{entry: true}
	start := candidate{node: entry, dist: g.dist(q, entry)}

	cands := &candHeap{g: g}
	results := &candHeap{g: g, farthestFirst: true}
	heap.Push(cands, start)
	heap.Push(results, start)

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && g.closer(results.items[0], c) {
			break
		}
		if l >= len(g.nodes[c.node].Neighbors) {
			continue
		}
		for _, e := range g.nodes[c.node].Neighbors[l] {
			if visited[e.Node] {
				continue
			}
			visited[e.Node] = true
			nc := candidate{node: e.Node, dist: g.dist(q, e.Node)}
			if results.Len() < ef || g.closer(nc, results.items[0]) {
				heap.Push(cands, nc)
				heap.Push(results, nc)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// maxNeighbors is the neighbor list cap on layer l. The base layer holds
// every node and gets twice the links.
func (g *Graph) maxNeighbors(l int) int {
	if l == 0 {
		return 2 * g.cfg.M
	}
	return g.cfg.M
}

// selectNeighbors picks up to m of cands, which are sorted closest first to
// some base node. A candidate is taken only when it is closer to the base
// than to every candidate already taken, so links spread across clusters
// instead of all pointing into the nearest one. Remaining slots are filled
// with the closest rejected candidates.
func (g *Graph) selectNeighbors(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	selected := make([]candidate, 0, m)
	var rejected []candidate
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, s := range selected {
			if vecmath.Distance(g.nodes[c.node].Vector, g.nodes[s.node].Vector) <= c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	for _, c := range rejected {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	g.sortCandidates(selected)
	return selected
}

// connect links idx to up to M diverse candidates on layer l and adds the
// reverse links, re-selecting any neighbor list that grows past its cap.
func (g *Graph) connect(idx uint32, found []candidate, l int) {
	selected := g.selectNeighbors(found, g.cfg.M)

	edges := make([]Edge, 0, len(selected))
	for _, c := range selected {
		edges = append(edges, Edge{Node: c.node, Dist: c.dist})
	}
	g.nodes[idx].Neighbors[l] = edges

	limit := g.maxNeighbors(l)
	for _, c := range selected {
		nb := &g.nodes[c.node]
		if l >= len(nb.Neighbors) {
			continue
		}
		nb.Neighbors[l] = append(nb.Neighbors[l], Edge{Node: idx, Dist: c.dist})
		if len(nb.Neighbors[l]) <= limit {
			continue
		}
		cands := make([]candidate, len(nb.Neighbors[l]))
		for i, e := range nb.Neighbors[l] {
			cands[i] = candidate{node: e.Node, dist: e.Dist}
		}
		g.sortCandidates(cands)
		kept := g.selectNeighbors(cands, limit)
		pruned := make([]Edge, len(kept))
		for i, k := range kept {
			pruned[i] = Edge{Node: k.node, Dist: k.dist}
		}
		nb.Neighbors[l] = pruned
	}
}

func (g *Graph) sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return g.closer(cands[i], cands[j]) })
}

// Search returns up to k nearest nodes to q, closest first. Equal distances
// are ordered by id.
func (g *Graph) Search(q []float32, k int) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entry < 0 || k <= 0 || len(q) != g.dim {
		return nil
	}

	curr := uint32(g.entry)
	for l := g.maxLevel; l > 0; l-- {
		curr = g.greedy(q, curr, l)
	}

	found := g.searchLayer(q, curr, max(g.cfg.EfSearch, k), 0)
	if len(found) > k {
		found = found[:k]
	}
	results := make([]Result, len(found))
	for i, c := range found {
		results[i] = Result{ID: g.nodes[c.node].ID, Distance: c.dist}
	}
	return results
}

// graphData is the serialized form of a Graph.
type graphData struct {
	Nodes    []graphNode
	Entry    int32
	MaxLevel int
	Dim      int
	Cfg      GraphConfig
}

// MarshalBinary encodes the graph with gob.
func (g *Graph) MarshalBinary() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(graphData{
		Nodes:    g.nodes,
		Entry:    g.entry,
		MaxLevel: g.maxLevel,
		Dim:      g.dim,
		Cfg:      g.cfg,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the graph with a previously marshaled one.
func (g *Graph) UnmarshalBinary(data []byte) error {
	var d graphData
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&d); err != nil {
		return err
	}

	ids := make(map[string]uint32, len(d.Nodes))
	for i, n := range d.Nodes {
		if len(n.Neighbors) != n.Level+1 {
			return fmt.Errorf("node %q: %d neighbor layers for level %d", n.ID, len(n.Neighbors), n.Level)
		}
		for _, layer := range n.Neighbors {
			for _, e := range layer {
				if int(e.Node) >= len(d.Nodes) {
					return fmt.Errorf("node %q links to missing node %d", n.ID, e.Node)
				}
			}
		}
		ids[n.ID] = uint32(i)
	}
	if d.Entry >= int32(len(d.Nodes)) {
		return fmt.Errorf("entry point %d out of range", d.Entry)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = d.Nodes
	g.ids = ids
	g.entry = d.Entry
	g.maxLevel = d.MaxLevel
	g.dim = d.Dim
	g.cfg = d.Cfg.withDefaults()
	g.rng = rand.New(rand.NewSource(g.cfg.Seed + int64(len(d.Nodes))))
	return nil
}

type candidate struct {
	node uint32
	dist float64
}

// candHeap is a container/heap of candidates. By default the closest
// candidate is on top; with farthestFirst the farthest is.
type candHeap struct {
	g             *Graph
	items         []candidate
	farthestFirst bool
}

func (h *candHeap) Len() int { return len(h.items) }
func (h *candHeap) Less(i, j int) bool {
	if h.farthestFirst {
		return h.g.closer(h.items[j], h.items[i])
	}
	return h.g.closer(h.items[i], h.items[j])
}
func (h *candHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candHeap) Push(x any)   { h.items = append(h.items, x.(candidate)) }
func (h *candHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
