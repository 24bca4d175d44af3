package graph

import (
	"errors"
	"slices"
)

// ErrNotFound is returned when a node key is not part of the graph.
var ErrNotFound = errors.New("graph: node not found")

// Edge is a directed, labeled edge between two arena indices.
type Edge struct {
	From     int
	To       int
	Relation string
}

// Graph is a directed multigraph. Nodes live in an arena and are addressed
// by index; a key index maps node keys to arena positions. Edges refer to
// indices so that renames never leave dangling references.
//
// Graph is not safe for concurrent mutation. Callers that share a graph
// between goroutines must serialize writes.
type Graph struct {
	nodes []*Node
	index map[string]int
	edges []Edge
	out   [][]int
	in    [][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// EdgeCount returns the number of edges, counting parallel edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// NodeAt returns the node at arena index i.
func (g *Graph) NodeAt(i int) *Node { return g.nodes[i] }

// Nodes returns the arena. The slice must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Edges returns all edges in insertion order. The slice must not be modified.
func (g *Graph) Edges() []Edge { return g.edges }

// Index returns the arena index for key.
func (g *Graph) Index(key string) (int, bool) {
	i, ok := g.index[key]
	return i, ok
}

// Node looks a node up by key.
func (g *Graph) Node(key string) (*Node, error) {
	i, ok := g.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return g.nodes[i], nil
}

// AddNode inserts n unless a node with the same key exists. It returns the
// arena index of the stored node and whether n was inserted.
func (g *Graph) AddNode(n *Node) (int, bool) {
	key := n.Key()
	if i, ok := g.index[key]; ok {
		return i, false
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[key] = i
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return i, true
}

// AddEdge appends a directed edge. Parallel edges are allowed.
func (g *Graph) AddEdge(from, to int, relation string) {
	e := len(g.edges)
	g.edges = append(g.edges, Edge{From: from, To: to, Relation: relation})
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
}

// Degree returns in-degree plus out-degree, counting parallel edges.
func (g *Graph) Degree(i int) int {
	return len(g.out[i]) + len(g.in[i])
}

// Successors returns the distinct targets of i's outgoing edges in the
// order they were first added.
func (g *Graph) Successors(i int) []int {
	return g.distinct(g.out[i], func(e Edge) int { return e.To })
}

// Predecessors returns the distinct sources of i's incoming edges.
func (g *Graph) Predecessors(i int) []int {
	return g.distinct(g.in[i], func(e Edge) int { return e.From })
}

func (g *Graph) distinct(edgeIdx []int, end func(Edge) int) []int {
	if len(edgeIdx) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(edgeIdx))
	res := make([]int, 0, len(edgeIdx))
	for _, e := range edgeIdx {
		v := end(g.edges[e])
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	return res
}

// OutEdges returns the outgoing edges of i.
func (g *Graph) OutEdges(i int) []Edge {
	res := make([]Edge, 0, len(g.out[i]))
	for _, e := range g.out[i] {
		res = append(res, g.edges[e])
	}
	return res
}

// EdgesBetween returns all edges from i to j.
func (g *Graph) EdgesBetween(i, j int) []Edge {
	var res []Edge
	for _, e := range g.out[i] {
		if g.edges[e].To == j {
			res = append(res, g.edges[e])
		}
	}
	return res
}

// HasEdgeRelation reports whether an edge from i to j carries relation.
func (g *Graph) HasEdgeRelation(i, j int, relation string) bool {
	for _, e := range g.out[i] {
		if g.edges[e].To == j && g.edges[e].Relation == relation {
			return true
		}
	}
	return false
}

// NodesAtLevel returns the arena indices of all nodes at level.
func (g *Graph) NodesAtLevel(level int) []int {
	var res []int
	for i, n := range g.nodes {
		if n.Level == level {
			res = append(res, i)
		}
	}
	return res
}

// Keys maps arena indices to node keys.
func (g *Graph) Keys(idx []int) []string {
	res := make([]string, len(idx))
	for k, i := range idx {
		res[k] = g.nodes[i].Key()
	}
	return res
}

// RemoveNodes drops every node for which drop returns true together with
// all incident edges, then compacts the arena. It returns the number of
// removed nodes.
func (g *Graph) RemoveNodes(drop func(*Node) bool) int {
	remap := make([]int, len(g.nodes))
	kept := make([]*Node, 0, len(g.nodes))
	for i, n := range g.nodes {
		if drop(n) {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, n)
	}
	removed := len(g.nodes) - len(kept)
	if removed == 0 {
		return 0
	}

	edges := g.edges
	g.nodes = nil
	g.index = make(map[string]int, len(kept))
	g.edges = nil
	g.out = nil
	g.in = nil
	for _, n := range kept {
		g.AddNode(n)
	}
	for _, e := range edges {
		from, to := remap[e.From], remap[e.To]
		if from < 0 || to < 0 {
			continue
		}
		g.AddEdge(from, to, e.Relation)
	}
	return removed
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes: make([]*Node, len(g.nodes)),
		index: make(map[string]int, len(g.index)),
		edges: slices.Clone(g.edges),
		out:   make([][]int, len(g.out)),
		in:    make([][]int, len(g.in)),
	}
	for i, n := range g.nodes {
		c.nodes[i] = n.clone()
	}
	for k, v := range g.index {
		c.index[k] = v
	}
	for i := range g.out {
		c.out[i] = slices.Clone(g.out[i])
		c.in[i] = slices.Clone(g.in[i])
	}
	return c
}
