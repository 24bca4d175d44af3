package partition

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"

	kgraph "github.com/OFFIS-RIT/kgraph/pkg/graph"
)

type arc struct {
	to int
	w  float64
}

// wgraph is the undirected weighted view of a member subset. Node IDs are
// local indices in [0, n). Arcs are sorted by target, so neighbor order and
// therefore the optimizer's result only depend on the seed.
type wgraph struct {
	adj   [][]arc
	total float64 // sum of arc weights, 2m
}

var _ graph.WeightedUndirected = (*wgraph)(nil)

func (w *wgraph) len() int { return len(w.adj) }

// induce builds the weighted view of the subgraph spanned by members.
// Parallel edges in either direction add one unit of weight each.
func induce(g *kgraph.Graph, members []int) *wgraph {
	local := make(map[int]int, len(members))
	for i, m := range members {
		local[m] = i
	}

	weights := make([]map[int]float64, len(members))
	for i := range weights {
		weights[i] = make(map[int]float64)
	}
	for _, e := range g.Edges() {
		u, ok1 := local[e.From]
		v, ok2 := local[e.To]
		if !ok1 || !ok2 || u == v {
			continue
		}
		weights[u][v]++
		weights[v][u]++
	}

	w := &wgraph{adj: make([][]arc, len(weights))}
	for i, m := range weights {
		arcs := make([]arc, 0, len(m))
		for to, wt := range m {
			arcs = append(arcs, arc{to: to, w: wt})
			w.total += wt
		}
		slices.SortFunc(arcs, func(a, b arc) int { return cmp.Compare(a.to, b.to) })
		w.adj[i] = arcs
	}
	return w
}

func (w *wgraph) has(id int64) bool { return id >= 0 && id < int64(len(w.adj)) }

func (w *wgraph) Node(id int64) graph.Node {
	if !w.has(id) {
		return nil
	}
	return simple.Node(id)
}

func (w *wgraph) Nodes() graph.Nodes {
	if len(w.adj) == 0 {
		return graph.Empty
	}
	return iterator.NewImplicitNodes(0, len(w.adj), func(id int) graph.Node { return simple.Node(id) })
}

func (w *wgraph) From(id int64) graph.Nodes {
	if !w.has(id) || len(w.adj[id]) == 0 {
		return graph.Empty
	}
	nodes := make([]graph.Node, len(w.adj[id]))
	for i, a := range w.adj[id] {
		nodes[i] = simple.Node(a.to)
	}
	return iterator.NewOrderedNodes(nodes)
}

func (w *wgraph) HasEdgeBetween(xid, yid int64) bool {
	_, ok := w.Weight(xid, yid)
	return ok
}

func (w *wgraph) Edge(uid, vid int64) graph.Edge {
	return w.EdgeBetween(uid, vid)
}

func (w *wgraph) EdgeBetween(xid, yid int64) graph.Edge {
	e := w.WeightedEdgeBetween(xid, yid)
	if e == nil {
		return nil
	}
	return e
}

func (w *wgraph) WeightedEdge(uid, vid int64) graph.WeightedEdge {
	return w.WeightedEdgeBetween(uid, vid)
}

func (w *wgraph) WeightedEdgeBetween(xid, yid int64) graph.WeightedEdge {
	wt, ok := w.Weight(xid, yid)
	if !ok {
		return nil
	}
	return simple.WeightedEdge{F: simple.Node(xid), T: simple.Node(yid), W: wt}
}

// Weight returns the summed weight between x and y. There are no self loops.
func (w *wgraph) Weight(xid, yid int64) (float64, bool) {
	if !w.has(xid) || !w.has(yid) {
		return 0, false
	}
	arcs := w.adj[xid]
	i, ok := slices.BinarySearchFunc(arcs, int(yid), func(a arc, to int) int { return cmp.Compare(a.to, to) })
	if !ok {
		return 0, false
	}
	return arcs[i].w, true
}

// optimize returns a community id per node of w. Louvain finds the
// modularity communities, which are then split into their connected parts,
// so communities are connected within w.
func optimize(w *wgraph, resolution float64, rng *rand.Rand) []int {
	n := w.len()
	if n < 2 || w.total == 0 {
		membership := make([]int, n)
		for i := range membership {
			membership[i] = i
		}
		return membership
	}

	reduced := community.Modularize(w, resolution, rand.NewPCG(rng.Uint64(), rng.Uint64()))
	comm := make([]int, n)
	for c, members := range reduced.Communities() {
		for _, m := range members {
			comm[m.ID()] = c
		}
	}
	membership, _ := splitDisconnected(w, comm)
	return membership
}

// splitDisconnected splits every community into its connected components
// and renumbers them densely in order of their first node.
func splitDisconnected(w *wgraph, comm []int) ([]int, int) {
	n := w.len()
	out := make([]int, n)
	for i := range out {
		out[i] = -1
	}
	k := 0
	stack := make([]int, 0, 16)
	for start := range n {
		if out[start] >= 0 {
			continue
		}
		out[start] = k
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, a := range w.adj[u] {
				if out[a.to] < 0 && comm[a.to] == comm[start] {
					out[a.to] = k
					stack = append(stack, a.to)
				}
			}
		}
		k++
	}
	return out, k
}
