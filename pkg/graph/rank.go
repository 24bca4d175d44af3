package graph

import (
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"
)

// ComputeRank sets every node's Rank to its degree.
func (g *Graph) ComputeRank() {
	for i, n := range g.nodes {
		n.Rank = g.Degree(i)
	}
}

// PageRankConfig holds configuration for PageRank computation.
type PageRankConfig struct {
	// DampingFactor is the probability of following an edge (default: 0.85).
	DampingFactor float64
	// Tolerance stops the power iteration once the 2-norm change between
	// iterations falls below it (default: 1e-6).
	Tolerance float64
}

// DefaultPageRankConfig returns the standard PageRank configuration.
func DefaultPageRankConfig() PageRankConfig {
	return PageRankConfig{
		DampingFactor: 0.85,
		Tolerance:     1e-6,
	}
}

// ComputePageRank runs edge-weighted PageRank over the graph and stores the
// score on every node. Parallel edges add weight and self loops are
// ignored. Rank mass of nodes without outgoing edges is spread uniformly.
// Scores sum to 1.
func (g *Graph) ComputePageRank(cfg PageRankConfig) {
	n := len(g.nodes)
	if n == 0 {
		return
	}
	def := DefaultPageRankConfig()
	if cfg.DampingFactor <= 0 || cfg.DampingFactor >= 1 {
		cfg.DampingFactor = def.DampingFactor
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}

	weights := make(map[[2]int]float64)
	for _, e := range g.edges {
		if e.From != e.To {
			weights[[2]int{e.From, e.To}]++
		}
	}
	wg := simple.NewWeightedDirectedGraph(0, 0)
	for i := range g.nodes {
		wg.AddNode(simple.Node(i))
	}
	for k, w := range weights {
		wg.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(k[0]), T: simple.Node(k[1]), W: w})
	}

	ranks := network.PageRankSparse(wg, cfg.DampingFactor, cfg.Tolerance)
	sum := 0.0
	for _, r := range ranks {
		sum += r
	}
	uniform := 1.0 / float64(n)
	for i, node := range g.nodes {
		if sum > 0 {
			node.PageRank = ranks[int64(i)] / sum
		} else {
			node.PageRank = uniform
		}
	}
}
