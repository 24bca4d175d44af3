// Package partition splits a graph into non-overlapping communities by
// modularity optimization.
package partition

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// Config contains parameters for hierarchical Leiden clustering.
type Config struct {
	Resolution float64 // higher values give more, smaller communities
	Seed       uint64

	// Hierarchy settings. A community larger than MaxClusterSize is split
	// again one level deeper, with Resolution scaled by LevelResolution per
	// level.
	MaxLevels        int
	MinCommunitySize int
	MaxClusterSize   int
	LevelResolution  float64
}

// DefaultConfig returns the parameters used for report generation.
func DefaultConfig() Config {
	return Config{
		Resolution:       1.0,
		Seed:             42,
		MaxLevels:        5,
		MinCommunitySize: 3,
		MaxClusterSize:   10,
		LevelResolution:  0.7,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Resolution <= 0 {
		c.Resolution = def.Resolution
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = def.MaxLevels
	}
	if c.MinCommunitySize <= 0 {
		c.MinCommunitySize = def.MinCommunitySize
	}
	if c.MaxClusterSize <= 0 {
		c.MaxClusterSize = def.MaxClusterSize
	}
	if c.LevelResolution <= 0 {
		c.LevelResolution = def.LevelResolution
	}
	return c
}

// Result maps level -> community id -> member node keys. Level 0 assigns
// every node of the graph to exactly one community. Deeper levels only
// contain the parts of communities that were split further.
type Result map[int]map[int][]string

// Levels returns the levels present in r in ascending order.
func (r Result) Levels() []int {
	levels := make([]int, 0, len(r))
	for l := range r {
		levels = append(levels, l)
	}
	slices.Sort(levels)
	return levels
}

// Leiden partitions g, treating edges as undirected and parallel edges as
// additional weight. The result only depends on g and cfg.
func Leiden(g *graph.Graph, cfg Config) Result {
	cfg = cfg.withDefaults()
	res := Result{}
	if g.Len() == 0 {
		return res
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	all := make([]int, g.Len())
	for i := range all {
		all[i] = i
	}

	type splitTask struct {
		members []int
		level   int
	}
	queue := []splitTask{{members: all, level: 0}}

	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]

		resolution := cfg.Resolution * math.Pow(cfg.LevelResolution, float64(task.level))
		parts := partitionSubset(g, task.members, resolution, rng)
		if task.level > 0 && len(parts) <= 1 {
			continue
		}

		if res[task.level] == nil {
			res[task.level] = make(map[int][]string)
		}
		for _, members := range parts {
			id := len(res[task.level])
			res[task.level][id] = g.Keys(members)

			if len(members) > cfg.MaxClusterSize &&
				len(members) >= cfg.MinCommunitySize &&
				task.level+1 < cfg.MaxLevels {
				queue = append(queue, splitTask{members: members, level: task.level + 1})
			}
		}
	}
	return res
}

// partitionSubset runs the optimizer on the subgraph induced by members and
// returns the communities as lists of arena indices, ordered by their
// smallest member.
func partitionSubset(g *graph.Graph, members []int, resolution float64, rng *rand.Rand) [][]int {
	w := induce(g, members)
	membership := optimize(w, resolution, rng)

	byComm := make(map[int][]int)
	for local, c := range membership {
		byComm[c] = append(byComm[c], members[local])
	}
	parts := make([][]int, 0, len(byComm))
	for _, p := range byComm {
		slices.Sort(p)
		parts = append(parts, p)
	}
	slices.SortFunc(parts, func(a, b []int) int { return cmp.Compare(a[0], b[0]) })
	return parts
}
