package graph

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

type pair struct {
	from string
	to   string
}

// Merge combines sub into a copy of existing and returns the copy; neither
// input is modified. A nil existing graph is treated as empty.
//
// Nodes new to existing are inserted with their full payload. Nodes present
// in both keep the existing payload and gain the union of both provenance
// lists. An edge of sub is added only when existing had no edge between the
// same ordered pair before the merge, so prior relations are never
// overwritten and re-merging the same sub-graph adds nothing.
func Merge(existing, sub *Graph) *Graph {
	var out *Graph
	if existing == nil {
		out = New()
	} else {
		out = existing.Clone()
	}

	known := make(map[pair]struct{}, len(out.edges))
	for _, e := range out.edges {
		known[pair{out.nodes[e.From].Key(), out.nodes[e.To].Key()}] = struct{}{}
	}

	remap := make([]int, sub.Len())
	for i, n := range sub.nodes {
		if j, ok := out.index[n.Key()]; ok {
			target := out.nodes[j]
			target.Properties.FileNames = unionFileNames(target.Properties.FileNames, n.Properties.FileNames)
			remap[i] = j
			continue
		}
		j, _ := out.AddNode(n.clone())
		remap[i] = j
	}

	for _, e := range sub.edges {
		p := pair{sub.nodes[e.From].Key(), sub.nodes[e.To].Key()}
		if _, ok := known[p]; ok {
			continue
		}
		out.AddEdge(remap[e.From], remap[e.To], e.Relation)
	}

	return out
}

// unionFileNames returns the sorted set union of a and b. Two empty inputs
// yield nil so that nodes without provenance stay without it.
func unionFileNames(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := mapset.NewThreadUnsafeSet(a...)
	set.Append(b...)
	res := set.ToSlice()
	slices.Sort(res)
	return res
}
