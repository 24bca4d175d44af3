package graph

import "slices"

// RemoveFile strips fileName from every node's provenance list and drops
// the nodes whose list becomes empty as a result. Nodes that never carried
// provenance are left alone. Ranks are recomputed over what remains.
//
// Calling RemoveFile twice with the same name is a no-op the second time.
func (g *Graph) RemoveFile(fileName string) int {
	orphaned := make(map[*Node]struct{})
	for _, n := range g.nodes {
		if !slices.Contains(n.Properties.FileNames, fileName) {
			continue
		}
		n.Properties.FileNames = slices.DeleteFunc(n.Properties.FileNames, func(f string) bool {
			return f == fileName
		})
		if len(n.Properties.FileNames) == 0 {
			orphaned[n] = struct{}{}
		}
	}

	removed := g.RemoveNodes(func(n *Node) bool {
		_, ok := orphaned[n]
		return ok
	})
	g.ComputeRank()
	return removed
}
