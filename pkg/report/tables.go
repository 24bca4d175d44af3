package report

import (
	"bytes"
	"encoding/csv"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// expand adds the direct successors of every member that are not members
// yet, keeping members first.
func expand(g *graph.Graph, members []int) []int {
	res := slices.Clone(members)
	seen := make(map[int]struct{}, len(members))
	for _, m := range members {
		seen[m] = struct{}{}
	}
	for _, m := range members {
		for _, s := range g.Successors(m) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			res = append(res, s)
		}
	}
	return res
}

// nodeDescription prefers the extracted description and falls back to the
// community annotations of the node.
func nodeDescription(n *graph.Node) string {
	if n.Properties.Description != "" {
		return n.Properties.Description
	}
	return n.Description
}

func writeCSV(header []string, rows [][]string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(header)
	_ = w.WriteAll(rows)
	return buf.String()
}

// entityTable renders id,entity,description rows.
func entityTable(g *graph.Graph, nodes []int) string {
	rows := make([][]string, 0, len(nodes))
	for k, i := range nodes {
		n := g.NodeAt(i)
		rows = append(rows, []string{strconv.Itoa(k), n.Name(), nodeDescription(n)})
	}
	return writeCSV([]string{"id", "entity", "description"}, rows)
}

// relationTable renders one id,source,target,description row per ordered
// pair i<j with at least one edge from i to j. The description joins the
// relations of all such edges. At most limit rows are written.
func relationTable(g *graph.Graph, nodes []int, limit int) (string, int) {
	var rows [][]string
outer:
	for a := range nodes {
		for b := a + 1; b < len(nodes); b++ {
			if len(rows) >= limit {
				break outer
			}
			edges := g.EdgesBetween(nodes[a], nodes[b])
			if len(edges) == 0 {
				continue
			}
			rels := make([]string, 0, len(edges))
			for _, e := range edges {
				rels = append(rels, e.Relation)
			}
			rows = append(rows, []string{
				strconv.Itoa(len(rows)),
				g.NodeAt(nodes[a]).Name(),
				g.NodeAt(nodes[b]).Name(),
				strings.Join(rels, ", "),
			})
		}
	}
	return writeCSV([]string{"id", "source", "target", "description"}, rows), len(rows)
}

// render substitutes every {key} in template.
func render(template string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		template = strings.ReplaceAll(template, "{"+k+"}", vars[k])
	}
	return template
}
