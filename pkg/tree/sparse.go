package tree

import (
	"slices"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// sparseMatrix is a 0/1 adjacency matrix in CSR layout. Row i holds the
// sorted distinct successors of node i.
type sparseMatrix struct {
	indptr  []int
	indices []int
}

func newSparseMatrix(g *graph.Graph) *sparseMatrix {
	m := &sparseMatrix{indptr: make([]int, g.Len()+1)}
	for i := range g.Len() {
		row := slices.Clone(g.Successors(i))
		slices.Sort(row)
		m.indices = append(m.indices, row...)
		m.indptr[i+1] = len(m.indices)
	}
	return m
}

func (m *sparseMatrix) row(i int) []int {
	return m.indices[m.indptr[i]:m.indptr[i+1]]
}

// rowWithin returns the entries of row i whose column is in cols.
func (m *sparseMatrix) rowWithin(i int, cols map[int]struct{}) []int {
	var res []int
	for _, j := range m.row(i) {
		if _, ok := cols[j]; ok {
			res = append(res, j)
		}
	}
	return res
}

// intersect counts common entries of two sorted slices.
func intersect(a, b []int) int {
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// jaccard computes the Jaccard index of the successor sets of rows, with
// columns limited to cols. The product A*A^T gives the intersections and
// row sums give the set sizes. The diagonal is 1.
func (m *sparseMatrix) jaccard(rows []int, cols map[int]struct{}) [][]float64 {
	sub := make([][]int, len(rows))
	for k, i := range rows {
		sub[k] = m.rowWithin(i, cols)
	}

	res := make([][]float64, len(rows))
	for a := range res {
		res[a] = make([]float64, len(rows))
		res[a][a] = 1.0
	}
	for a := range rows {
		for b := a + 1; b < len(rows); b++ {
			inter := float64(intersect(sub[a], sub[b]))
			union := float64(len(sub[a])+len(sub[b])) - inter
			j := inter / (union + 1e-9)
			res[a][b] = j
			res[b][a] = j
		}
	}
	return res
}

// Jaccard returns the structural similarity matrix of nodes, counting only
// neighbors on the detection level.
func (d *Detector) Jaccard(nodes []int) [][]float64 {
	cols := make(map[int]struct{})
	for i, level := range d.levels {
		if level == d.level {
			cols[i] = struct{}{}
		}
	}
	return d.adj.jaccard(nodes, cols)
}
