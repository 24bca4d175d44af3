package tree

import (
	"cmp"
	"context"
	"slices"

	"github.com/OFFIS-RIT/kgraph/pkg/logger"
)

// finalClusterSize is the size up to which a coarse cluster is accepted
// without refinement.
const finalClusterSize = 3

// cluster splits nodes by k-means over their embeddings. Sets of two or
// fewer nodes are returned as a single cluster.
func (d *Detector) cluster(ctx context.Context, nodes []int) ([][]int, error) {
	if len(nodes) <= 2 {
		return [][]int{slices.Clone(nodes)}, nil
	}
	vecs, err := d.Embeddings(ctx, nodes)
	if err != nil {
		return nil, err
	}
	labels := kmeans(vecs, clusterCount(len(nodes)), d.seed)

	var clusters [][]int
	for i, l := range labels {
		for len(clusters) <= l {
			clusters = append(clusters, nil)
		}
		clusters[l] = append(clusters[l], nodes[i])
	}
	return clusters, nil
}

// Detect clusters the nodes at level and returns communities of arena
// indices numbered from 0.
func (d *Detector) Detect(ctx context.Context, level int) (map[int][]int, error) {
	d.level = level
	var nodes []int
	for i, l := range d.levels {
		if l == level {
			nodes = append(nodes, i)
		}
	}

	res := make(map[int][]int)
	if len(nodes) == 0 {
		return res, nil
	}
	if len(nodes) == 1 {
		res[0] = nodes
		return res, nil
	}

	initial, err := d.cluster(ctx, nodes)
	if err != nil {
		return nil, err
	}
	for _, c := range initial {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(c) <= finalClusterSize {
			res[len(res)] = c
			continue
		}
		refined, err := d.refine(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, sub := range refined {
			res[len(res)] = sub
		}
	}
	logger.Debug("[Tree] detected communities", "level", level, "nodes", len(nodes), "communities", len(res))
	return res, nil
}

type candidatePair struct {
	a, b int
	sim  float64
}

// refine reclusters c and greedily merges sub-clusters whose centers are
// similar enough, as long as the merged cluster stays under the size cap.
func (d *Detector) refine(ctx context.Context, c []int) ([][]int, error) {
	if len(c) <= finalClusterSize {
		return [][]int{c}, nil
	}
	clusters, err := d.cluster(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 1 {
		return clusters, nil
	}

	centers := make([]int, len(clusters))
	for k, members := range clusters {
		if centers[k], err = d.center(ctx, members); err != nil {
			return nil, err
		}
	}

	for range d.maxIterations {
		sim, err := d.similarityMatrix(ctx, centers)
		if err != nil {
			return nil, err
		}

		var pairs []candidatePair
		for a := range clusters {
			for b := a + 1; b < len(clusters); b++ {
				if sim[a][b] >= d.mergeThreshold {
					pairs = append(pairs, candidatePair{a, b, sim[a][b]})
				}
			}
		}
		slices.SortStableFunc(pairs, func(x, y candidatePair) int { return cmp.Compare(y.sim, x.sim) })

		merged := make([]bool, len(clusters))
		var nextClusters [][]int
		var nextCenters []int
		for _, p := range pairs {
			if merged[p.a] || merged[p.b] {
				continue
			}
			if len(clusters[p.a])+len(clusters[p.b]) > d.maxClusterSize {
				continue
			}
			members := append(slices.Clone(clusters[p.a]), clusters[p.b]...)
			center, err := d.center(ctx, members)
			if err != nil {
				return nil, err
			}
			nextClusters = append(nextClusters, members)
			nextCenters = append(nextCenters, center)
			merged[p.a], merged[p.b] = true, true
		}
		if len(nextClusters) == 0 {
			break
		}
		for k := range clusters {
			if !merged[k] {
				nextClusters = append(nextClusters, clusters[k])
				nextCenters = append(nextCenters, centers[k])
			}
		}
		clusters, centers = nextClusters, nextCenters
		if len(clusters) == 1 {
			break
		}
	}
	return clusters, nil
}

// center is the top keyword of a cluster.
func (d *Detector) center(ctx context.Context, members []int) (int, error) {
	if len(members) == 1 {
		return members[0], nil
	}
	kw, err := d.Keywords(ctx, members, d.topK)
	if err != nil {
		return 0, err
	}
	return kw[0], nil
}

// Keywords ranks members by a blend of normalized degree and cosine
// similarity to the mean member embedding and returns the best topK.
// Communities of at most topK members are returned unchanged.
func (d *Detector) Keywords(ctx context.Context, members []int, topK int) ([]int, error) {
	if len(members) <= topK {
		return members, nil
	}
	vecs, err := d.Embeddings(ctx, members)
	if err != nil {
		return nil, err
	}

	dim := 0
	for _, v := range vecs {
		dim = max(dim, len(v))
	}
	mean := make([]float32, dim)
	for _, v := range vecs {
		for j, x := range v {
			mean[j] += x / float32(len(vecs))
		}
	}
	mean = normalize(mean)

	maxDeg := 0
	for _, i := range members {
		maxDeg = max(maxDeg, d.degree[i])
	}
	if maxDeg == 0 {
		maxDeg = 1
	}

	scores := make(map[int]float64, len(members))
	for k, i := range members {
		structural := float64(d.degree[i]) / float64(maxDeg)
		scores[i] = d.structWeight*structural + (1-d.structWeight)*dot(vecs[k], mean)
	}

	ranked := slices.Clone(members)
	slices.SortStableFunc(ranked, func(a, b int) int { return cmp.Compare(scores[b], scores[a]) })
	return ranked[:topK], nil
}
