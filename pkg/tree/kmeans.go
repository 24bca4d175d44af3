package tree

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

const (
	kmeansInits     = 5
	kmeansMaxIter   = 300
	kmeansMaxK      = 200
	kmeansTolerance = 1e-4
)

// kmeans clusters points into at most k groups with k-means++ seeding and
// Lloyd iterations. It keeps the best of several seeded runs by inertia and
// returns one label per point. Labels are dense; empty clusters vanish.
func kmeans(points [][]float32, k int, seed uint64) []int {
	n := len(points)
	if n == 0 {
		return nil
	}
	k = min(k, n)
	if k <= 1 {
		return make([]int, n)
	}

	data := make([][]float64, n)
	for i, p := range points {
		data[i] = make([]float64, len(p))
		for j, x := range p {
			data[i][j] = float64(x)
		}
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	var best []int
	bestInertia := math.Inf(1)
	for range kmeansInits {
		labels, inertia := lloyd(data, seedCenters(data, k, rng))
		if inertia < bestInertia {
			best, bestInertia = labels, inertia
		}
	}
	return compact(best)
}

// seedCenters picks k initial centers with the k-means++ rule: each new
// center is drawn with probability proportional to its squared distance to
// the closest center chosen so far.
func seedCenters(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(data)
	centers := make([][]float64, 0, k)
	centers = append(centers, clone(data[rng.IntN(n)]))

	dist := make([]float64, n)
	for i := range data {
		dist[i] = sqDist(data[i], centers[0])
	}
	for len(centers) < k {
		total := floats.Sum(dist)
		next := rng.IntN(n)
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					next = i
					break
				}
			}
		}
		c := clone(data[next])
		centers = append(centers, c)
		for i := range data {
			dist[i] = min(dist[i], sqDist(data[i], c))
		}
	}
	return centers
}

func lloyd(data [][]float64, centers [][]float64) ([]int, float64) {
	n, k := len(data), len(centers)
	dim := len(data[0])
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	inertia := 0.0
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		inertia = 0
		for i, p := range data {
			bestC, bestD := 0, math.Inf(1)
			for c, center := range centers {
				if d := sqDist(p, center); d < bestD {
					bestC, bestD = c, d
				}
			}
			if labels[i] != bestC {
				labels[i] = bestC
				changed = true
			}
			inertia += bestD
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range data {
			c := labels[i]
			counts[c]++
			floats.Add(sums[c], p)
		}
		shift := 0.0
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += sqDist(centers[c], sums[c])
			centers[c] = sums[c]
		}
		if shift <= kmeansTolerance*kmeansTolerance {
			break
		}
	}
	return labels, inertia
}

// compact renumbers labels densely in order of first appearance.
func compact(labels []int) []int {
	ids := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := ids[l]
		if !ok {
			id = len(ids)
			ids[l] = id
		}
		out[i] = id
	}
	return out
}

func sqDist(a, b []float64) float64 {
	n := min(len(a), len(b))
	d := floats.Distance(a[:n], b[:n], 2)
	return d * d
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

// clusterCount is the k used for n points.
func clusterCount(n int) int {
	return min(max(2, n/10), kmeansMaxK)
}
