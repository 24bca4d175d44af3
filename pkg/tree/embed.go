package tree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const defaultRelation = "related_to"

// buildTripleStrings renders the distinct "<name> <relation> <neighbor>"
// facts for the successors of i. Derived nodes are not facts and are
// skipped. Only the first edge to each successor is used.
func buildTripleStrings(g *graph.Graph, i int) []string {
	name := g.NodeAt(i).Name()
	seen := make(map[string]struct{})
	var res []string
	for _, j := range g.Successors(i) {
		neighbor := g.NodeAt(j)
		if neighbor.IsDerived() {
			continue
		}
		rel := defaultRelation
		if edges := g.EdgesBetween(i, j); len(edges) > 0 && edges[0].Relation != "" {
			rel = edges[0].Relation
		}
		s := name + " " + rel + " " + neighbor.Name()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		res = append(res, s)
	}
	return res
}

// TripleStrings returns the 1-hop facts of node i.
func (d *Detector) TripleStrings(i int) []string {
	return d.triples[i]
}

// embeddingText is the text embedded for node i: its facts, or its name
// when it has none.
func (d *Detector) embeddingText(i int) string {
	if len(d.triples[i]) == 0 {
		return d.names[i]
	}
	return strings.Join(d.triples[i], " ")
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embeddings returns L2-normalized embeddings for idxs in order. Vectors
// are looked up in the process cache, then the embedding cache, and only
// the remainder is sent to the embedder.
func (d *Detector) Embeddings(ctx context.Context, idxs []int) ([][]float32, error) {
	d.mu.Lock()
	var missing []int
	queued := make(map[int]struct{})
	for _, i := range idxs {
		if _, ok := d.vectors[i]; ok {
			continue
		}
		if _, ok := queued[i]; ok {
			continue
		}
		queued[i] = struct{}{}
		missing = append(missing, i)
	}
	d.mu.Unlock()

	if len(missing) > 0 {
		if err := d.fill(ctx, missing); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	res := make([][]float32, len(idxs))
	for k, i := range idxs {
		res[k] = d.vectors[i]
	}
	return res, nil
}

func (d *Detector) fill(ctx context.Context, missing []int) error {
	texts := make([]string, len(missing))
	hashes := make([]string, len(missing))
	for k, i := range missing {
		texts[k] = d.embeddingText(i)
		hashes[k] = contentKey(texts[k])
	}

	cached, err := d.cache.Get(ctx, hashes)
	if err != nil {
		logger.Warn("[Tree] embedding cache lookup failed", "err", err)
		cached = nil
	}

	var todo []int
	found := make(map[int][]float32, len(missing))
	for k := range missing {
		if v, ok := cached[hashes[k]]; ok {
			found[k] = v
			continue
		}
		todo = append(todo, k)
	}

	fresh := make(map[string][]float32, len(todo))
	if len(todo) > 0 {
		if d.embedder == nil {
			return fmt.Errorf("no embedder configured")
		}
		vecs := make([][]float32, len(todo))
		eg, ectx := errgroup.WithContext(ctx)
		eg.SetLimit(4)
		for start := 0; start < len(todo); start += d.embedBatchSize {
			end := min(start+d.embedBatchSize, len(todo))
			eg.Go(func() error {
				batch := make([]string, 0, end-start)
				for _, k := range todo[start:end] {
					batch = append(batch, texts[k])
				}
				res, err := d.embedder.GenerateEmbeddings(ectx, batch)
				if err != nil {
					return fmt.Errorf("failed to embed nodes: %w", err)
				}
				if len(res) != len(batch) {
					return fmt.Errorf("embedder returned %d vectors for %d texts", len(res), len(batch))
				}
				copy(vecs[start:end], res)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		for n, k := range todo {
			v := normalize(vecs[n])
			found[k] = v
			fresh[hashes[k]] = v
		}
	}

	if len(fresh) > 0 {
		if err := d.cache.Put(ctx, fresh); err != nil {
			logger.Warn("[Tree] embedding cache write failed", "err", err)
		}
	}

	d.mu.Lock()
	for k, i := range missing {
		d.vectors[i] = normalize(found[k])
	}
	d.mu.Unlock()
	return nil
}

// normalize returns v scaled to unit length. Zero vectors stay zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := 0; i < len(a) && i < len(b); i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func (d *Detector) similarityMatrix(ctx context.Context, nodes []int) ([][]float64, error) {
	vecs, err := d.Embeddings(ctx, nodes)
	if err != nil {
		return nil, err
	}
	sim := d.Jaccard(nodes)
	for a := range nodes {
		for b := range nodes {
			if a == b {
				sim[a][b] = 1.0
				continue
			}
			sim[a][b] = d.structWeight*sim[a][b] + (1-d.structWeight)*dot(vecs[a], vecs[b])
		}
	}
	return sim, nil
}
