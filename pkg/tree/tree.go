// Package tree builds a hierarchy of community super-nodes over the entity
// layer of a graph. Clusters are found by blending structural overlap of
// neighborhoods with embedding similarity of each node's 1-hop facts; the
// model is only called to name finished clusters.
package tree

import (
	"context"
	"sync"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// EmbeddingCache persists embeddings across runs. Keys are content hashes
// of the embedded text, so entries never go stale.
type EmbeddingCache interface {
	Get(ctx context.Context, keys []string) (map[string][]float32, error)
	Put(ctx context.Context, entries map[string][]float32) error
}

// Detector runs structural-semantic community detection on one graph.
//
// The adjacency, degrees and triple strings are captured by New; nodes and
// edges added afterwards (including the super-nodes the detector creates
// itself) do not change clustering inputs.
type Detector struct {
	g         *graph.Graph
	embedder  ai.Embedder
	completer ai.Completer

	structWeight   float64
	mergeThreshold float64
	maxClusterSize int
	maxIterations  int
	topK           int
	batchSize      int
	embedBatchSize int
	seed           uint64
	cache          EmbeddingCache

	adj     *sparseMatrix
	degree  []int
	levels  []int
	names   []string
	keys    []string
	triples [][]string
	level   int

	// mu guards the graph and the in-process caches below.
	mu        sync.Mutex
	vectors   map[int][]float32
	superKeys map[int]string
}

// Option configures a Detector.
type Option func(*Detector)

// WithStructWeight sets the weight of structural similarity; the rest goes
// to embedding similarity.
func WithStructWeight(w float64) Option {
	return func(d *Detector) { d.structWeight = w }
}

// WithMergeThreshold sets the minimum center similarity for two
// sub-clusters to merge during refinement.
func WithMergeThreshold(t float64) Option {
	return func(d *Detector) { d.mergeThreshold = t }
}

// WithMaxClusterSize caps the size of a merged cluster.
func WithMaxClusterSize(n int) Option {
	return func(d *Detector) { d.maxClusterSize = n }
}

// WithMaxIterations bounds the merge rounds of refinement.
func WithMaxIterations(n int) Option {
	return func(d *Detector) { d.maxIterations = n }
}

// WithTopK sets the number of keywords per community.
func WithTopK(k int) Option {
	return func(d *Detector) { d.topK = k }
}

// WithBatchSize sets how many communities are named per model call.
func WithBatchSize(n int) Option {
	return func(d *Detector) { d.batchSize = n }
}

// WithEmbedBatchSize sets the number of texts per embedding request.
func WithEmbedBatchSize(n int) Option {
	return func(d *Detector) { d.embedBatchSize = n }
}

// WithSeed seeds k-means initialization.
func WithSeed(seed uint64) Option {
	return func(d *Detector) { d.seed = seed }
}

// WithEmbeddingCache replaces the default in-memory embedding cache.
func WithEmbeddingCache(c EmbeddingCache) Option {
	return func(d *Detector) { d.cache = c }
}

// New prepares a detector for g. A nil completer disables naming; every
// community then gets its fallback name.
func New(g *graph.Graph, embedder ai.Embedder, completer ai.Completer, opts ...Option) *Detector {
	d := &Detector{
		g:         g,
		embedder:  embedder,
		completer: completer,

		structWeight:   0.3,
		mergeThreshold: 0.5,
		maxClusterSize: 100,
		maxIterations:  1,
		topK:           5,
		batchSize:      5,
		embedBatchSize: 32,
		seed:           42,
		level:          graph.LevelEntity,

		vectors:   make(map[int][]float32),
		superKeys: make(map[int]string),
	}
	for _, o := range opts {
		o(d)
	}
	if d.cache == nil {
		d.cache = NewMemoryCache()
	}
	if d.batchSize <= 0 {
		d.batchSize = 5
	}
	if d.embedBatchSize <= 0 {
		d.embedBatchSize = 32
	}

	d.adj = newSparseMatrix(g)
	d.degree = make([]int, g.Len())
	d.levels = make([]int, g.Len())
	d.names = make([]string, g.Len())
	d.keys = make([]string, g.Len())
	d.triples = make([][]string, g.Len())
	for i := range g.Len() {
		d.degree[i] = g.Degree(i)
		d.levels[i] = g.NodeAt(i).Level
		d.names[i] = g.NodeAt(i).Name()
		d.keys[i] = g.NodeAt(i).Key()
		d.triples[i] = buildTripleStrings(g, i)
	}
	return d
}

// Community is one detected cluster after materialization.
type Community struct {
	ID      int
	Level   int
	// Key is the node key of the super-node.
	Key     string
	Members []string
	Center  string
	Name    string
	Summary string
}

// memoryCache is the default EmbeddingCache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
}

// NewMemoryCache returns an EmbeddingCache that lives as long as the
// process.
func NewMemoryCache() EmbeddingCache {
	return &memoryCache{entries: make(map[string][]float32)}
}

func (c *memoryCache) Get(_ context.Context, keys []string) (map[string][]float32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make(map[string][]float32, len(keys))
	for _, k := range keys {
		if v, ok := c.entries[k]; ok {
			res[k] = v
		}
	}
	return res, nil
}

func (c *memoryCache) Put(_ context.Context, entries map[string][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.entries[k] = v
	}
	return nil
}
