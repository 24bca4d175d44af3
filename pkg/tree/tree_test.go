package tree

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
	embed func(text string) []float32
}

func (f *fakeEmbedder) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, inputs...)
	res := make([][]float32, len(inputs))
	for i, in := range inputs {
		res[i] = f.embed(in)
	}
	return res, nil
}

func constantEmbedder() *fakeEmbedder {
	return &fakeEmbedder{embed: func(string) []float32 { return []float32{1, 1, 0} }}
}

// prefixEmbedder puts texts starting with "a" and "b" on orthogonal axes.
func prefixEmbedder() *fakeEmbedder {
	return &fakeEmbedder{embed: func(text string) []float32 {
		if strings.HasPrefix(text, "a") {
			return []float32{1, 0}
		}
		return []float32{0, 1}
	}}
}

type fakeCompleter struct {
	prompts []string
	reply   string
	err     error
}

func (f *fakeCompleter) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func addEntities(g *graph.Graph, names ...string) []int {
	idx := make([]int, len(names))
	for i, name := range names {
		idx[i], _ = g.AddNode(&graph.Node{
			Label:      graph.LabelEntity,
			Level:      graph.LevelEntity,
			Properties: graph.Properties{Name: name},
		})
	}
	return idx
}

func TestJaccard_SymmetricWithUnitDiagonal(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "a", "b", "c", "d")
	g.AddEdge(n[0], n[2], "knows")
	g.AddEdge(n[0], n[3], "knows")
	g.AddEdge(n[1], n[2], "knows")

	d := New(g, constantEmbedder(), nil)
	j := d.Jaccard(n)
	for a := range n {
		if j[a][a] != 1.0 {
			t.Errorf("expected unit diagonal at %d, got %f", a, j[a][a])
		}
		for b := range n {
			if j[a][b] != j[b][a] {
				t.Errorf("jaccard not symmetric at (%d,%d): %f vs %f", a, b, j[a][b], j[b][a])
			}
		}
	}
	if math.Abs(j[0][1]-0.5) > 1e-6 {
		t.Errorf("expected jaccard(a,b)=0.5, got %f", j[0][1])
	}
}

func TestTripleStrings(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "布达拉宫", "拉萨", "西藏")
	g.AddEdge(n[0], n[1], "位于")
	g.AddEdge(n[0], n[1], "属于")
	g.AddEdge(n[1], n[2], "")

	d := New(g, constantEmbedder(), nil)
	if got := d.TripleStrings(n[0]); !slices.Equal(got, []string{"布达拉宫 位于 拉萨"}) {
		t.Errorf("expected first relation per neighbor, got %v", got)
	}
	if got := d.TripleStrings(n[1]); !slices.Equal(got, []string{"拉萨 related_to 西藏"}) {
		t.Errorf("expected default relation, got %v", got)
	}
	if got := d.TripleStrings(n[2]); len(got) != 0 {
		t.Errorf("expected no facts for a sink, got %v", got)
	}
}

func TestDetect_EdgelessIdenticalNodesFormOneCommunity(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "x", "y", "z")
	emb := constantEmbedder()

	d := New(g, emb, nil)
	comms, err := d.Detect(context.Background(), graph.LevelEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comms) != 1 {
		t.Fatalf("expected one community, got %v", comms)
	}
	got := slices.Clone(comms[0])
	slices.Sort(got)
	if !slices.Equal(got, n) {
		t.Errorf("expected all nodes in community 0, got %v", comms[0])
	}

	slices.Sort(emb.texts)
	if !slices.Equal(emb.texts, []string{"x", "y", "z"}) {
		t.Errorf("expected node names as embedding text, got %v", emb.texts)
	}
}

func TestDetect_SeparatesSemanticGroups(t *testing.T) {
	g := graph.New()
	addEntities(g, "a1", "a2", "a3", "a4", "b1", "b2", "b3", "b4")

	d := New(g, prefixEmbedder(), nil)
	comms, err := d.Detect(context.Background(), graph.LevelEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comms) != 2 {
		t.Fatalf("expected two communities, got %v", comms)
	}
	for id, members := range comms {
		prefix := d.names[members[0]][:1]
		for _, m := range members {
			if !strings.HasPrefix(d.names[m], prefix) {
				t.Errorf("community %d mixes groups: %v", id, d.memberNames(members))
			}
		}
	}
}

func TestDetect_IgnoresOtherLevels(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "only")
	attr, _ := g.AddNode(&graph.Node{
		Label:      graph.LabelAttribute,
		Level:      graph.LevelAttribute,
		Properties: graph.Properties{Name: "颜色：红"},
	})
	g.AddEdge(n[0], attr, "has_attribute")

	d := New(g, constantEmbedder(), nil)
	comms, err := d.Detect(context.Background(), graph.LevelEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comms) != 1 || !slices.Equal(comms[0], n) {
		t.Fatalf("expected a single entity community, got %v", comms)
	}
}

func TestKeywords(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "hub", "s1", "s2", "s3", "s4", "s5", "s6")
	for _, s := range n[1:] {
		g.AddEdge(n[0], s, "links")
	}

	d := New(g, constantEmbedder(), nil)
	small, err := d.Keywords(context.Background(), n[:3], 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(small, n[:3]) {
		t.Errorf("expected small community unchanged, got %v", small)
	}

	kw, err := d.Keywords(context.Background(), n, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kw) != 5 {
		t.Fatalf("expected 5 keywords, got %d", len(kw))
	}
	if kw[0] != n[0] {
		t.Errorf("expected highest degree node first, got %s", d.names[kw[0]])
	}
}

func TestCreateSuperNodes_UsesModelNames(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "藏戏", "藏戏面具", "唐卡")
	llm := &fakeCompleter{reply: "```json\n[{\"id\": \"0\", \"name\": \"藏族艺术\", \"summary\": \"西藏传统艺术\"}]\n```"}

	d := New(g, constantEmbedder(), llm)
	res, err := d.CreateSuperNodes(context.Background(), map[int][]int{0: n, 1: n[:1]}, graph.LevelCommunity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("single member communities must be skipped, got %d", len(res))
	}
	if res[0].Name != "藏族艺术" || res[0].Summary != "西藏传统艺术" {
		t.Errorf("expected model naming, got %q / %q", res[0].Name, res[0].Summary)
	}
	if !strings.Contains(llm.prompts[0], `"size":3`) {
		t.Errorf("expected community size in prompt, got %s", llm.prompts[0])
	}

	super, err := g.Node("comm_4_0")
	if err != nil {
		t.Fatalf("expected super node: %v", err)
	}
	if super.Label != graph.LabelCommunity || super.Level != graph.LevelCommunity {
		t.Errorf("unexpected super node label/level: %s/%d", super.Label, super.Level)
	}
	if !slices.Equal(super.Properties.Members, []string{"藏戏", "藏戏面具", "唐卡"}) {
		t.Errorf("unexpected members %v", super.Properties.Members)
	}
	superIdx, _ := g.Index("comm_4_0")
	for _, m := range n {
		if !g.HasEdgeRelation(m, superIdx, "member_of") {
			t.Errorf("missing member_of edge from %d", m)
		}
	}
}

func TestCreateSuperNodes_FallsBackWhenNamingFails(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "a", "b", "c", "d")
	llm := &fakeCompleter{err: errors.New("model unavailable")}

	d := New(g, constantEmbedder(), llm, WithBatchSize(1))
	res, err := d.CreateSuperNodes(context.Background(), map[int][]int{0: n[:2], 1: n[2:]}, graph.LevelCommunity)
	if err != nil {
		t.Fatalf("naming failures must not fail the run: %v", err)
	}
	if len(llm.prompts) != 2 {
		t.Errorf("expected one call per batch, got %d", len(llm.prompts))
	}
	if len(res) != 2 {
		t.Fatalf("expected two communities, got %d", len(res))
	}
	if res[1].Name != "Community_1" || res[1].Summary != "Community of 2 members" {
		t.Errorf("unexpected fallback %q / %q", res[1].Name, res[1].Summary)
	}
}

func TestRun_AddsKeywordNodes(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "x", "y", "z")

	d := New(g, constantEmbedder(), nil)
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("expected one community, got %d", len(res))
	}

	super, ok := g.Index("comm_4_0")
	if !ok {
		t.Fatal("expected super node comm_4_0")
	}
	for _, m := range n {
		kw, ok := g.Index(KeywordNodeKey(0, d.keys[m]))
		if !ok {
			t.Fatalf("expected keyword node for %s", d.keys[m])
		}
		if g.NodeAt(kw).Level != graph.LevelKeyword {
			t.Errorf("unexpected keyword level %d", g.NodeAt(kw).Level)
		}
		for _, rel := range []string{"represented_by", "kw_filter_by"} {
			if !g.HasEdgeRelation(m, kw, rel) {
				t.Errorf("missing %s edge for %s", rel, d.keys[m])
			}
		}
		if !g.HasEdgeRelation(kw, super, "keyword_of") {
			t.Errorf("missing keyword_of edge for %s", d.keys[m])
		}
	}
}

func TestRun_SuperNodeKeyAvoidsEntityNames(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "comm_4_0", "y", "z")

	d := New(g, constantEmbedder(), nil)
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("expected one community, got %d", len(res))
	}
	if res[0].Key != "comm_4_0~1" {
		t.Fatalf("expected suffixed super node key, got %q", res[0].Key)
	}

	entity, _ := g.Node("comm_4_0")
	if entity.Label != graph.LabelEntity {
		t.Errorf("entity was replaced by a %s node", entity.Label)
	}
	super, ok := g.Index(res[0].Key)
	if !ok || g.NodeAt(super).Label != graph.LabelCommunity {
		t.Fatalf("expected community node at %q", res[0].Key)
	}
	for _, m := range n {
		if !g.HasEdgeRelation(m, super, "member_of") {
			t.Errorf("missing member_of edge from %s", d.keys[m])
		}
		if g.HasEdgeRelation(m, n[0], "member_of") {
			t.Errorf("member_of edge points at the entity")
		}
		kw, ok := g.Index(KeywordNodeKey(0, d.keys[m]))
		if !ok || !g.HasEdgeRelation(kw, super, "keyword_of") {
			t.Errorf("missing keyword_of edge for %s", d.keys[m])
		}
	}
}

func TestEmbeddings_AreNormalizedAndCached(t *testing.T) {
	g := graph.New()
	n := addEntities(g, "x", "y")
	cache := NewMemoryCache()

	first := constantEmbedder()
	vecs, err := New(g, first, nil, WithEmbeddingCache(cache)).Embeddings(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(dot(vecs[0], vecs[0])-1) > 1e-6 {
		t.Errorf("expected unit vectors, got %v", vecs[0])
	}

	second := constantEmbedder()
	if _, err := New(g, second, nil, WithEmbeddingCache(cache)).Embeddings(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.calls != 1 || second.calls != 0 {
		t.Errorf("expected cached embeddings to be reused, got %d and %d calls", first.calls, second.calls)
	}
}

func TestKmeans_IsDeterministic(t *testing.T) {
	points := [][]float32{{0, 0}, {0.1, 0}, {0, 0.1}, {5, 5}, {5.1, 5}, {5, 5.1}}
	first := kmeans(points, 2, 42)
	if first[0] != first[1] || first[0] != first[2] || first[3] != first[4] || first[0] == first[3] {
		t.Fatalf("unexpected labels %v", first)
	}
	for range 3 {
		if again := kmeans(points, 2, 42); !slices.Equal(first, again) {
			t.Fatalf("expected identical labels, got %v and %v", first, again)
		}
	}
}

func TestClusterCount(t *testing.T) {
	tests := map[int]int{3: 2, 25: 2, 40: 4, 5000: 200}
	for n, want := range tests {
		if got := clusterCount(n); got != want {
			t.Errorf("clusterCount(%d) = %d, want %d", n, got, want)
		}
	}
}
