package kb

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

const reportReply = `{"title": "Cluster", "summary": "S", "rating": 5, "rating_explanation": "R", "findings": [{"summary": "F", "explanation": "E"}]}`

// fakeAI answers report prompts with a valid report, naming prompts with
// garbage and structured calls through extract.
type fakeAI struct {
	mu          sync.Mutex
	completions int
	extract     func(prompt string) string
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.mu.Lock()
	f.completions++
	f.mu.Unlock()
	if strings.Contains(prompt, "You name clusters") {
		return "no idea", nil
	}
	return reportReply, nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	if f.extract == nil {
		return errors.New("unexpected structured call")
	}
	return json.Unmarshal([]byte(f.extract(prompt)), out)
}

func (f *fakeAI) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	res := make([][]float32, len(inputs))
	for i, in := range inputs {
		if strings.HasPrefix(in, "a") {
			res[i] = []float32{1, 0}
		} else {
			res[i] = []float32{0, 1}
		}
	}
	return res, nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := f.GenerateEmbeddings(ctx, []string{string(input)})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (f *fakeAI) ResetMetrics()               {}
func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, existing, incoming *graph.Graph) (map[string]string, error) {
	return nil, errors.New("resolver down")
}

func newTestEngine(t *testing.T, params NewEngineParams) (*Engine, *store.FileStore) {
	t.Helper()
	fs := store.NewFileStore(t.TempDir())
	params.Store = fs
	if params.AI == nil {
		params.AI = &fakeAI{}
	}
	e, err := NewEngine(params)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, fs
}

func entity(name, typ, file string) graph.TripleNode {
	return graph.TripleNode{
		Label:      graph.LabelEntity,
		Properties: graph.Properties{Name: name, SchemaType: typ, FileNames: []string{file}},
	}
}

func attribute(name, file string) graph.TripleNode {
	return graph.TripleNode{
		Label:      graph.LabelAttribute,
		Properties: graph.Properties{Name: name, FileNames: []string{file}},
	}
}

func rel(s graph.TripleNode, r string, o graph.TripleNode) graph.Triple {
	return graph.Triple{StartNode: s, Relation: r, EndNode: o}
}

var ref = store.KBRef{UserID: "u1", KBName: "tibet"}

func TestUpdateGraph_EmptyKBYieldsSubgraph(t *testing.T) {
	e, fs := newTestEngine(t, NewEngineParams{})
	triples := []graph.Triple{
		rel(entity("布达拉宫", "建筑", "a.docx"), "位于", entity("拉萨", "地点", "a.docx")),
		rel(entity("布达拉宫", "建筑", "a.docx"), "位于", entity("拉萨", "地点", "a.docx")),
	}

	g, err := e.UpdateGraph(context.Background(), ref, triples)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 2 || g.EdgeCount() != 2 {
		t.Fatalf("expected 2 nodes and 2 edges, got %d and %d", g.Len(), g.EdgeCount())
	}

	stored, err := fs.Load(context.Background(), ref)
	if err != nil {
		t.Fatalf("graph not stored: %v", err)
	}
	if stored.Len() != 2 || stored.EdgeCount() != 2 {
		t.Fatalf("stored graph differs: %d nodes, %d edges", stored.Len(), stored.EdgeCount())
	}
}

func TestUpdateGraph_IsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, NewEngineParams{})
	triples := func() []graph.Triple {
		return []graph.Triple{
			rel(entity("布达拉宫", "建筑", "a.docx"), "位于", entity("拉萨", "地点", "a.docx")),
			rel(entity("拉萨", "地点", "a.docx"), "属于", entity("西藏", "地点", "a.docx")),
		}
	}

	first, err := e.UpdateGraph(context.Background(), ref, triples())
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.UpdateGraph(context.Background(), ref, triples())
	if err != nil {
		t.Fatal(err)
	}
	if first.Len() != second.Len() || first.EdgeCount() != second.EdgeCount() {
		t.Fatalf("expected unchanged graph, got %d/%d then %d/%d",
			first.Len(), first.EdgeCount(), second.Len(), second.EdgeCount())
	}
	n, _ := second.Node("拉萨")
	if !slices.Equal(n.Properties.FileNames, []string{"a.docx"}) {
		t.Errorf("expected file names to stay a set, got %v", n.Properties.FileNames)
	}
}

func TestUpdateGraph_MaskAttributesAccumulate(t *testing.T) {
	e, _ := newTestEngine(t, NewEngineParams{})
	ctx := context.Background()

	_, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("藏戏面具", "文物", "a.docx"), "has_attribute", attribute("材质：布料、皮革、木材", "a.docx")),
		rel(entity("藏戏面具", "文物", "a.docx"), "has_attribute", attribute("制作工艺：绘画、雕刻、缝制", "a.docx")),
	})
	if err != nil {
		t.Fatal(err)
	}
	second := []graph.Triple{
		rel(entity("藏戏 面具", "文物", "b.docx"), "has_attribute", attribute("文物年份：明清时期及以后制作", "b.docx")),
	}
	g, err := e.UpdateGraph(ctx, ref, second)
	if err != nil {
		t.Fatal(err)
	}

	if second[0].StartNode.Properties.Name != "藏戏面具" {
		t.Errorf("expected triple renamed in place, got %q", second[0].StartNode.Properties.Name)
	}
	count := 0
	for _, n := range g.Nodes() {
		if strings.ReplaceAll(n.Name(), " ", "") == "藏戏面具" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one mask node, got %d", count)
	}

	mask, _ := g.Index("藏戏面具")
	var attrs []string
	for _, s := range g.Successors(mask) {
		if g.HasEdgeRelation(mask, s, "has_attribute") && g.NodeAt(s).Label == graph.LabelAttribute {
			attrs = append(attrs, g.NodeAt(s).Name())
		}
	}
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %v", attrs)
	}
	if fn := g.NodeAt(mask).Properties.FileNames; !slices.Equal(fn, []string{"a.docx", "b.docx"}) {
		t.Errorf("expected union of file names, got %v", fn)
	}
}

func TestUpdateGraph_ResolverFailureKeepsStoredGraph(t *testing.T) {
	e, fs := newTestEngine(t, NewEngineParams{Resolver: failingResolver{}})
	ctx := context.Background()

	if _, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("a", "t", "a.docx"), "r", entity("b", "t", "a.docx")),
	}); err != nil {
		t.Fatalf("first update should not call the resolver: %v", err)
	}
	_, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("c", "t", "b.docx"), "r", entity("d", "t", "b.docx")),
	})
	if err == nil {
		t.Fatalf("expected resolver error")
	}
	g, err := fs.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 2 {
		t.Errorf("expected stored graph unchanged, got %d nodes", g.Len())
	}
}

func TestDeleteFile_RemovesOrphansOnly(t *testing.T) {
	e, fs := newTestEngine(t, NewEngineParams{})
	ctx := context.Background()

	if _, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("shared", "t", "a.docx"), "r", entity("only-a", "t", "a.docx")),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("shared", "t", "b.docx"), "r", entity("only-b", "t", "b.docx")),
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteFile(ctx, ref, "a.docx"); err != nil {
		t.Fatal(err)
	}
	g, err := fs.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Node("only-a"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected only-a to be removed")
	}
	shared, err := g.Node("shared")
	if err != nil {
		t.Fatalf("expected shared to survive: %v", err)
	}
	if shared.Rank != 1 {
		t.Errorf("expected rank recomputed to 1, got %d", shared.Rank)
	}
	if !slices.Equal(shared.Properties.FileNames, []string{"b.docx"}) {
		t.Errorf("unexpected file names %v", shared.Properties.FileNames)
	}

	if err := e.DeleteFile(ctx, ref, "a.docx"); err != nil {
		t.Errorf("expected second delete to be a no-op, got %v", err)
	}
	missing := store.KBRef{UserID: "u1", KBName: "none"}
	if err := e.DeleteFile(ctx, missing, "a.docx"); err != nil {
		t.Errorf("expected delete on missing kb to succeed, got %v", err)
	}
}

func TestDeleteKB(t *testing.T) {
	e, fs := newTestEngine(t, NewEngineParams{})
	ctx := context.Background()

	if _, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("a", "t", "a.docx"), "r", entity("b", "t", "a.docx")),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteKB(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load(ctx, ref); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected graph deleted, got %v", err)
	}
	if err := e.DeleteKB(ctx, ref); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
	triples, err := e.GetGraph(ctx, ref)
	if err != nil || len(triples) != 0 {
		t.Errorf("expected empty graph data, got %v, %v", triples, err)
	}
}

func TestGetGraph_ReturnsStoredTriples(t *testing.T) {
	e, _ := newTestEngine(t, NewEngineParams{})
	ctx := context.Background()

	if _, err := e.UpdateGraph(ctx, ref, []graph.Triple{
		rel(entity("布达拉宫", "建筑", "a.docx"), "位于", entity("拉萨", "地点", "a.docx")),
	}); err != nil {
		t.Fatal(err)
	}

	triples, err := e.GetGraph(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(triples) != 1 {
		t.Fatalf("expected 1 triple, got %d", len(triples))
	}
	tr := triples[0]
	if tr.StartNode.Properties.Name != "布达拉宫" || tr.Relation != "位于" || tr.EndNode.Properties.Name != "拉萨" {
		t.Errorf("unexpected triple: %+v", tr)
	}
	if !slices.Equal(tr.EndNode.Properties.FileNames, []string{"a.docx"}) {
		t.Errorf("expected provenance a.docx, got %v", tr.EndNode.Properties.FileNames)
	}
}

func cliqueTriples(prefix, file string) []graph.Triple {
	var out []graph.Triple
	names := []string{prefix + "1", prefix + "2", prefix + "3", prefix + "4"}
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			out = append(out, rel(entity(names[i], "t", file), "near", entity(names[j], "t", file)))
		}
	}
	return out
}

func countDerived(g *graph.Graph) (reports, derived int) {
	for _, n := range g.Nodes() {
		if strings.HasPrefix(n.Key(), "report_") {
			reports++
		}
		if n.IsDerived() {
			derived++
		}
	}
	return reports, derived
}

func TestGenerateCommunityReports_ReplacesCommunities(t *testing.T) {
	e, fs := newTestEngine(t, NewEngineParams{})
	ctx := context.Background()

	triples := append(cliqueTriples("a", "a.docx"), cliqueTriples("b", "a.docx")...)
	triples = append(triples, rel(entity("a1", "t", "a.docx"), "bridge", entity("b1", "t", "a.docx")))
	if _, err := e.UpdateGraph(ctx, ref, triples); err != nil {
		t.Fatal(err)
	}

	reports, err := e.GenerateCommunityReports(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Title != "Cluster" || !strings.HasPrefix(reports[0].Report, "# Cluster") || len(reports[0].Entities) == 0 {
		t.Errorf("unexpected report: %+v", reports[0])
	}

	g, err := fs.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	firstReports, firstDerived := countDerived(g)
	if firstReports != 2 {
		t.Fatalf("expected 2 report nodes, got %d", firstReports)
	}
	if _, err := g.Node("comm_4_0"); err != nil {
		t.Errorf("expected tree super node comm_4_0: %v", err)
	}
	a2, _ := g.Node("a2")
	if !strings.Contains(a2.Description, "Cluster") {
		t.Errorf("expected member annotation, got %q", a2.Description)
	}

	if _, err := e.GenerateCommunityReports(ctx, ref); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	g, err = fs.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	secondReports, secondDerived := countDerived(g)
	if secondReports != firstReports || secondDerived != firstDerived {
		t.Errorf("expected no stale community nodes, got %d/%d then %d/%d",
			firstReports, firstDerived, secondReports, secondDerived)
	}
	a2, _ = g.Node("a2")
	if strings.Count(a2.Description, "Cluster") != 1 {
		t.Errorf("expected annotations replaced, got %q", a2.Description)
	}
}

func TestGenerateCommunityReports_MissingKB(t *testing.T) {
	e, _ := newTestEngine(t, NewEngineParams{})

	_, err := e.GenerateCommunityReports(context.Background(), ref)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
}

const extractReply = `{
  "entities": [
    {"name": "藏戏面具", "type": "文物", "description": "面具"},
    {"name": "西藏", "type": "", "description": ""}
  ],
  "attributes": [{"entity": "藏戏面具", "attribute": "材质：布料"}],
  "relations": [{"source": "藏戏面具", "relation": "出土于", "target": "西藏"}]
}`

func TestExtractGraphData(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	client := &fakeAI{extract: func(prompt string) string {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return extractReply
	}}
	e, fs := newTestEngine(t, NewEngineParams{AI: client})

	res, err := e.ExtractGraphData(context.Background(), ExtractRequest{
		UserID:   ref.UserID,
		KBName:   ref.KBName,
		FileName: "西藏文物.docx",
		Chunks: []ChunkInput{{
			Title:    "西藏文物.docx",
			Snippet:  "藏戏面具 文物简介",
			MetaData: map[string]any{"chunk_id": "c-1", "chunk_current_num": 1},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(prompts) != 1 || prompts[0] != "西藏文物:藏戏面具 文物简介" {
		t.Errorf("expected snippet prefixed with file stem, got %v", prompts)
	}
	want := []string{
		"材质：布料|||schema_type:K:graph_node",
		"藏戏面具|||schema_type:K:文物",
		"西藏|||schema_type:K:graph_node",
	}
	if !slices.Equal(res.Vocabulary, want) {
		t.Errorf("expected vocabulary %v, got %v", want, res.Vocabulary)
	}
	if len(res.GraphChunks) != 2 {
		t.Fatalf("expected 2 graph chunks, got %d", len(res.GraphChunks))
	}
	gc := res.GraphChunks[1]
	if gc.ChunkType != "graph" || gc.GraphDataText != "藏戏面具 出土于 西藏" {
		t.Errorf("unexpected graph chunk: %+v", gc)
	}
	if gc.GraphData.StartNode.Properties.ChunkID != "" || gc.GraphData.EndNode.Properties.ChunkID != "" {
		t.Errorf("expected chunk id stripped from graph data")
	}
	if gc.MetaData["reference_snippet"] != "藏戏面具 文物简介" || gc.MetaData["chunk_current_num"] != 1 {
		t.Errorf("unexpected meta data: %v", gc.MetaData)
	}

	g, err := fs.Load(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	n, err := g.Node("藏戏面具")
	if err != nil {
		t.Fatal(err)
	}
	if n.Properties.ChunkID != "c-1" || !slices.Equal(n.Properties.FileNames, []string{"西藏文物.docx"}) {
		t.Errorf("unexpected provenance: %+v", n.Properties)
	}
}

func TestExtractGraphData_ModelOverride(t *testing.T) {
	override := &fakeAI{extract: func(string) string { return extractReply }}
	var got LLMConfig
	e, _ := newTestEngine(t, NewEngineParams{
		ClientFactory: func(cfg LLMConfig) (ai.GraphAIClient, error) {
			got = cfg
			return override, nil
		},
	})

	_, err := e.ExtractGraphData(context.Background(), ExtractRequest{
		UserID:     ref.UserID,
		KBName:     ref.KBName,
		FileName:   "f.txt",
		Chunks:     []ChunkInput{{Snippet: "text"}},
		LLMModel:   "qwen",
		LLMBaseURL: "http://llm:8000/v1",
		LLMAPIKey:  "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != (LLMConfig{Model: "qwen", BaseURL: "http://llm:8000/v1", APIKey: "secret"}) {
		t.Errorf("unexpected override config: %+v", got)
	}
}

func TestLocalLocker_SerializesPerKey(t *testing.T) {
	l := NewLocalLocker()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
				mu.Lock()
				active++
				maxSeen = max(maxSeen, active)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", len(l.locks))
	}
}

func TestLocalLocker_HonorsContext(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "k", func(ctx context.Context) error { return nil })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
