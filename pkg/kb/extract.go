package kb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/extract"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	mapset "github.com/deckarep/golang-set/v2"
)

// ChunkInput is one chunk of an uploaded document.
type ChunkInput struct {
	Title    string         `json:"title"`
	Snippet  string         `json:"snippet" validate:"required"`
	MetaData map[string]any `json:"meta_data"`
}

// ExtractRequest asks for triples from the chunks of one file and merges
// them into a knowledge base.
type ExtractRequest struct {
	UserID     string         `json:"user_id" validate:"required"`
	KBName     string         `json:"kb_name" validate:"required"`
	FileName   string         `json:"file_name" validate:"required"`
	Chunks     []ChunkInput   `json:"chunks" validate:"required,min=1,dive"`
	LLMModel   string         `json:"llm_model"`
	LLMBaseURL string         `json:"llm_base_url"`
	LLMAPIKey  string         `json:"llm_api_key"`
	ClientID   string         `json:"client_id"`
	Schema     map[string]any `json:"schema"`
}

func (r ExtractRequest) Ref() store.KBRef {
	return store.KBRef{UserID: r.UserID, KBName: r.KBName}
}

// GraphChunk is one extracted triple packaged for retrieval indexing.
type GraphChunk struct {
	ChunkType     string         `json:"chunk_type"`
	GraphDataText string         `json:"graph_data_text"`
	GraphData     graph.Triple   `json:"graph_data"`
	MetaData      map[string]any `json:"meta_data"`
}

// ExtractResponse holds the extraction result of one file.
type ExtractResponse struct {
	GraphChunks []GraphChunk `json:"graph_chunks"`
	Vocabulary  []string     `json:"graph_vocabulary_set"`
}

const (
	chunkTypeGraph   = "graph"
	untypedNodeType  = "graph_node"
	referenceSnippet = "reference_snippet"
)

var chunkIDKeys = []string{"chunk_id", "chunk id", "id"}

// ExtractGraphData extracts triples from the request chunks, merges them
// into the knowledge base and returns one graph chunk per triple plus the
// vocabulary of the extracted nodes.
func (e *Engine) ExtractGraphData(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	ref := req.Ref()
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if req.FileName == "" {
		return nil, errors.New("file name is empty")
	}

	schema, err := parseSchema(req.Schema)
	if err != nil {
		return nil, err
	}
	client, err := e.clientFor(LLMConfig{Model: req.LLMModel, BaseURL: req.LLMBaseURL, APIKey: req.LLMAPIKey})
	if err != nil {
		return nil, err
	}

	stem := util.FileStem(req.FileName)
	chunks := make([]extract.Chunk, len(req.Chunks))
	byID := make(map[string]ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		id, err := chunkID(c.MetaData)
		if err != nil {
			return nil, err
		}
		chunks[i] = extract.Chunk{
			ID:       id,
			Title:    c.Title,
			Text:     stem + ":" + c.Snippet,
			MetaData: c.MetaData,
		}
		byID[id] = c
	}

	triples, err := extract.New(client, e.extractOpts).ExtractAll(ctx, chunks, req.FileName, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to extract graph data: %w", err)
	}
	if len(triples) > 0 {
		if _, err := e.UpdateGraph(ctx, ref, triples); err != nil {
			return nil, err
		}
	}

	return &ExtractResponse{
		GraphChunks: graphChunks(triples, byID),
		Vocabulary:  vocabulary(triples),
	}, nil
}

func (e *Engine) clientFor(cfg LLMConfig) (ai.FormatCompleter, error) {
	if cfg.empty() {
		return e.ai, nil
	}
	if e.newClient == nil {
		logger.Debug("[Extract] model override ignored, no client factory configured", "model", cfg.Model)
		return e.ai, nil
	}
	client, err := e.newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for model %q: %w", cfg.Model, err)
	}
	return client, nil
}

func parseSchema(raw map[string]any) (*extract.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := extract.ParseSchema(raw)
	if errors.Is(err, extract.ErrNoSchema) {
		logger.Warn("[Extract] schema without types ignored")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

func chunkID(meta map[string]any) (string, error) {
	for _, k := range chunkIDKeys {
		if v, ok := meta[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s, nil
			}
		}
	}
	return extract.NewChunkID()
}

func graphChunks(triples []graph.Triple, chunks map[string]ChunkInput) []GraphChunk {
	out := make([]GraphChunk, 0, len(triples))
	for _, t := range triples {
		src := chunks[t.StartNode.Properties.ChunkID]
		meta := maps.Clone(src.MetaData)
		if meta == nil {
			meta = make(map[string]any)
		}
		meta[referenceSnippet] = src.Snippet

		data := t
		data.StartNode.Properties.ChunkID = ""
		data.EndNode.Properties.ChunkID = ""
		out = append(out, GraphChunk{
			ChunkType:     chunkTypeGraph,
			GraphDataText: fmt.Sprintf("%s %s %s", t.StartNode.Properties.Name, t.Relation, t.EndNode.Properties.Name),
			GraphData:     data,
			MetaData:      meta,
		})
	}
	return out
}

// vocabulary lists every endpoint once as "<name>|||schema_type:K:<type>".
func vocabulary(triples []graph.Triple) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	add := func(n graph.TripleNode) {
		typ := n.Properties.SchemaType
		if typ == "" {
			typ = untypedNodeType
		}
		set.Add(fmt.Sprintf("%s|||schema_type:K:%s", n.Properties.Name, typ))
	}
	for _, t := range triples {
		add(t.StartNode)
		add(t.EndNode)
	}
	out := set.ToSlice()
	slices.Sort(out)
	return out
}
