// Package extract turns document chunks into graph triples with a
// structured-output model call per chunk.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"
)

const (
	RelationHasAttribute = "has_attribute"

	defaultMaxTokens = 6000
	defaultWorkers   = 8
	tokenEncoding    = "cl100k_base"
)

type extractedEntity struct {
	Name        string `json:"name" jsonschema_description:"Exact name of the entity as written in the text"`
	Type        string `json:"type" jsonschema_description:"Entity type, one of the schema types when a schema is given"`
	Description string `json:"description" jsonschema_description:"Short description of the entity based only on the text"`
}

type extractedAttribute struct {
	Entity    string `json:"entity" jsonschema_description:"Name of the entity the attribute belongs to"`
	Attribute string `json:"attribute" jsonschema_description:"Attribute written as '<attribute name>：<value>'"`
}

type extractedRelation struct {
	Source   string `json:"source" jsonschema_description:"Name of the source entity"`
	Relation string `json:"relation" jsonschema_description:"Short predicate connecting source and target"`
	Target   string `json:"target" jsonschema_description:"Name of the target entity"`
}

type extractionResult struct {
	Entities   []extractedEntity    `json:"entities" jsonschema_description:"Entities identified in the chunk"`
	Attributes []extractedAttribute `json:"attributes" jsonschema_description:"Attributes of the identified entities"`
	Relations  []extractedRelation  `json:"relations" jsonschema_description:"Relations between the identified entities"`
}

// Chunk is one piece of a source document.
type Chunk struct {
	ID    string
	Title string
	// Text is sent to the model.
	Text     string
	MetaData map[string]any
}

// Options configures an Extractor.
type Options struct {
	MaxTokens int
	Workers   int
}

// Extractor extracts triples from chunks.
type Extractor struct {
	client    ai.FormatCompleter
	maxTokens int
	workers   int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// New creates an Extractor. Chunks longer than MaxTokens tokens are
// truncated before the call.
func New(client ai.FormatCompleter, opts Options) *Extractor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Extractor{client: client, maxTokens: opts.MaxTokens, workers: opts.Workers}
}

// NewChunkID returns a fresh chunk id.
func NewChunkID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate chunk id: %w", err)
	}
	return id, nil
}

// truncate cuts text to the configured token budget. A byte length within
// the budget can never exceed it, so short texts skip the tokenizer.
func (e *Extractor) truncate(text string) string {
	if len(text) <= e.maxTokens {
		return text
	}
	e.encOnce.Do(func() {
		e.enc, e.encErr = tiktoken.GetEncoding(tokenEncoding)
	})
	if e.encErr != nil {
		logger.Warn("[Extract] tokenizer unavailable, sending chunk untruncated", "err", e.encErr)
		return text
	}
	tokens := e.enc.Encode(text, nil, nil)
	if len(tokens) <= e.maxTokens {
		return text
	}
	return e.enc.Decode(tokens[:e.maxTokens])
}

// Extract runs one model call on chunk and converts the result to
// triples. Every endpoint carries the chunk id and fileName as provenance.
// Relations and attributes that name an unknown entity are dropped, as are
// entity types outside schema.
func (e *Extractor) Extract(ctx context.Context, chunk Chunk, fileName string, schema *Schema) ([]graph.Triple, error) {
	if strings.TrimSpace(chunk.Text) == "" {
		return nil, nil
	}

	var res extractionResult
	err := e.client.GenerateCompletionWithFormat(
		ctx,
		"extract_knowledge_graph",
		"Extract entities, attributes and relations from a document chunk.",
		e.truncate(chunk.Text),
		&res,
		ai.WithSystemPrompts(fmt.Sprintf(ai.ExtractPrompt, schema.Guide())),
	)
	if err != nil {
		return nil, fmt.Errorf("extraction failed for chunk %s: %w", chunk.ID, err)
	}
	return toTriples(res, chunk.ID, fileName, schema), nil
}

func toTriples(res extractionResult, chunkID, fileName string, schema *Schema) []graph.Triple {
	entities := make(map[string]graph.TripleNode, len(res.Entities))
	for _, ent := range res.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		if _, ok := entities[name]; ok {
			continue
		}
		typ := strings.TrimSpace(ent.Type)
		if !schema.HasType(typ) {
			logger.Debug("[Extract] dropping type outside schema", "entity", name, "type", typ)
			typ = ""
		}
		entities[name] = graph.TripleNode{
			Label: graph.LabelEntity,
			Properties: graph.Properties{
				Name:        name,
				SchemaType:  typ,
				Description: strings.TrimSpace(ent.Description),
			},
		}
	}

	node := func(n graph.TripleNode) graph.TripleNode {
		n.Properties.ChunkID = chunkID
		n.Properties.FileNames = []string{fileName}
		return n
	}

	var triples []graph.Triple
	for _, attr := range res.Attributes {
		subject, ok := entities[strings.TrimSpace(attr.Entity)]
		value := strings.TrimSpace(attr.Attribute)
		if !ok || value == "" {
			continue
		}
		triples = append(triples, graph.Triple{
			StartNode: node(subject),
			Relation:  RelationHasAttribute,
			EndNode: node(graph.TripleNode{
				Label:      graph.LabelAttribute,
				Properties: graph.Properties{Name: value},
			}),
		})
	}
	for _, rel := range res.Relations {
		src, ok := entities[strings.TrimSpace(rel.Source)]
		if !ok {
			continue
		}
		dst, ok := entities[strings.TrimSpace(rel.Target)]
		if !ok {
			continue
		}
		relation := strings.TrimSpace(rel.Relation)
		if relation == "" {
			relation = "related_to"
		}
		triples = append(triples, graph.Triple{
			StartNode: node(src),
			Relation:  relation,
			EndNode:   node(dst),
		})
	}
	return triples
}

// ExtractAll extracts every chunk concurrently and returns the triples in
// chunk order. Failed chunks are logged and skipped; an error is returned
// only when ctx ends or every non-empty chunk failed.
func (e *Extractor) ExtractAll(ctx context.Context, chunks []Chunk, fileName string, schema *Schema) ([]graph.Triple, error) {
	results := make([][]graph.Triple, len(chunks))
	errs := make([]error, len(chunks))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for i, c := range chunks {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = e.Extract(ectx, c, fileName, schema)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		triples  []graph.Triple
		failed   []error
		attempts int
	)
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) != "" {
			attempts++
		}
		if errs[i] != nil {
			logger.Warn("[Extract] skipped chunk", "chunk", c.ID, "err", errs[i])
			failed = append(failed, errs[i])
			continue
		}
		triples = append(triples, results[i]...)
	}
	if attempts > 0 && len(failed) == attempts {
		return nil, errors.Join(failed...)
	}
	logger.Info("[Extract] extracted chunks", "chunks", len(chunks), "failed", len(failed), "triples", len(triples))
	return triples, nil
}
