package resolve

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	mapset "github.com/deckarep/golang-set/v2"
)

// incomingPerBatch leaves room in each model call for existing candidates.
const incomingPerBatch = ai.DedupeBatchSize / 3

// LLM asks a model to group incoming names with existing names that share
// at least one token. Exact matches are always applied; when a model call
// fails, that batch keeps only the exact matches.
type LLM struct {
	client     ai.FormatCompleter
	maxRetries int
}

// NewLLM creates a resolver backed by client.
func NewLLM(client ai.FormatCompleter, maxRetries int) *LLM {
	return &LLM{client: client, maxRetries: maxRetries}
}

type candidate struct {
	name       string
	schemaType string
}

func (r *LLM) Resolve(ctx context.Context, existing, incoming *graph.Graph) (map[string]string, error) {
	mapping, err := Exact{}.Resolve(ctx, existing, incoming)
	if err != nil {
		return nil, err
	}
	if existing == nil || incoming == nil || existing.Len() == 0 {
		return mapping, nil
	}

	byToken := make(map[string][]candidate)
	known := make(map[string]candidate, existing.Len())
	for _, n := range existing.Nodes() {
		if n.Label != graph.LabelEntity {
			continue
		}
		c := candidate{n.Name(), n.Properties.SchemaType}
		known[ai.NormalizeDedupeValue(c.name)] = c
		for _, tok := range tokens(c.name) {
			byToken[tok] = append(byToken[tok], c)
		}
	}

	var pending []candidate
	for _, n := range incoming.Nodes() {
		if n.Label != graph.LabelEntity {
			continue
		}
		if _, ok := mapping[n.Name()]; ok {
			continue
		}
		if _, ok := existing.Index(n.Key()); ok {
			continue
		}
		pending = append(pending, candidate{n.Name(), n.Properties.SchemaType})
	}

	for start := 0; start < len(pending); start += incomingPerBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := pending[start:min(start+incomingPerBatch, len(pending))]
		entities := r.batchEntities(batch, byToken)
		if len(entities) == len(batch) {
			// nothing existing to compare against
			continue
		}

		res, err := ai.CallDedupeAI(ctx, entities, r.client, r.maxRetries)
		if err != nil {
			logger.Warn("[Resolve] model call failed, keeping exact matches", "entities", len(entities), "err", err)
			continue
		}
		applyGroups(mapping, res.Duplicates, batch, known)
	}
	return mapping, nil
}

func (r *LLM) batchEntities(batch []candidate, byToken map[string][]candidate) []ai.DedupeEntity {
	entities := make([]ai.DedupeEntity, 0, ai.DedupeBatchSize)
	for _, c := range batch {
		entities = append(entities, ai.DedupeEntity{Name: c.name, Type: c.schemaType})
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for _, c := range batch {
		for _, tok := range tokens(c.name) {
			for _, e := range byToken[tok] {
				if len(entities) >= ai.DedupeBatchSize {
					return entities
				}
				if e.schemaType != c.schemaType || !seen.Add(e.name) {
					continue
				}
				entities = append(entities, ai.DedupeEntity{Name: e.name, Type: e.schemaType, Existing: true})
			}
		}
	}
	return entities
}

// applyGroups maps every incoming member of a group onto the group's
// existing member. Groups without an existing member of the same schema
// type are ignored, since they would not change the merge. Group names
// come back in the normalized form sent to the model.
func applyGroups(mapping map[string]string, groups []ai.DuplicateGroup, batch []candidate, known map[string]candidate) {
	pending := make(map[string]candidate, len(batch))
	for _, c := range batch {
		pending[ai.NormalizeDedupeValue(c.name)] = c
	}

	for _, g := range groups {
		target, ok := known[ai.NormalizeDedupeValue(g.Name)]
		if !ok {
			for _, name := range g.Entities {
				if target, ok = known[ai.NormalizeDedupeValue(name)]; ok {
					break
				}
			}
		}
		if !ok {
			continue
		}
		for _, name := range g.Entities {
			c, ok := pending[ai.NormalizeDedupeValue(name)]
			if !ok || c.name == target.name || c.schemaType != target.schemaType {
				continue
			}
			mapping[c.name] = target.name
		}
	}
}

// tokens splits a name into lookup tokens. Latin words of two or more
// letters are used as is; runs of Han characters contribute their bigrams.
func tokens(name string) []string {
	var res []string
	for _, word := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(word)
		if slices.ContainsFunc(runes, func(r rune) bool { return unicode.Is(unicode.Han, r) }) {
			if len(runes) == 1 {
				res = append(res, word)
				continue
			}
			for i := 0; i+1 < len(runes); i++ {
				res = append(res, string(runes[i:i+2]))
			}
			continue
		}
		if len(runes) >= 2 {
			res = append(res, word)
		}
	}
	return res
}
