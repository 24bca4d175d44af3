// Package kb implements the knowledge base operations: incremental graph
// updates, community reports and deletion.
package kb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/extract"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/report"
	"github.com/OFFIS-RIT/kgraph/pkg/resolve"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/tree"
)

// LLMConfig overrides the chat model of a single request.
type LLMConfig struct {
	Model   string
	BaseURL string
	APIKey  string
}

func (c LLMConfig) empty() bool {
	return c.Model == "" && c.BaseURL == "" && c.APIKey == ""
}

// ClientFactory builds a client for a per-request model override.
type ClientFactory func(cfg LLMConfig) (ai.GraphAIClient, error)

// Engine runs knowledge base operations. Every operation that writes a
// graph holds the knowledge base lock for its whole load, change and save
// sequence.
type Engine struct {
	store      store.GraphStore
	locker     Locker
	resolver   resolve.Resolver
	ai         ai.GraphAIClient
	embedder   ai.Embedder
	embeddings *store.EmbeddingCache
	newClient  ClientFactory

	reportOpts  report.Options
	treeOpts    []tree.Option
	extractOpts extract.Options
}

// NewEngineParams configures an Engine.
//
// Store and AI are required. Locker defaults to a LocalLocker and Resolver
// to resolve.Exact. Embedder defaults to AI; set SkipTree to run reports
// without tree communities. Embeddings enables the persistent embedding
// cache and its cleanup on DeleteKB. ClientFactory enables per-request
// model overrides for extraction.
type NewEngineParams struct {
	Store         store.GraphStore
	Locker        Locker
	Resolver      resolve.Resolver
	AI            ai.GraphAIClient
	Embedder      ai.Embedder
	SkipTree      bool
	Embeddings    *store.EmbeddingCache
	ClientFactory ClientFactory

	Report  report.Options
	Tree    []tree.Option
	Extract extract.Options
}

func NewEngine(params NewEngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, errors.New("kb engine requires a graph store")
	}
	if params.AI == nil {
		return nil, errors.New("kb engine requires an ai client")
	}
	e := &Engine{
		store:       params.Store,
		locker:      params.Locker,
		resolver:    params.Resolver,
		ai:          params.AI,
		embedder:    params.Embedder,
		embeddings:  params.Embeddings,
		newClient:   params.ClientFactory,
		reportOpts:  params.Report,
		treeOpts:    params.Tree,
		extractOpts: params.Extract,
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.resolver == nil {
		e.resolver = resolve.Exact{}
	}
	if e.embedder == nil && !params.SkipTree {
		e.embedder = params.AI
	}
	return e, nil
}

// UpdateGraph merges triples into the stored graph of ref and returns the
// saved graph. Names in triples are rewritten in place when the resolver
// maps them onto existing entities.
func (e *Engine) UpdateGraph(ctx context.Context, ref store.KBRef, triples []graph.Triple) (*graph.Graph, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var merged *graph.Graph
	err := e.locker.WithLock(ctx, ref.Key(), func(ctx context.Context) error {
		var err error
		merged, err = e.update(ctx, ref, triples)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (e *Engine) update(ctx context.Context, ref store.KBRef, triples []graph.Triple) (*graph.Graph, error) {
	start := time.Now()
	existing, found, err := store.LoadOrEmpty(ctx, e.store, ref)
	if err != nil {
		return nil, err
	}

	sub := graph.BuildSubgraph(triples)
	if found && existing.Len() > 0 {
		mapping, err := e.resolver.Resolve(ctx, existing, sub)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve entities: %w", err)
		}
		if n := graph.RenameTriples(triples, mapping); n > 0 {
			logger.Debug("[Merge] renamed resolved entities", "kb", ref, "mapped", len(mapping), "endpoints", n)
			sub = graph.BuildSubgraph(triples)
		}
	}

	merged := graph.Merge(existing, sub)
	merged.ComputeRank()
	merged.ComputePageRank(graph.DefaultPageRankConfig())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, ref, merged); err != nil {
		return nil, fmt.Errorf("failed to save graph: %w", err)
	}

	logger.Info("[Merge] updated graph",
		"kb", ref,
		"triples", len(triples),
		"nodes", merged.Len(),
		"edges", merged.EdgeCount(),
		"duration", time.Since(start),
	)
	return merged, nil
}

// CommunityReport is one generated report as returned to callers.
type CommunityReport struct {
	Report   string   `json:"report"`
	Entities []string `json:"entities"`
	Title    string   `json:"report_title"`
	Summary  string   `json:"report_summary"`
}

// GenerateCommunityReports replaces all community and keyword nodes of ref
// with freshly generated ones: partition reports first, tree communities
// second. Nothing is saved when either stage fails.
func (e *Engine) GenerateCommunityReports(ctx context.Context, ref store.KBRef) ([]CommunityReport, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var out []CommunityReport
	err := e.locker.WithLock(ctx, ref.Key(), func(ctx context.Context) error {
		start := time.Now()
		g, err := e.store.Load(ctx, ref)
		if err != nil {
			return err
		}
		purged := g.PurgeCommunities()

		// the detector snapshots the entity layer before reports add nodes
		var det *tree.Detector
		if e.embedder != nil {
			det = tree.New(g, e.embedder, e.ai, e.treeOptions(ref)...)
		}

		res, err := report.New(e.ai, e.reportOpts).Generate(ctx, g)
		if err != nil {
			return fmt.Errorf("failed to generate reports: %w", err)
		}
		materialized := report.Materialize(g, res.Reports)

		var comms []tree.Community
		if det != nil {
			if comms, err = det.Run(ctx); err != nil {
				return err
			}
		}

		g.ComputeRank()
		g.ComputePageRank(graph.DefaultPageRankConfig())
		if err := e.store.Save(ctx, ref, g); err != nil {
			return fmt.Errorf("failed to save graph: %w", err)
		}

		out = make([]CommunityReport, len(res.Reports))
		for i, r := range res.Reports {
			out[i] = CommunityReport{
				Report:   res.Texts[i],
				Entities: r.Entities,
				Title:    r.Title,
				Summary:  r.Summary,
			}
		}
		logger.Info("[Report] regenerated communities",
			"kb", ref,
			"purged", purged,
			"reports", materialized,
			"skipped", len(res.Skipped),
			"tree_communities", len(comms),
			"duration", time.Since(start),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) treeOptions(ref store.KBRef) []tree.Option {
	opts := append([]tree.Option(nil), e.treeOpts...)
	if e.embeddings != nil {
		opts = append(opts, tree.WithEmbeddingCache(e.embeddings.ForKB(ref)))
	}
	return opts
}

// DeleteFile removes fileName's provenance from ref and drops the nodes
// only that file supported. A missing knowledge base is not an error.
func (e *Engine) DeleteFile(ctx context.Context, ref store.KBRef, fileName string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if fileName == "" {
		return errors.New("file name is empty")
	}
	return e.locker.WithLock(ctx, ref.Key(), func(ctx context.Context) error {
		g, err := e.store.Load(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("[Merge] delete file on missing graph", "kb", ref, "file", fileName)
			return nil
		}
		if err != nil {
			return err
		}
		removed := g.RemoveFile(fileName)
		g.ComputePageRank(graph.DefaultPageRankConfig())
		if err := e.store.Save(ctx, ref, g); err != nil {
			return fmt.Errorf("failed to save graph: %w", err)
		}
		logger.Info("[Merge] deleted file", "kb", ref, "file", fileName, "removed_nodes", removed, "nodes", g.Len())
		return nil
	})
}

// DeleteKB removes the stored graph of ref and its cached embeddings.
func (e *Engine) DeleteKB(ctx context.Context, ref store.KBRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return e.locker.WithLock(ctx, ref.Key(), func(ctx context.Context) error {
		if err := e.store.Delete(ctx, ref); err != nil {
			return err
		}
		if e.embeddings != nil {
			if err := e.embeddings.DeleteKB(ctx, ref); err != nil {
				return err
			}
		}
		logger.Info("[Merge] deleted knowledge base", "kb", ref)
		return nil
	})
}

// GetGraph returns the stored graph of ref as triples. A missing knowledge
// base yields an empty list.
func (e *Engine) GetGraph(ctx context.Context, ref store.KBRef) ([]graph.Triple, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	g, _, err := store.LoadOrEmpty(ctx, e.store, ref)
	if err != nil {
		return nil, err
	}
	return g.Triples(), nil
}
