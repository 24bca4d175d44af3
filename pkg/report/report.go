// Package report turns graph partitions into model-written community
// reports and writes them back into the graph.
package report

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/partition"

	"golang.org/x/sync/errgroup"
)

const (
	relHasAttribute = "has_attribute"
	relMemberOf     = "member_of"

	// minCommunitySize is the smallest level 0 community that gets a report.
	minCommunitySize = 3
	// minAttributeGroup is the smallest attribute group, attribute included.
	minAttributeGroup = 4
)

// Options configures a Generator.
type Options struct {
	MaxWorkers   int
	MaxRelations int
	Partition    partition.Config
}

// Generator writes one report per qualifying community.
type Generator struct {
	llm  ai.Completer
	opts Options

	// mu serializes annotation writes to the graph.
	mu sync.Mutex
}

// New creates a Generator. Zero options take defaults: 8 workers and
// 10000 relation rows per prompt.
func New(llm ai.Completer, opts Options) *Generator {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.MaxRelations <= 0 {
		opts.MaxRelations = 10000
	}
	if opts.Partition == (partition.Config{}) {
		opts.Partition = partition.DefaultConfig()
	}
	return &Generator{llm: llm, opts: opts}
}

// Skip records a community that produced no report.
type Skip struct {
	Community string
	Err       error
}

// Result holds the reports of one run. Texts[i] is the markdown rendering
// of Reports[i].
type Result struct {
	Reports []Report
	Texts   []string
	Skipped []Skip
}

// unit is one report to produce.
type unit struct {
	name    string
	members []int
	prompt  func() string
}

type outcome struct {
	report Report
	err    error
}

// Generate partitions g, builds attribute communities and asks the model
// for a report on each qualifying community. Failing units are skipped and
// never abort the run. Reports are annotated on their member nodes.
func (gen *Generator) Generate(ctx context.Context, g *graph.Graph) (*Result, error) {
	start := time.Now()
	g.ComputeRank()

	parts := partition.Leiden(g, gen.opts.Partition)
	level0 := make([][]int, 0, len(parts[0]))
	for id := range len(parts[0]) {
		level0 = append(level0, indices(g, parts[0][id]))
	}
	logger.Info("[Report] partitioned graph", "nodes", g.Len(), "communities", len(level0), "levels", len(parts))

	res := &Result{}

	attrUnits := gen.attributeUnits(g, level0)
	if err := gen.run(ctx, g, attrUnits, res); err != nil {
		return res, err
	}

	var commUnits []unit
	for id, members := range level0 {
		if len(members) < minCommunitySize {
			continue
		}
		commUnits = append(commUnits, gen.communityUnit(g, id, members))
	}
	if err := gen.run(ctx, g, commUnits, res); err != nil {
		return res, err
	}

	logger.Info("[Report] finished",
		"reports", len(res.Reports),
		"skipped", len(res.Skipped),
		"duration", time.Since(start),
	)
	return res, nil
}

func indices(g *graph.Graph, keys []string) []int {
	res := make([]int, 0, len(keys))
	for _, k := range keys {
		if i, ok := g.Index(k); ok {
			res = append(res, i)
		}
	}
	return res
}

func (gen *Generator) communityUnit(g *graph.Graph, id int, members []int) unit {
	nodes := expand(g, members)
	return unit{
		name:    fmt.Sprintf("community %d", id),
		members: nodes,
		prompt: func() string {
			relations, rows := relationTable(g, nodes, gen.opts.MaxRelations)
			logger.Debug("[Report] built community prompt", "community", id, "entities", len(nodes), "relations", rows)
			return render(ai.CommunityReportPrompt, map[string]string{
				"entity_df":   entityTable(g, nodes),
				"relation_df": relations,
			})
		},
	}
}

// attributeUnits groups subjects by the attribute node they point to with
// has_attribute. Groups with fewer than minAttributeGroup nodes, attribute
// included, and groups equal to a level 0 community are dropped.
func (gen *Generator) attributeUnits(g *graph.Graph, level0 [][]int) []unit {
	groups := make(map[int][]int)
	var order []int
	for _, e := range g.Edges() {
		if e.Relation != relHasAttribute {
			continue
		}
		if _, ok := groups[e.To]; !ok {
			order = append(order, e.To)
		}
		if !slices.Contains(groups[e.To], e.From) {
			groups[e.To] = append(groups[e.To], e.From)
		}
	}

	existing := make(map[string]struct{}, len(level0))
	for _, c := range level0 {
		existing[setKey(c)] = struct{}{}
	}

	var units []unit
	for _, attr := range order {
		subjects := groups[attr]
		members := append(slices.Clone(subjects), attr)
		if len(members) < minAttributeGroup {
			continue
		}
		if _, dup := existing[setKey(members)]; dup {
			continue
		}
		name := g.NodeAt(attr).Name()
		units = append(units, unit{
			name:    "attribute " + name,
			members: members,
			prompt: func() string {
				return render(ai.AttributeReportPrompt, map[string]string{
					"attribute": name,
					"entity_df": entityTable(g, subjects),
				})
			},
		})
	}
	return units
}

func setKey(members []int) string {
	s := slices.Clone(members)
	slices.Sort(s)
	return fmt.Sprint(s)
}

// workerLimit bounds concurrent model calls by configuration and CPU count.
func (gen *Generator) workerLimit() int {
	return min(gen.opts.MaxWorkers, runtime.NumCPU()+4)
}

// run executes units concurrently and appends their outcomes to res in
// unit order. Unit failures become skips. It only returns an error when
// ctx ends before all units ran.
func (gen *Generator) run(ctx context.Context, g *graph.Graph, units []unit, res *Result) error {
	if len(units) == 0 {
		return nil
	}
	outcomes := make([]outcome, len(units))
	started := make([]bool, len(units))

	// Prompts read node descriptions that produce annotates, so every
	// prompt is rendered before the first worker starts.
	prompts := make([]string, len(units))
	for k, u := range units {
		prompts[k] = u.prompt()
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(gen.workerLimit())
	for k, u := range units {
		if ectx.Err() != nil {
			break
		}
		started[k] = true
		eg.Go(func() error {
			outcomes[k] = gen.produce(ectx, g, u, prompts[k])
			return nil
		})
	}
	_ = eg.Wait()

	for k, u := range units {
		if !started[k] {
			continue
		}
		o := outcomes[k]
		if o.err != nil {
			logger.Warn("[Report] skipped community", "community", u.name, "err", o.err)
			res.Skipped = append(res.Skipped, Skip{Community: u.name, Err: o.err})
			continue
		}
		res.Reports = append(res.Reports, o.report)
		res.Texts = append(res.Texts, RenderText(o.report))
	}
	return ctx.Err()
}

func (gen *Generator) produce(ctx context.Context, g *graph.Graph, u unit, prompt string) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}
	text, err := gen.llm.GenerateCompletion(ctx, prompt)
	if err != nil {
		return outcome{err: fmt.Errorf("completion failed: %w", err)}
	}
	r, err := ParseReport(text)
	if err != nil {
		return outcome{err: err}
	}

	gen.mu.Lock()
	r.Entities = make([]string, len(u.members))
	for k, m := range u.members {
		r.Entities[k] = g.NodeAt(m).Key()
	}
	g.Annotate(r.Entities, r.Title)
	gen.mu.Unlock()

	return outcome{report: r}
}

// ReportNodeKey is the preferred node key of the n-th materialized report.
// Materialize falls back to a suffixed key when an entity holds it.
func ReportNodeKey(n int) string {
	return fmt.Sprintf("report_%d", n)
}

// Materialize adds one community node per report, linked from each member
// by a member_of edge, and returns the number of nodes added.
func Materialize(g *graph.Graph, reports []Report) int {
	added := 0
	for n, r := range reports {
		key := g.DerivedKey(ReportNodeKey(n))
		idx, inserted := g.AddNode(&graph.Node{
			Label: graph.LabelCommunity,
			Level: graph.LevelCommunity,
			Properties: graph.Properties{
				Name:        r.Title,
				Description: r.Summary,
				Members:     slices.Clone(r.Entities),
				NodeID:      key,
				Extra:       map[string]any{"rating": r.Rating},
			},
		})
		if !inserted {
			continue
		}
		added++
		for _, m := range r.Entities {
			if i, ok := g.Index(m); ok && i != idx {
				g.AddEdge(i, idx, relMemberOf)
			}
		}
	}
	return added
}
