package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
)

const (
	relMemberOf      = "member_of"
	relRepresentedBy = "represented_by"
	relKeywordOf     = "keyword_of"
	relKwFilterBy    = "kw_filter_by"

	promptMembers = 10
)

type namingInput struct {
	ID      int      `json:"id"`
	Center  string   `json:"center"`
	Members []string `json:"members"`
	Size    int      `json:"size"`
}

type namingOutput struct {
	ID      any    `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// SuperNodeKey is the preferred node key of the super-node of community
// id. An entity already holding it pushes the super-node to a suffixed key.
func SuperNodeKey(level, id int) string {
	return fmt.Sprintf("comm_%d_%d", level, id)
}

// KeywordNodeKey is the node key of a keyword node.
func KeywordNodeKey(id int, memberKey string) string {
	return fmt.Sprintf("kw_%d_%s", id, memberKey)
}

func sortedIDs(comms map[int][]int) []int {
	ids := make([]int, 0, len(comms))
	for id, members := range comms {
		if len(members) >= 2 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// CreateSuperNodes names communities with at least two members in batches
// and adds one community node per community, linked from each member by a
// member_of edge. A batch whose naming call fails falls back to generic
// names.
func (d *Detector) CreateSuperNodes(ctx context.Context, comms map[int][]int, level int) ([]Community, error) {
	ids := sortedIDs(comms)
	res := make([]Community, 0, len(ids))

	for start := 0; start < len(ids); start += d.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := ids[start:min(start+d.batchSize, len(ids))]

		inputs := make([]namingInput, 0, len(batch))
		centers := make(map[int]int, len(batch))
		for _, id := range batch {
			members := comms[id]
			center, err := d.center(ctx, members)
			if err != nil {
				return nil, err
			}
			centers[id] = center
			names := make([]string, 0, min(len(members), promptMembers))
			for _, m := range members[:min(len(members), promptMembers)] {
				names = append(names, d.names[m])
			}
			inputs = append(inputs, namingInput{ID: id, Center: d.names[center], Members: names, Size: len(members)})
		}

		named := d.nameBatch(ctx, inputs)
		for _, id := range batch {
			c := Community{
				ID:      id,
				Level:   level,
				Members: d.memberKeys(comms[id]),
				Center:  d.keys[centers[id]],
				Name:    fmt.Sprintf("Community_%d", id),
				Summary: fmt.Sprintf("Community of %d members", len(comms[id])),
			}
			if out, ok := named[fmt.Sprint(id)]; ok {
				if out.Name != "" {
					c.Name = out.Name
				}
				if out.Summary != "" {
					c.Summary = out.Summary
				}
			}
			c.Key = d.addSuperNode(c, comms[id])
			res = append(res, c)
		}
	}
	logger.Info("[Tree] created super nodes", "count", len(res), "level", level)
	return res, nil
}

// nameBatch asks the model for names of one batch. Failures are logged and
// yield an empty result.
func (d *Detector) nameBatch(ctx context.Context, inputs []namingInput) map[string]namingOutput {
	named := make(map[string]namingOutput)
	if d.completer == nil || len(inputs) == 0 {
		return named
	}

	data, err := json.Marshal(inputs)
	if err != nil {
		logger.Error("[Tree] failed to encode naming batch", "err", err)
		return named
	}

	start := time.Now()
	reply, err := d.completer.GenerateCompletion(ctx, fmt.Sprintf(ai.SuperNodePrompt, string(data)))
	if err != nil {
		logger.Error("[Tree] batch naming failed", "communities", len(inputs), "err", err)
		return named
	}
	var outs []namingOutput
	if err := ai.UnmarshalFlexible(reply, &outs); err != nil {
		logger.Error("[Tree] batch naming reply unreadable", "communities", len(inputs), "err", err)
		return named
	}
	for _, o := range outs {
		named[fmt.Sprint(o.ID)] = o
	}
	logger.Debug("[Tree] named batch", "communities", len(inputs), "duration", time.Since(start))
	return named
}

func (d *Detector) memberKeys(members []int) []string {
	keys := make([]string, len(members))
	for k, m := range members {
		keys[k] = d.keys[m]
	}
	return keys
}

func (d *Detector) memberNames(members []int) []string {
	names := make([]string, len(members))
	for k, m := range members {
		names[k] = d.names[m]
	}
	return names
}

func (d *Detector) addSuperNode(c Community, members []int) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.g.DerivedKey(SuperNodeKey(c.Level, c.ID))
	d.superKeys[c.ID] = key
	super, _ := d.g.AddNode(&graph.Node{
		Label: graph.LabelCommunity,
		Level: c.Level,
		Properties: graph.Properties{
			Name:        c.Name,
			Description: c.Summary,
			Members:     d.memberNames(members),
			NodeID:      key,
		},
	})
	for _, m := range members {
		if !d.g.HasEdgeRelation(m, super, relMemberOf) {
			d.g.AddEdge(m, super, relMemberOf)
		}
	}
	return key
}

// CreateKeywordNodes adds keyword nodes for the top members of each
// community with at least two members. A keyword node is reached from its
// member through represented_by and kw_filter_by and points to the
// community super-node through keyword_of.
func (d *Detector) CreateKeywordNodes(ctx context.Context, comms map[int][]int, level int) (int, error) {
	created := 0
	for _, id := range sortedIDs(comms) {
		keywords, err := d.Keywords(ctx, comms[id], d.topK)
		if err != nil {
			return created, err
		}

		d.mu.Lock()
		superKey, known := d.superKeys[id]
		if !known {
			superKey = SuperNodeKey(level, id)
		}
		super, ok := d.g.Index(superKey)
		ok = ok && d.g.NodeAt(super).IsDerived()
		for _, kw := range keywords {
			key := d.g.DerivedKey(KeywordNodeKey(id, d.keys[kw]))
			kwIdx, inserted := d.g.AddNode(&graph.Node{
				Label:      graph.LabelKeyword,
				Level:      graph.LevelKeyword,
				Properties: graph.Properties{Name: d.names[kw], NodeID: key},
			})
			if !inserted {
				continue
			}
			created++
			d.g.AddEdge(kw, kwIdx, relRepresentedBy)
			if ok {
				d.g.AddEdge(kwIdx, super, relKeywordOf)
			}
			d.g.AddEdge(kw, kwIdx, relKwFilterBy)
		}
		d.mu.Unlock()
	}
	return created, nil
}

// Run detects communities on the entity level, materializes them as
// super-nodes and adds keyword nodes.
func (d *Detector) Run(ctx context.Context) ([]Community, error) {
	start := time.Now()
	comms, err := d.Detect(ctx, graph.LevelEntity)
	if err != nil {
		return nil, fmt.Errorf("failed to detect communities: %w", err)
	}
	res, err := d.CreateSuperNodes(ctx, comms, graph.LevelCommunity)
	if err != nil {
		return nil, fmt.Errorf("failed to create super nodes: %w", err)
	}
	keywords, err := d.CreateKeywordNodes(ctx, comms, graph.LevelCommunity)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword nodes: %w", err)
	}
	logger.Info("[Tree] finished", "communities", len(res), "keywords", keywords, "duration", time.Since(start))
	return res, nil
}
