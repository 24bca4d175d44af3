package graph

import (
	"encoding/json"
	"fmt"
)

// TripleNode is one endpoint of a Triple as stored on disk.
type TripleNode struct {
	Label       Label      `json:"label"`
	Properties  Properties `json:"properties"`
	Description string     `json:"description"`
}

// Triple is the unit of extraction and of the durable graph format: one
// edge with both endpoint payloads fully expanded.
type Triple struct {
	StartNode TripleNode `json:"start_node"`
	Relation  string     `json:"relation"`
	EndNode   TripleNode `json:"end_node"`
}

type subgraphKey struct {
	name       string
	schemaType string
}

// BuildSubgraph builds a graph from triples. Within one call node identity
// is (name, schema_type) and the first occurrence sets the node payload;
// later occurrences only contribute edges. Every triple adds one edge.
//
// The graph key is still the name, so a second schema type under an
// already used name resolves to the first node.
func BuildSubgraph(triples []Triple) *Graph {
	g := New()
	seen := make(map[subgraphKey]int)

	add := func(tn TripleNode) int {
		props := tn.Properties.clone()
		k := subgraphKey{name: props.Name, schemaType: props.SchemaType}
		if props.NodeID != "" {
			k = subgraphKey{name: props.NodeID, schemaType: string(tn.Label)}
		}
		if i, ok := seen[k]; ok {
			return i
		}
		i, _ := g.AddNode(&Node{
			Label:       tn.Label,
			Level:       LevelFor(tn.Label),
			Properties:  props,
			Description: tn.Description,
		})
		seen[k] = i
		return i
	}

	for _, t := range triples {
		u := add(t.StartNode)
		v := add(t.EndNode)
		g.AddEdge(u, v, t.Relation)
	}
	return g
}

func (g *Graph) tripleNode(i int) TripleNode {
	n := g.nodes[i]
	return TripleNode{
		Label:       n.Label,
		Properties:  n.Properties.clone(),
		Description: n.Description,
	}
}

// Triples serializes the graph edge by edge. Nodes without edges carry no
// retrievable fact and are not represented.
func (g *Graph) Triples() []Triple {
	res := make([]Triple, 0, len(g.edges))
	for _, e := range g.edges {
		res = append(res, Triple{
			StartNode: g.tripleNode(e.From),
			Relation:  e.Relation,
			EndNode:   g.tripleNode(e.To),
		})
	}
	return res
}

// Marshal encodes g in the durable triple-list format.
func Marshal(g *Graph) ([]byte, error) {
	b, err := json.Marshal(g.Triples())
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	return b, nil
}

// Unmarshal decodes the durable triple-list format and recomputes ranks.
func Unmarshal(data []byte) (*Graph, error) {
	var triples []Triple
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	g := BuildSubgraph(triples)
	g.ComputeRank()
	return g, nil
}

// RenameTriples rewrites endpoint names found in mapping, in place.
func RenameTriples(triples []Triple, mapping map[string]string) int {
	if len(mapping) == 0 {
		return 0
	}
	renamed := 0
	for i := range triples {
		if to, ok := mapping[triples[i].StartNode.Properties.Name]; ok {
			triples[i].StartNode.Properties.Name = to
			renamed++
		}
		if to, ok := mapping[triples[i].EndNode.Properties.Name]; ok {
			triples[i].EndNode.Properties.Name = to
			renamed++
		}
	}
	return renamed
}
