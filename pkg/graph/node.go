package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Label classifies a node. Unknown labels read from disk are kept verbatim.
type Label string

const (
	LabelEntity    Label = "entity"
	LabelAttribute Label = "attribute"
	LabelKeyword   Label = "keyword"
	LabelCommunity Label = "community"
)

// Node levels route the detection stages.
const (
	LevelAttribute = 1
	LevelEntity    = 2
	LevelKeyword   = 3
	LevelCommunity = 4
)

// LevelFor maps a label to its level. Unknown labels are treated as entities.
func LevelFor(label Label) int {
	switch label {
	case LabelAttribute:
		return LevelAttribute
	case LabelEntity:
		return LevelEntity
	case LabelKeyword:
		return LevelKeyword
	case LabelCommunity:
		return LevelCommunity
	default:
		return LevelEntity
	}
}

// Properties is the property map of a node. Well-known keys get typed
// fields, everything else is carried through Extra untouched.
type Properties struct {
	Name        string
	SchemaType  string
	Description string
	Members     []string
	FileNames   []string
	// ChunkID is stored under the key "chunk id".
	ChunkID string
	// NodeID overrides Name as the graph key. Super-nodes use it so that
	// their generated id survives a save/load cycle.
	NodeID string
	Extra  map[string]any
}

const (
	propName        = "name"
	propSchemaType  = "schema_type"
	propDescription = "description"
	propMembers     = "members"
	propFileNames   = "file_names"
	propChunkID     = "chunk id"
	propNodeID      = "node_id"
)

func (p Properties) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+7)
	for k, v := range p.Extra {
		m[k] = v
	}
	m[propName] = p.Name
	if p.SchemaType != "" {
		m[propSchemaType] = p.SchemaType
	}
	if p.Description != "" {
		m[propDescription] = p.Description
	}
	if p.Members != nil {
		m[propMembers] = p.Members
	}
	if p.FileNames != nil {
		m[propFileNames] = p.FileNames
	}
	if p.ChunkID != "" {
		m[propChunkID] = p.ChunkID
	}
	if p.NodeID != "" {
		m[propNodeID] = p.NodeID
	}
	return json.Marshal(m)
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PropertiesFromMap(raw)
	return nil
}

// PropertiesFromMap converts a loosely typed property map, as produced by
// extraction or a JSON decode, into Properties.
func PropertiesFromMap(raw map[string]any) Properties {
	var p Properties
	for k, v := range raw {
		switch k {
		case propName:
			p.Name = coerceName(v)
		case propSchemaType:
			p.SchemaType = coerceString(v)
		case propDescription:
			p.Description = coerceString(v)
		case propMembers:
			p.Members = coerceStrings(v)
		case propFileNames:
			p.FileNames = coerceStrings(v)
		case propChunkID:
			p.ChunkID = coerceString(v)
		case propNodeID:
			p.NodeID = coerceString(v)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
	}
	return p
}

// coerceName renders a name value as a string. Lists are joined with ", ".
func coerceName(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, coerceString(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	default:
		return coerceString(v)
	}
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func coerceStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, coerceString(item))
		}
		return out
	default:
		return []string{coerceString(t)}
	}
}

func (p Properties) clone() Properties {
	c := p
	if p.Members != nil {
		c.Members = append([]string(nil), p.Members...)
	}
	if p.FileNames != nil {
		c.FileNames = append([]string(nil), p.FileNames...)
	}
	if p.Extra != nil {
		c.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Node is a vertex of the knowledge graph.
type Node struct {
	Label      Label
	Level      int
	Properties Properties
	// Description holds community annotations joined by FieldSep.
	Description string
	Rank        int
	PageRank    float64
}

// Key returns the identity of the node inside a graph.
func (n *Node) Key() string {
	if n.Properties.NodeID != "" {
		return n.Properties.NodeID
	}
	return n.Properties.Name
}

// Name returns the display name of the node.
func (n *Node) Name() string {
	return n.Properties.Name
}

func (n *Node) clone() *Node {
	c := *n
	c.Properties = n.Properties.clone()
	return &c
}
