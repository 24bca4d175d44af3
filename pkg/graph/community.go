package graph

import (
	"fmt"
	"slices"
	"strings"
)

// FieldSep joins multiple values stored in one description field.
const FieldSep = "<SEP>"

// Annotate appends title to the Description of every node in keys. A title
// already present on a node is not added twice. Unknown keys are ignored.
func (g *Graph) Annotate(keys []string, title string) {
	if title == "" {
		return
	}
	for _, key := range keys {
		i, ok := g.index[key]
		if !ok {
			continue
		}
		n := g.nodes[i]
		if n.Description == "" {
			n.Description = title
			continue
		}
		if slices.Contains(strings.Split(n.Description, FieldSep), title) {
			continue
		}
		n.Description += FieldSep + title
	}
}

// Annotations returns the titles stored on a node by Annotate.
func (n *Node) Annotations() []string {
	if n.Description == "" {
		return nil
	}
	return strings.Split(n.Description, FieldSep)
}

// IsDerived reports whether n was produced by community detection rather
// than extraction.
func (n *Node) IsDerived() bool {
	return n.Label == LabelCommunity || n.Label == LabelKeyword
}

// DerivedKey returns a key for a community or keyword node: base itself,
// or base with a "~n" suffix when an extracted node already holds base.
// The returned key is free or held by a derived node.
func (g *Graph) DerivedKey(base string) string {
	key := base
	for n := 1; ; n++ {
		i, ok := g.index[key]
		if !ok || g.nodes[i].IsDerived() {
			return key
		}
		key = fmt.Sprintf("%s~%d", base, n)
	}
}

// PurgeCommunities removes every community and keyword node along with
// their edges and clears all community annotations, leaving only extracted
// knowledge. It returns the number of removed nodes.
func (g *Graph) PurgeCommunities() int {
	removed := g.RemoveNodes((*Node).IsDerived)
	for _, n := range g.nodes {
		n.Description = ""
	}
	if removed > 0 {
		g.ComputeRank()
	}
	return removed
}
