// Package resolve decides which incoming entity names denote an entity that
// already exists in a knowledge base.
package resolve

import (
	"context"
	"strings"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"

	"golang.org/x/text/unicode/norm"
)

// Resolver returns a mapping from incoming node names to the existing names
// they should be renamed to. Names absent from the mapping are kept.
type Resolver interface {
	Resolve(ctx context.Context, existing, incoming *graph.Graph) (map[string]string, error)
}

// Noop never renames anything.
type Noop struct{}

func (Noop) Resolve(context.Context, *graph.Graph, *graph.Graph) (map[string]string, error) {
	return map[string]string{}, nil
}

// wrapping holds the quote and bracket runes that may enclose a name.
// Other punctuation is significant ("C", "C++" and "C#" differ). NFKC has
// already folded full-width brackets and quotes to their ASCII forms.
const wrapping = "\"'“”‘’《》〈〉「」『』【】()[]"

// Normalize folds a name for comparison: NFKC, lower case, no whitespace,
// no enclosing quotes or brackets.
func Normalize(name string) string {
	s := norm.NFKC.String(name)
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), "")
	return strings.Trim(s, wrapping)
}

type matchKey struct {
	name       string
	schemaType string
}

// Exact maps incoming names onto existing names that normalize to the same
// value under the same schema type.
type Exact struct{}

func (Exact) Resolve(ctx context.Context, existing, incoming *graph.Graph) (map[string]string, error) {
	mapping := make(map[string]string)
	if existing == nil || incoming == nil {
		return mapping, nil
	}

	lookup := make(map[matchKey]string, existing.Len())
	for _, n := range existing.Nodes() {
		if n.IsDerived() {
			continue
		}
		k := matchKey{Normalize(n.Name()), n.Properties.SchemaType}
		if k.name == "" {
			continue
		}
		if _, ok := lookup[k]; !ok {
			lookup[k] = n.Name()
		}
	}

	for _, n := range incoming.Nodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.IsDerived() {
			continue
		}
		if _, ok := existing.Index(n.Key()); ok {
			continue
		}
		target, ok := lookup[matchKey{Normalize(n.Name()), n.Properties.SchemaType}]
		if ok && target != n.Name() {
			mapping[n.Name()] = target
		}
	}
	return mapping, nil
}
