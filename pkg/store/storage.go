// Package store persists knowledge base graphs and their embedding cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// ErrNotFound is returned by Load when a knowledge base has no stored graph.
var ErrNotFound = errors.New("store: graph not found")

// KBRef addresses one knowledge base.
type KBRef struct {
	UserID string `json:"user_id"`
	KBName string `json:"kb_name"`
}

// Validate rejects refs that are empty or would escape their directory.
func (r KBRef) Validate() error {
	for _, part := range []string{r.UserID, r.KBName} {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("invalid knowledge base ref %q/%q: empty component", r.UserID, r.KBName)
		}
		if part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("invalid knowledge base ref %q/%q: illegal path component", r.UserID, r.KBName)
		}
	}
	return nil
}

// Key returns "<user_id>/<kb_name>". It is used for locks, object keys and
// cache scoping.
func (r KBRef) Key() string {
	return r.UserID + "/" + r.KBName
}

func (r KBRef) String() string {
	return r.Key()
}

// GraphStore loads and replaces whole graphs. Save must replace the stored
// graph atomically: a reader sees either the old or the new graph.
type GraphStore interface {
	Load(ctx context.Context, ref KBRef) (*graph.Graph, error)
	Save(ctx context.Context, ref KBRef, g *graph.Graph) error
	// Delete removes the stored graph. Deleting a missing graph is not an error.
	Delete(ctx context.Context, ref KBRef) error
}

// LoadOrEmpty returns the stored graph or an empty one when none exists.
func LoadOrEmpty(ctx context.Context, s GraphStore, ref KBRef) (*graph.Graph, bool, error) {
	g, err := s.Load(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return graph.New(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}
