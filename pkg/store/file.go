package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// FileStore keeps one JSON file per knowledge base under
// <dir>/<user_id>/<kb_name>.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(ref KBRef) string {
	return filepath.Join(s.dir, ref.UserID, ref.KBName+".json")
}

func (s *FileStore) Load(ctx context.Context, ref KBRef) (*graph.Graph, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph %s: %w", ref, err)
	}
	return graph.Unmarshal(data)
}

// Save writes the graph to a temporary file in the target directory and
// renames it over the previous version.
func (s *FileStore) Save(ctx context.Context, ref KBRef, g *graph.Graph) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	data, err := graph.Marshal(g)
	if err != nil {
		return err
	}

	target := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create graph directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".graph-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write graph %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync graph %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close graph %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace graph %s: %w", ref, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, ref KBRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	err := os.Remove(s.path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete graph %s: %w", ref, err)
	}
	return nil
}
