package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

const embeddingBatchSize = 500

// DB is the subset of *pgxpool.Pool the embedding cache needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EmbeddingCache stores node embeddings in the node_embeddings table. Rows
// are keyed by knowledge base and content hash, so deleting a knowledge
// base drops exactly its rows.
//
// The pool must have the pgvector types registered.
type EmbeddingCache struct {
	db DB
}

func NewEmbeddingCache(db DB) *EmbeddingCache {
	return &EmbeddingCache{db: db}
}

// ForKB returns a cache view scoped to one knowledge base.
func (c *EmbeddingCache) ForKB(ref KBRef) *KBEmbeddingCache {
	return &KBEmbeddingCache{db: c.db, kb: ref.Key()}
}

// DeleteKB removes every cached embedding of ref.
func (c *EmbeddingCache) DeleteKB(ctx context.Context, ref KBRef) error {
	if _, err := c.db.Exec(ctx, deleteKBEmbeddingsSQL, ref.Key()); err != nil {
		return fmt.Errorf("failed to delete embeddings of %s: %w", ref, err)
	}
	return nil
}

// KBEmbeddingCache is an EmbeddingCache view on one knowledge base.
type KBEmbeddingCache struct {
	db DB
	kb string
}

// Get returns the cached vectors for keys. Missing keys are absent from
// the result.
func (c *KBEmbeddingCache) Get(ctx context.Context, keys []string) (map[string][]float32, error) {
	res := make(map[string][]float32, len(keys))
	err := ChunkRange(len(keys), embeddingBatchSize, func(start, end int) error {
		rows, err := c.db.Query(ctx, getEmbeddingsSQL, c.kb, keys[start:end])
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				hash string
				vec  pgvector.Vector
			)
			if err := rows.Scan(&hash, &vec); err != nil {
				return err
			}
			res[hash] = vec.Slice()
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	return res, nil
}

// Put stores entries. Existing rows are left untouched.
func (c *KBEmbeddingCache) Put(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(entries))
	for h := range entries {
		hashes = append(hashes, h)
	}

	return ChunkRange(len(hashes), embeddingBatchSize, func(start, end int) error {
		batch := &pgx.Batch{}
		for _, h := range hashes[start:end] {
			batch.Queue(putEmbeddingSQL, c.kb, h, pgvector.NewVector(entries[h]))
		}
		br := c.db.SendBatch(ctx, batch)
		for range end - start {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to store embeddings: %w", err)
			}
		}
		return br.Close()
	})
}

const getEmbeddingsSQL = `
SELECT content_hash, embedding
FROM node_embeddings
WHERE kb_key = $1 AND content_hash = ANY($2);
`

const putEmbeddingSQL = `
INSERT INTO node_embeddings (kb_key, content_hash, embedding)
VALUES ($1, $2, $3)
ON CONFLICT (kb_key, content_hash) DO NOTHING;
`

const deleteKBEmbeddingsSQL = `
DELETE FROM node_embeddings
WHERE kb_key = $1;
`
