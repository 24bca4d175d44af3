// Package app wires the knowledge base engine and its collaborators from
// environment variables. It is shared by the server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kgraph/internal/storage"
	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	oai "github.com/OFFIS-RIT/kgraph/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kgraph/pkg/ai/openai"
	"github.com/OFFIS-RIT/kgraph/pkg/extract"
	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/leaselock"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/report"
	"github.com/OFFIS-RIT/kgraph/pkg/resolve"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// NewAIClient builds the default client selected by AI_ADAPTER.
func NewAIClient() (ai.GraphAIClient, error) {
	switch adapter := util.GetEnvString("AI_ADAPTER", "openai"); adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			DescriptionModel: util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ExtractionModel:  util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			EmbeddingDimensions:   util.GetEnvInt("AI_EMBED_DIM", 0),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
			Timeout:               util.GetEnvDuration("AI_TIMEOUT", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return client, nil
	case "openai":
		return gai.NewGraphOpenAIClient(openAIParams()), nil
	default:
		return nil, fmt.Errorf("unknown AI_ADAPTER %q", adapter)
	}
}

func openAIParams() gai.NewGraphOpenAIClientParams {
	return gai.NewGraphOpenAIClientParams{
		EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
		DescriptionModel: util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
		ExtractionModel:  util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

		EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
		EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
		ChatURL:      util.GetEnv("AI_CHAT_URL"),
		ChatKey:      util.GetEnv("AI_CHAT_KEY"),

		EmbeddingDimensions:   util.GetEnvInt("AI_EMBED_DIM", 0),
		MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		Timeout:               util.GetEnvDuration("AI_TIMEOUT", 0),
	}
}

// ClientFactory builds OpenAI compatible clients for per-request model
// overrides. Unset fields fall back to the environment; embeddings always
// use the configured embedding endpoint.
func ClientFactory() kb.ClientFactory {
	return func(cfg kb.LLMConfig) (ai.GraphAIClient, error) {
		params := openAIParams()
		if cfg.Model != "" {
			params.DescriptionModel = cfg.Model
			params.ExtractionModel = cfg.Model
		}
		if cfg.BaseURL != "" {
			params.ChatURL = cfg.BaseURL
		}
		if cfg.APIKey != "" {
			params.ChatKey = cfg.APIKey
		}
		if params.ChatKey == "" {
			return nil, errors.New("llm override requires an api key")
		}
		if params.EmbeddingKey == "" {
			params.EmbeddingURL = util.GetEnv("AI_CHAT_URL")
			params.EmbeddingKey = util.GetEnv("AI_CHAT_KEY")
		}
		return gai.NewGraphOpenAIClient(params), nil
	}
}

// NewPool connects to DATABASE_URL with pgvector types registered on every
// connection.
func NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// Migrate applies the SQL migrations found in MIGRATIONS_DIR.
func Migrate() error {
	dir := util.GetEnvString("MIGRATIONS_DIR", "migrations")
	m, err := migrate.New("file://"+dir, util.GetEnv("DATABASE_URL"))
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("Database migrated", "version", version, "dirty", dirty)
	return nil
}

// NewGraphStore returns the store selected by GRAPH_STORE: "file" (the
// default, rooted at GRAPH_DIR) or "s3" (AWS_BUCKET under GRAPH_PREFIX).
func NewGraphStore(ctx context.Context) (store.GraphStore, error) {
	switch kind := util.GetEnvString("GRAPH_STORE", "file"); kind {
	case "file":
		return store.NewFileStore(util.GetEnvString("GRAPH_DIR", "data/graphs")), nil
	case "s3":
		bucket := util.GetEnv("AWS_BUCKET")
		if bucket == "" {
			return nil, errors.New("GRAPH_STORE=s3 requires AWS_BUCKET")
		}
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewS3GraphStore(client, bucket, util.GetEnv("GRAPH_PREFIX")), nil
	default:
		return nil, fmt.Errorf("unknown GRAPH_STORE %q", kind)
	}
}

// NewLocker returns the lock selected by GRAPH_LOCK. "lease" needs a pool.
func NewLocker(pool *pgxpool.Pool) (kb.Locker, error) {
	switch kind := util.GetEnvString("GRAPH_LOCK", "local"); kind {
	case "local":
		return kb.NewLocalLocker(), nil
	case "lease":
		if pool == nil {
			return nil, errors.New("GRAPH_LOCK=lease requires DATABASE_URL")
		}
		client := leaselock.New(pool, leaselock.Options{
			TTL:  util.GetEnvDuration("GRAPH_LOCK_TTL", 0),
			Wait: true,
		})
		return kb.NewLeaseLocker(client), nil
	default:
		return nil, fmt.Errorf("unknown GRAPH_LOCK %q", kind)
	}
}

// NewResolver returns the resolver selected by RESOLVER: "exact" (default)
// or "llm".
func NewResolver(client ai.FormatCompleter) (resolve.Resolver, error) {
	switch kind := util.GetEnvString("RESOLVER", "exact"); kind {
	case "exact":
		return resolve.Exact{}, nil
	case "llm":
		return resolve.NewLLM(client, util.GetEnvInt("RESOLVER_RETRIES", 2)), nil
	case "none":
		return resolve.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown RESOLVER %q", kind)
	}
}

// NewEngine assembles a kb.Engine. pool may be nil, which disables the
// embedding cache and the lease lock.
func NewEngine(ctx context.Context, pool *pgxpool.Pool, client ai.GraphAIClient) (*kb.Engine, error) {
	graphStore, err := NewGraphStore(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := NewLocker(pool)
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(client)
	if err != nil {
		return nil, err
	}

	params := kb.NewEngineParams{
		Store:         graphStore,
		Locker:        locker,
		Resolver:      resolver,
		AI:            client,
		SkipTree:      util.GetEnvBool("SKIP_TREE", false),
		ClientFactory: ClientFactory(),
		Report: report.Options{
			MaxWorkers:   util.GetEnvInt("REPORT_MAX_WORKERS", 0),
			MaxRelations: util.GetEnvInt("REPORT_MAX_RELATIONS", 0),
		},
		Extract: extract.Options{
			MaxTokens: util.GetEnvInt("EXTRACT_MAX_TOKENS", 0),
			Workers:   util.GetEnvInt("EXTRACT_WORKERS", 0),
		},
	}
	if pool != nil {
		params.Embeddings = store.NewEmbeddingCache(pool)
	}
	return kb.NewEngine(params)
}
