// Package app wires configured components into the services both binaries
// run: corpus build, indexing and querying.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/artifact"
	"github.com/vet-kb/backend/internal/cache/redis"
	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/dosing"
	"github.com/vet-kb/backend/internal/events"
	"github.com/vet-kb/backend/internal/indexer"
	"github.com/vet-kb/backend/internal/ingestion"
	"github.com/vet-kb/backend/internal/kg/builder"
	"github.com/vet-kb/backend/internal/kg/neo4j"
	"github.com/vet-kb/backend/internal/llm"
	"github.com/vet-kb/backend/internal/quality"
	"github.com/vet-kb/backend/internal/query"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/sqlite"
	"github.com/vet-kb/backend/internal/vector"
	"github.com/vet-kb/backend/internal/vector/memory"
	"github.com/vet-kb/backend/internal/vector/zilliz"
	"github.com/vet-kb/backend/pkg/config"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Rules     *rules.Holder
	DB        *sqlite.Client
	Embedder  llm.Embedder
	Generator llm.Generator
	Store     vector.Store
	Artifacts artifact.Store
	Events    *events.Publisher
	Graph     *neo4j.Client
	Registry  *registry.Handle
	Engine    *query.Engine
	Dosing    *dosing.Calculator

	progress indexer.ProgressLog
	closers  []func() error
}

// New connects every enabled backend. Disabled backends fall back to local
// implementations: hash embeddings, extractive answers, the in-memory vector
// store and the artifact directory.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: log}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	engine, err := rules.LoadFile(cfg.Detection.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	a.Rules = rules.NewHolder(engine)

	if a.Dosing, err = dosing.Default(); err != nil {
		return fmt.Errorf("failed to load dosing tables: %w", err)
	}

	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	a.DB, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := a.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := a.initModels(ctx); err != nil {
		return err
	}
	if err := a.initVectorStore(ctx); err != nil {
		return err
	}
	if err := a.initArtifacts(ctx); err != nil {
		return err
	}

	if cfg.Kafka.Enabled {
		a.Events, err = events.NewPublisher(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, a.Logger.Named("events"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.Events.Close)
	}

	if cfg.Neo4j.Enabled {
		a.Graph, err = neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { return a.Graph.Close(context.Background()) })
		if err := a.Graph.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	a.Registry = registry.NewHandle(nil)
	a.Rules.OnReload(a.rulesReloaded)
	if err := a.LoadRegistry(ctx); err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			return err
		}
		a.Logger.Warn("No registry artifact yet, run a build first")
	}

	opts := []query.Option{query.WithHistory(a.DB), query.WithLogger(a.Logger.Named("query"))}
	if a.Graph != nil {
		opts = append(opts, query.WithFacts(a.Graph))
	}
	a.Engine = query.NewEngine(a.Embedder, a.Store, a.Generator, a.Registry, a.Rules, QueryConfig(cfg.Retrieval), opts...)
	return nil
}

func (a *App) initModels(ctx context.Context) error {
	cfg := a.Config
	if cfg.LLM.APIKey != "" {
		client := llm.NewClient(llm.Options{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			EmbeddingDim:   cfg.LLM.EmbeddingDim,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
		})
		a.Embedder = client
		a.Generator = client
	} else {
		a.Logger.Warn("No LLM API key configured, using hash embeddings and extractive answers")
		a.Embedder = llm.NewHashEmbedder(cfg.LLM.EmbeddingDim)
		a.Generator = llm.ExtractiveGenerator{MaxPassages: cfg.Retrieval.MaxContextChunks}
	}

	if !cfg.Redis.Enabled {
		return nil
	}
	cache, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cache.Close)
	namespace := cfg.LLM.EmbeddingModel
	if cfg.LLM.APIKey == "" {
		namespace = "hash"
	}
	a.Embedder = llm.NewCachedEmbedder(a.Embedder, cache, namespace, time.Duration(cfg.Redis.TTLHours)*time.Hour)
	return nil
}

func (a *App) initVectorStore(ctx context.Context) error {
	cfg := a.Config
	if !cfg.Zilliz.Enabled {
		a.Store = memory.NewStore(a.Embedder.Dimension())
		a.progress = indexer.NewMemoryProgress()
		return nil
	}
	client, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, a.Embedder.Dimension())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	if err := client.EnsureCollection(ctx); err != nil {
		return err
	}
	a.Store = client
	a.progress = a.DB
	return nil
}

func (a *App) initArtifacts(ctx context.Context) error {
	cfg := a.Config
	if cfg.MinIO.Enabled {
		store, err := artifact.NewMinIOStore(ctx, artifact.MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, a.Logger.Named("artifacts"))
		if err != nil {
			return err
		}
		a.Artifacts = store
		return nil
	}
	store, err := artifact.NewDirStore(cfg.Artifacts.Dir)
	if err != nil {
		return err
	}
	a.Artifacts = store
	return nil
}

// LoadRegistry swaps in the registry artifact. Queries in flight keep the
// registry they started with.
func (a *App) LoadRegistry(ctx context.Context) error {
	reg, err := artifact.LoadRegistry(ctx, a.Artifacts, a.Rules.Get())
	if err != nil {
		return err
	}
	a.Registry.Store(reg)
	a.Logger.Info("Registry loaded", zap.Int("drugs", reg.Len()))
	return nil
}

func (a *App) Processor() *ingestion.Processor {
	opts := []ingestion.ProcessorOption{
		ingestion.WithRunRecorder(a.DB),
		ingestion.WithLogger(a.Logger.Named("ingestion")),
	}
	if a.Events != nil {
		opts = append(opts, ingestion.WithEventPublisher(a.Events))
	}
	return ingestion.NewProcessor(a.Rules, IngestionConfig(a.Config), opts...)
}

func (a *App) Indexer() *indexer.Indexer {
	return indexer.New(a.Embedder, a.Store, a.progress, IndexerConfig(a.Config), a.Logger.Named("indexer"))
}

// Build runs the corpus pipeline over one source file, persists the
// artifacts, exports the graph when enabled and publishes the new registry.
func (a *App) Build(ctx context.Context, path string) (*ingestion.Corpus, error) {
	doc, err := ingestion.LoadFile(path)
	if err != nil {
		return nil, err
	}
	corpus, err := a.Processor().ProcessDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := artifact.SaveCorpus(ctx, a.Artifacts, corpus, a.Rules.Get().Version()); err != nil {
		return nil, err
	}

	if a.Graph != nil {
		if _, err := builder.NewBuilder(a.Graph, 0, a.Logger.Named("kg")).Export(ctx, corpus.Registry.Drugs(), corpus.Chunks); err != nil {
			a.Logger.Warn("Knowledge graph export failed", zap.Error(err))
		}
	}

	a.Registry.Store(corpus.Registry)
	return corpus, nil
}

// Index uploads the stored corpus. Chunks already committed are skipped.
func (a *App) Index(ctx context.Context) (indexer.Stats, error) {
	corpus, err := artifact.LoadCorpus(ctx, a.Artifacts)
	if err != nil {
		return indexer.Stats{}, err
	}
	var chunkDrugs map[string][]string
	if reg := a.Registry.Load(); reg != nil {
		chunkDrugs = reg.ChunkDrugs()
	}

	stats, runErr := a.Indexer().Index(ctx, corpus.Chunks, chunkDrugs)
	if a.Events != nil {
		if err := a.Events.PublishIndex(ctx, a.Config.Zilliz.CollectionName, stats, runErr); err != nil {
			a.Logger.Warn("Failed to publish index event", zap.Error(err))
		}
	}
	return stats, runErr
}

// Warm fills the in-memory vector store from the stored corpus. It does
// nothing when a remote store is configured.
func (a *App) Warm(ctx context.Context) error {
	if _, ok := a.Store.(*memory.Store); !ok {
		return nil
	}
	stats, err := a.Index(ctx)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.Logger.Info("In-memory vector store warmed", zap.Int("indexed", stats.Indexed))
	return nil
}

// WatchRules hot-reloads the rules file when detection.watch is set.
func (a *App) WatchRules(ctx context.Context) error {
	if !a.Config.Detection.Watch || a.Config.Detection.RulesFile == "" {
		return nil
	}
	return a.Rules.Watch(ctx, a.Config.Detection.RulesFile, a.Logger.Named("rules"))
}

// rulesReloaded rebuilds the registry with the new normalizer and
// vocabulary. Mentions in the stored corpus were detected under the old
// rules; they change only with the next build.
func (a *App) rulesReloaded(e *rules.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := a.LoadRegistry(ctx)
	switch {
	case err == nil:
		a.Logger.Info("Registry rebuilt for reloaded rules",
			zap.Int("rules_version", e.Version()),
		)
	case errors.Is(err, artifact.ErrNotFound):
	default:
		a.Logger.Error("Registry no longer matches the reloaded rules, keeping the previous registry; rebuild the corpus",
			zap.Int("rules_version", e.Version()),
			zap.Error(err),
		)
	}
}

// Ready pings the backends a query depends on.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if a.Graph != nil {
		if err := a.Graph.Ping(ctx); err != nil {
			return fmt.Errorf("neo4j: %w", err)
		}
	}
	if a.Registry.Load() == nil {
		return errors.New("no registry loaded")
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func QueryConfig(c config.RetrievalConfig) query.Config {
	return query.Config{
		TopK:                c.TopK,
		Weights:             query.Weights{Similarity: c.SimilarityWeight, Lexical: c.LexicalWeight, Context: c.ContextWeight},
		SimilarityFloor:     c.SimilarityFloor,
		LowConfidence:       c.LowConfidence,
		StrongMatchScore:    c.StrongMatchScore,
		MinStrongMatches:    c.MinStrongMatches,
		SparsePenalty:       c.SparsePenalty,
		DisagreementSpread:  c.DisagreementSpread,
		DisagreementPenalty: c.DisagreementPenalty,
		UnconfirmedWeight:   c.UnconfirmedWeight,
		MaxContextChunks:    c.MaxContextChunks,
		EmbedTimeout:        time.Duration(c.EmbedTimeoutSec) * time.Second,
		SearchTimeout:       time.Duration(c.SearchTimeoutSec) * time.Second,
		GenerateTimeout:     time.Duration(c.GenerateTimeoutSec) * time.Second,
	}
}

func QualityConfig(c config.QualityConfig) quality.Config {
	return quality.Config{
		Weights: quality.Weights{Completeness: c.CompletenessWeight, Coverage: c.CoverageWeight, Integrity: c.IntegrityWeight},
		Bands: []quality.Band{
			{Min: c.ExcellentMin, Grade: "EXCELLENT"},
			{Min: c.GoodMin, Grade: "GOOD"},
			{Min: c.FairMin, Grade: "FAIR"},
			{Min: 0, Grade: "POOR"},
		},
	}
}

func IngestionConfig(c *config.Config) ingestion.Config {
	return ingestion.Config{
		ChunkSize:    c.Pipeline.ChunkSize,
		ChunkOverlap: c.Pipeline.ChunkOverlap,
		Workers:      c.Pipeline.Workers,
		Quality:      QualityConfig(c.Quality),
	}
}

func IndexerConfig(c *config.Config) indexer.Config {
	return indexer.Config{
		Collection:     c.Zilliz.CollectionName,
		BatchSize:      c.Indexer.BatchSize,
		RequestsPerSec: c.Indexer.RequestsPerSec,
		MaxAttempts:    c.Indexer.MaxAttempts,
	}
}
