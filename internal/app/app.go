// Package app wires configuration into the pipeline components shared by the
// CLI, the HTTP server and the worker.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"pdf-vector-ingest/internal/ai"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/crawler"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/telemetry"
	"pdf-vector-ingest/services"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// ServiceName names the process in traces and metrics.
const ServiceName = "pdf-vector-ingest"

// SplitterConfig derives the chunker settings.
func SplitterConfig(cfg *config.Config) (services.SplitterConfig, error) {
	length, err := services.LengthFuncByName(cfg.LengthFunction)
	if err != nil {
		return services.SplitterConfig{}, err
	}
	sc := services.DefaultSplitterConfig()
	sc.ChunkSize = cfg.ChunkSize
	sc.ChunkOverlap = cfg.ChunkOverlap
	sc.AddStartIndex = cfg.AddStartIndex
	sc.Length = length
	if len(cfg.ChunkSeparators) > 0 {
		sc.Separators = cfg.ChunkSeparators
	}
	return sc, nil
}

func NewSplitter(cfg *config.Config) (*services.RecursiveSplitter, error) {
	sc, err := SplitterConfig(cfg)
	if err != nil {
		return nil, err
	}
	return services.NewRecursiveSplitter(sc)
}

// NewLoader returns the PDF loader behind a router that sends URLs to the web
// loader.
func NewLoader(cfg *config.Config) *services.SourceLoader {
	pdf := services.NewPDFLoader(services.PDFLoaderConfig{
		MaxFileSize: cfg.MaxFileSize,
		Validate:    cfg.PDFValidate,
	})
	web := crawler.NewWebLoader(crawler.WebLoaderConfig{
		Timeout:          cfg.WebTimeout,
		RenderJS:         cfg.WebRenderJS,
		WaitSelector:     cfg.WebWaitSelector,
		NetworkIdleAfter: 2 * time.Second,
	})
	return services.NewSourceLoader(pdf, web)
}

// StoreConfig derives the vector store settings.
func StoreConfig(cfg *config.Config) (services.VectorStoreConfig, error) {
	idx, err := cfg.Index()
	if err != nil {
		return services.VectorStoreConfig{}, err
	}
	return services.VectorStoreConfig{
		Index:               idx,
		ReadyTimeout:        cfg.IndexReadyTimeout,
		PollInterval:        cfg.IndexPollInterval,
		SettleDelay:         cfg.IndexSettleDelay,
		NumCandidatesFactor: cfg.NumCandidatesFactor,
		Deduplicate:         cfg.Deduplicate,
	}, nil
}

// Options selects which parts of the App are built.
type Options struct {
	// WithEmbedder builds the embeddings provider and the pipeline. Commands
	// that only touch the store leave it off and need no credentials.
	WithEmbedder bool
}

// App holds the live connections and components of one process.
type App struct {
	Config     *config.Config
	Mongo      *mongo.Client
	Collection *mongo.Collection
	Redis      *redis.Client
	Metrics    *telemetry.Metrics
	Store      *services.AtlasVectorStore
	Embedder   ai.Embedder
	Pipeline   *services.Pipeline

	closers []func()
}

// New connects to MongoDB (and Redis when configured) and builds the
// components. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	if cfg.OTelEnabled {
		shutdown, err := telemetry.InitTracer(telemetry.TracerConfig{ServiceName: ServiceName, Endpoint: cfg.OTelEndpoint})
		if err != nil {
			logger.Warn("Tracing disabled", "error", err)
		} else {
			a.closers = append(a.closers, shutdown)
		}
	}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		logger.Warn("Metrics disabled", "error", err)
	}
	a.Metrics = metrics

	a.Mongo, err = config.ConnectMongoDB(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Mongo.Disconnect(ctx)
	})
	a.Collection = a.Mongo.Database(cfg.DBName).Collection(cfg.CollectionName)

	if err := config.EnsureIndexes(ctx, a.Collection); err != nil {
		logger.Warn("Could not ensure metadata indexes", "error", err)
	}

	if cfg.RedisURL != "" {
		rdb, err := config.NewRedisClient(cfg)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without it", "error", err)
		} else {
			a.Redis = rdb
			a.closers = append(a.closers, func() { _ = rdb.Close() })
		}
	}

	storeCfg, err := StoreConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store, err = services.NewAtlasVectorStore(a.Collection, storeCfg, metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	if !opts.WithEmbedder {
		return a, nil
	}

	if err := a.buildPipeline(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildPipeline(ctx context.Context) error {
	cfg := a.Config

	embedder, err := ai.NewEmbedder(ctx, cfg, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to build embedder: %w", err)
	}
	if cfg.EmbedCache {
		if a.Redis != nil {
			embedder = ai.NewCachedEmbedder(embedder, a.Redis, cfg.EmbedCacheTTL)
			logger.Info("Embedding cache enabled", "ttl", cfg.EmbedCacheTTL.String())
		} else {
			logger.Warn("EMBED_CACHE is set but Redis is not available")
		}
	}
	if c, ok := embedder.(io.Closer); ok {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}
	a.Embedder = embedder

	splitter, err := NewSplitter(cfg)
	if err != nil {
		return err
	}

	a.Pipeline = services.NewPipeline(NewLoader(cfg), splitter, embedder, a.Store, services.PipelineOptions{
		SettleDelay: cfg.IndexSettleDelay,
		Metrics:     a.Metrics,
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
