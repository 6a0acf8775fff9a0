package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pdf-vector-ingest/internal/ai"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/telemetry"
	"pdf-vector-ingest/models"
)

// ErrEmptyQuery is returned for a blank query string.
var ErrEmptyQuery = errors.New("query text is empty")

// Searcher answers natural-language queries against the vector store, using
// the same embedder the documents were ingested with.
type Searcher struct {
	embedder ai.Embedder
	store    VectorStore
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

func NewSearcher(embedder ai.Embedder, store VectorStore, metrics *telemetry.Metrics) *Searcher {
	return &Searcher{
		embedder: embedder,
		store:    store,
		metrics:  metrics,
		log:      logger.With("searcher"),
	}
}

// Search returns up to k stored chunks nearest to query, in the order the
// index ranks them.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	start := time.Now()
	results, err := s.search(ctx, query, k)
	s.metrics.RecordStage(models.StageQuery, time.Since(start).Seconds(), err == nil)
	return results, err
}

func (s *Searcher) search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := models.CheckDimension(vector, s.store.IndexConfig().Dimension); err != nil {
		return nil, fmt.Errorf("query embedding from %s: %w", s.embedder.Name(), err)
	}

	results, err := s.store.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Query answered", "query", query, "k", k, "results", len(results))
	return results, nil
}
