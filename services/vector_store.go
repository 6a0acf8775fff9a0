package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/telemetry"
	"pdf-vector-ingest/models"
	"pdf-vector-ingest/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrIndexNotReady means the search index did not become queryable in time.
	ErrIndexNotReady = errors.New("vector index not ready")
	// ErrInvalidK is returned for a non-positive result count.
	ErrInvalidK = errors.New("k must be positive")
)

// VectorStore persists embedded chunks and answers nearest-neighbour queries.
type VectorStore interface {
	Reset(ctx context.Context, dropIndexes bool) (int64, error)
	EnsureIndexes(ctx context.Context) error
	ResetRun(ctx context.Context, runID string) (int64, error)
	Insert(ctx context.Context, doc *models.StoredDocument) error
	CreateIndex(ctx context.Context, idx models.VectorIndexConfig) error
	Count(ctx context.Context) (int64, error)
	ListIndexes(ctx context.Context) ([]models.IndexInfo, error)
	Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error)
	IndexConfig() models.VectorIndexConfig
}

// VectorStoreConfig tunes index management and search.
type VectorStoreConfig struct {
	Index               models.VectorIndexConfig
	ReadyTimeout        time.Duration
	PollInterval        time.Duration
	SettleDelay         time.Duration
	NumCandidatesFactor int
	Deduplicate         bool
}

// AtlasVectorStore keeps chunks in one MongoDB collection searched through an
// Atlas vectorSearch index.
type AtlasVectorStore struct {
	collection *mongo.Collection
	cfg        VectorStoreConfig
	metrics    *telemetry.Metrics
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

func NewAtlasVectorStore(collection *mongo.Collection, cfg VectorStoreConfig, metrics *telemetry.Metrics) (*AtlasVectorStore, error) {
	if err := cfg.Index.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.NumCandidatesFactor <= 0 {
		cfg.NumCandidatesFactor = 10
	}
	return &AtlasVectorStore{
		collection: collection,
		cfg:        cfg,
		metrics:    metrics,
		log:        logger.With("vector_store").With("collection", collection.Name()),
		sleep:      sleepContext,
	}, nil
}

func (s *AtlasVectorStore) IndexConfig() models.VectorIndexConfig {
	return s.cfg.Index
}

// Reset deletes every document. With dropIndexes it also drops the vector
// search index and all secondary indexes. Running it on an empty or missing
// collection is not an error.
func (s *AtlasVectorStore) Reset(ctx context.Context, dropIndexes bool) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.D{})
	s.metrics.RecordDatabaseOperation("delete_many", s.collection.Name(), err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to clear collection: %w", err)
	}
	s.log.Info("Deleted documents", "count", res.DeletedCount)

	if !dropIndexes {
		return res.DeletedCount, nil
	}

	if err := s.dropSearchIndex(ctx, s.cfg.Index.Name); err != nil {
		return res.DeletedCount, err
	}
	if _, err := s.collection.Indexes().DropAll(ctx); err != nil && !isNamespaceNotFound(err) {
		return res.DeletedCount, fmt.Errorf("failed to drop indexes: %w", err)
	}
	s.log.Info("Dropped indexes")
	return res.DeletedCount, nil
}

// EnsureIndexes recreates the regular metadata indexes a full reset drops.
func (s *AtlasVectorStore) EnsureIndexes(ctx context.Context) error {
	err := config.EnsureIndexes(ctx, s.collection)
	s.metrics.RecordDatabaseOperation("create_indexes", s.collection.Name(), err == nil)
	return err
}

// ResetRun deletes the documents written by one ingestion run.
func (s *AtlasVectorStore) ResetRun(ctx context.Context, runID string) (int64, error) {
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}
	res, err := s.collection.DeleteMany(ctx, bson.M{"metadata.run_id": runID})
	s.metrics.RecordDatabaseOperation("delete_run", s.collection.Name(), err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	s.log.Info("Deleted run documents", "run_id", runID, "count", res.DeletedCount)
	return res.DeletedCount, nil
}

// Insert appends one document. With deduplication enabled it upserts on the
// content hash instead, leaving an existing copy untouched.
func (s *AtlasVectorStore) Insert(ctx context.Context, doc *models.StoredDocument) error {
	_, err := s.insert(ctx, doc)
	return err
}

// insert reports how many documents were actually written: 0 when a
// deduplicating upsert matched an existing copy.
func (s *AtlasVectorStore) insert(ctx context.Context, doc *models.StoredDocument) (int64, error) {
	if err := models.CheckDimension(doc.Embedding, s.cfg.Index.Dimension); err != nil {
		return 0, err
	}
	if doc.ChunkID == "" {
		doc.ChunkID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Metadata.ContentHash == "" {
		m := doc.Metadata
		doc.Metadata.ContentHash = utils.ContentHash(m.Source, m.Page, m.StartIndex, doc.Text)
	}

	body := documentBSON(doc, s.cfg.Index.Field)

	var err error
	stored := int64(1)
	if s.cfg.Deduplicate {
		var res *mongo.UpdateResult
		res, err = s.collection.UpdateOne(ctx,
			bson.M{"metadata.content_hash": doc.Metadata.ContentHash},
			bson.M{"$setOnInsert": body},
			options.Update().SetUpsert(true),
		)
		if err == nil {
			stored = res.UpsertedCount
		}
	} else {
		_, err = s.collection.InsertOne(ctx, body)
	}
	s.metrics.RecordDatabaseOperation("insert", s.collection.Name(), err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk %s: %w", doc.ChunkID, err)
	}
	if stored > 0 {
		s.metrics.RecordDocumentsStored(s.collection.Name(), int(stored))
	}
	return stored, nil
}

// CreateIndex replaces the named vector search index and waits until the
// server reports it queryable.
func (s *AtlasVectorStore) CreateIndex(ctx context.Context, idx models.VectorIndexConfig) error {
	if err := idx.Validate(); err != nil {
		return err
	}

	if err := s.dropSearchIndex(ctx, idx.Name); err != nil {
		return err
	}

	model := mongo.SearchIndexModel{
		Definition: vectorIndexDefinition(idx),
		Options:    options.SearchIndexes().SetName(idx.Name).SetType("vectorSearch"),
	}
	if _, err := s.collection.SearchIndexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("failed to create vector index %s: %w", idx.Name, err)
	}
	s.log.Info("Created vector index", "index", idx.Name, "dimension", idx.Dimension, "similarity", idx.Similarity)

	return s.waitQueryable(ctx, idx.Name)
}

func (s *AtlasVectorStore) dropSearchIndex(ctx context.Context, name string) error {
	existing, err := s.searchIndex(ctx, name)
	if err != nil {
		// Plain MongoDB servers have no search indexes to drop.
		s.log.Warn("Could not list search indexes", "error", err)
		return nil
	}
	if existing == nil {
		return nil
	}

	if err := s.collection.SearchIndexes().DropOne(ctx, name); err != nil {
		return fmt.Errorf("failed to drop vector index %s: %w", name, err)
	}
	s.log.Info("Dropping vector index", "index", name)

	return s.poll(ctx, func() (bool, error) {
		info, err := s.searchIndex(ctx, name)
		return info == nil, err
	})
}

func (s *AtlasVectorStore) waitQueryable(ctx context.Context, name string) error {
	statusReported := true
	err := s.poll(ctx, func() (bool, error) {
		info, err := s.searchIndex(ctx, name)
		if err != nil {
			return false, err
		}
		if info == nil {
			return false, nil
		}
		if info.Status == "" && !info.Queryable {
			statusReported = false
			return true, nil
		}
		if info.Status == "FAILED" {
			return false, fmt.Errorf("vector index %s build failed", name)
		}
		return info.Queryable, nil
	})
	if err != nil {
		return err
	}

	if !statusReported {
		s.log.Info("Index status not reported, waiting fixed delay", "delay", s.cfg.SettleDelay.String())
		return s.sleep(ctx, s.cfg.SettleDelay)
	}
	s.log.Info("Vector index is queryable", "index", name)
	return nil
}

// poll calls done every PollInterval until it reports true, errors, or
// ReadyTimeout passes.
func (s *AtlasVectorStore) poll(ctx context.Context, done func() (bool, error)) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrIndexNotReady, s.cfg.ReadyTimeout)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (s *AtlasVectorStore) searchIndex(ctx context.Context, name string) (*models.IndexInfo, error) {
	cursor, err := s.collection.SearchIndexes().List(ctx, options.SearchIndexes().SetName(name))
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, err
	}
	for _, m := range raw {
		if info := searchIndexInfo(m); info.Name == name {
			return &info, nil
		}
	}
	return nil, nil
}

func (s *AtlasVectorStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// ListDocuments returns stored chunks without their embeddings, oldest first.
// An empty runID lists every run; limit <= 0 means no limit.
func (s *AtlasVectorStore) ListDocuments(ctx context.Context, runID string, limit int64) ([]models.StoredDocument, error) {
	filter := bson.M{}
	if runID != "" {
		filter["metadata.run_id"] = runID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "metadata.source", Value: 1}, {Key: "metadata.page", Value: 1}}).
		SetProjection(bson.D{{Key: s.cfg.Index.Field, Value: 0}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	s.metrics.RecordDatabaseOperation("find", s.collection.Name(), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []models.StoredDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}
	return docs, nil
}

// ListIndexes returns regular indexes followed by search indexes.
func (s *AtlasVectorStore) ListIndexes(ctx context.Context) ([]models.IndexInfo, error) {
	var out []models.IndexInfo

	cursor, err := s.collection.Indexes().List(ctx)
	if err != nil && !isNamespaceNotFound(err) {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	if err == nil {
		var raw []bson.M
		if err := cursor.All(ctx, &raw); err != nil {
			return nil, fmt.Errorf("failed to read indexes: %w", err)
		}
		for _, m := range raw {
			name, _ := m["name"].(string)
			out = append(out, models.IndexInfo{Name: name, Type: "regular", Status: "READY", Queryable: true})
		}
	}

	searchCursor, err := s.collection.SearchIndexes().List(ctx, nil)
	if err != nil {
		s.log.Warn("Could not list search indexes", "error", err)
		return out, nil
	}
	var raw []bson.M
	if err := searchCursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to read search indexes: %w", err)
	}
	for _, m := range raw {
		out = append(out, searchIndexInfo(m))
	}
	return out, nil
}

// Search runs $vectorSearch and returns up to k hits in the index's order.
func (s *AtlasVectorStore) Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := models.CheckDimension(vector, s.cfg.Index.Dimension); err != nil {
		return nil, err
	}

	cursor, err := s.collection.Aggregate(ctx, vectorSearchPipeline(s.cfg.Index, vector, k, s.cfg.NumCandidatesFactor))
	s.metrics.RecordSearch(s.cfg.Index.Name, k, err == nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer cursor.Close(ctx)

	var hits []searchHit
	if err := cursor.All(ctx, &hits); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	results := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, models.SearchResult{Document: h.StoredDocument, Score: h.Score})
	}
	return results, nil
}

type searchHit struct {
	models.StoredDocument `bson:",inline"`
	Score                 float64 `bson:"score"`
}

// vectorIndexDefinition is the Atlas vectorSearch index body.
func vectorIndexDefinition(idx models.VectorIndexConfig) bson.D {
	return bson.D{
		{Key: "fields", Value: bson.A{
			bson.D{
				{Key: "type", Value: "vector"},
				{Key: "path", Value: idx.Field},
				{Key: "numDimensions", Value: idx.Dimension},
				{Key: "similarity", Value: string(idx.Similarity)},
			},
		}},
	}
}

// numCandidates is k times factor, never below k.
func numCandidates(k, factor int) int {
	return max(k*factor, k)
}

func vectorSearchPipeline(idx models.VectorIndexConfig, vector []float32, k, factor int) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: idx.Name},
			{Key: "path", Value: idx.Field},
			{Key: "queryVector", Value: vector},
			{Key: "numCandidates", Value: numCandidates(k, factor)},
			{Key: "limit", Value: k},
		}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
		{{Key: "$project", Value: bson.D{{Key: idx.Field, Value: 0}}}},
	}
}

// documentBSON lays out a stored chunk with the embedding under the index's
// configured field.
func documentBSON(doc *models.StoredDocument, field string) bson.D {
	return bson.D{
		{Key: "chunk_id", Value: doc.ChunkID},
		{Key: "text", Value: doc.Text},
		{Key: field, Value: doc.Embedding},
		{Key: "metadata", Value: doc.Metadata},
		{Key: "created_at", Value: doc.CreatedAt},
	}
}

func searchIndexInfo(m bson.M) models.IndexInfo {
	info := models.IndexInfo{Type: "search"}
	info.Name, _ = m["name"].(string)
	if t, ok := m["type"].(string); ok {
		info.Type = t
	}
	info.Status, _ = m["status"].(string)
	info.Queryable, _ = m["queryable"].(bool)
	return info
}

func isNamespaceNotFound(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && (cmdErr.Code == 26 || cmdErr.Name == "NamespaceNotFound")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
