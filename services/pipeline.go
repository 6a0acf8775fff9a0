package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdf-vector-ingest/internal/ai"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/telemetry"
	"pdf-vector-ingest/models"

	"github.com/google/uuid"
)

// ErrNoSources is returned when an ingestion is started without input.
var ErrNoSources = errors.New("no sources given")

// StageError records which pipeline stage failed and on what input. Index is
// the position of the failing chunk in the run, or -1 when the failure is not
// tied to one chunk.
type StageError struct {
	Stage  string
	Source string
	Index  int
	Err    error
}

func (e *StageError) Error() string {
	msg := e.Stage + " stage failed"
	if e.Source != "" {
		msg += " for " + e.Source
	}
	if e.Index >= 0 {
		msg += fmt.Sprintf(" at chunk %d", e.Index)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing stage of err, or "" when err carries none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Splitter turns pages into chunks.
type Splitter interface {
	SplitPages(pages []models.PageRecord) []models.Chunk
}

// IngestReport counts how far an ingestion got. It is filled in on failure
// too, so the caller can tell how much of the run reached the store.
type IngestReport struct {
	RunID    string        `json:"run_id"`
	Sources  []string      `json:"sources"`
	Pages    int           `json:"pages"`
	Chunks   int           `json:"chunks"`
	Embedded int           `json:"embedded"`
	Inserted int           `json:"inserted"`
	Duration time.Duration `json:"duration"`
}

// PipelineOptions holds the pieces of a Pipeline that have defaults.
type PipelineOptions struct {
	// SettleDelay is waited after a reset and after an ingestion, before the
	// next step reads from the index.
	SettleDelay time.Duration
	Metrics     *telemetry.Metrics
}

// Pipeline runs load, split, embed and store, each stage over the whole
// source set before the next starts.
type Pipeline struct {
	loader   Loader
	splitter Splitter
	embedder ai.Embedder
	store    VectorStore
	searcher *Searcher
	opts     PipelineOptions
	log      *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

func NewPipeline(loader Loader, splitter Splitter, embedder ai.Embedder, store VectorStore, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		loader:   loader,
		splitter: splitter,
		embedder: embedder,
		store:    store,
		searcher: NewSearcher(embedder, store, opts.Metrics),
		opts:     opts,
		log:      logger.With("pipeline"),
		sleep:    sleepContext,
	}
}

// Searcher returns the searcher bound to the pipeline's embedder and store.
func (p *Pipeline) Searcher() *Searcher {
	return p.searcher
}

// Ingest stores every chunk of sources under a fresh run ID. A failure stops
// the run; chunks already inserted stay and can be removed with ResetRun.
func (p *Pipeline) Ingest(ctx context.Context, sources ...string) (*IngestReport, error) {
	report := &IngestReport{RunID: uuid.NewString(), Sources: sources}
	started := time.Now()
	defer func() { report.Duration = time.Since(started) }()

	if len(sources) == 0 {
		return report, &StageError{Stage: models.StageConfig, Index: -1, Err: ErrNoSources}
	}
	log := p.log.With("run_id", report.RunID)
	log.Info("Starting ingestion", "sources", len(sources), "embedder", p.embedder.Name())

	// Load
	var pages []models.PageRecord
	err := p.stage(models.StageLoad, func() error {
		for _, source := range sources {
			loaded, err := p.loader.Load(ctx, source)
			if err != nil {
				return &StageError{Stage: models.StageLoad, Source: source, Index: -1, Err: err}
			}
			pages = append(pages, loaded...)
		}
		return nil
	})
	report.Pages = len(pages)
	if err != nil {
		return report, err
	}
	log.Info("Loaded pages", "pages", len(pages))

	// Split
	var chunks []models.Chunk
	err = p.stage(models.StageSplit, func() error {
		chunks = p.splitter.SplitPages(pages)
		if len(chunks) == 0 {
			return &StageError{Stage: models.StageSplit, Index: -1, Err: errors.New("no text extracted from sources")}
		}
		return nil
	})
	report.Chunks = len(chunks)
	if err != nil {
		return report, err
	}
	log.Info("Split pages into chunks", "chunks", len(chunks))

	// Embed
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	var vectors [][]float32
	err = p.stage(models.StageEmbed, func() error {
		var err error
		vectors, err = p.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			i := len(vectors)
			return &StageError{Stage: models.StageEmbed, Source: sourceAt(chunks, i), Index: i, Err: err}
		}
		if len(vectors) != len(chunks) {
			return &StageError{Stage: models.StageEmbed, Index: -1,
				Err: fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))}
		}
		return nil
	})
	report.Embedded = len(vectors)
	if err != nil {
		return report, err
	}
	log.Info("Embedded chunks", "embedded", len(vectors))

	// Store
	err = p.stage(models.StageStore, func() error {
		for i, c := range chunks {
			doc := &models.StoredDocument{
				Text:      c.Text,
				Embedding: vectors[i],
				Metadata:  models.DocumentMetadata{ChunkMetadata: c.Metadata, RunID: report.RunID},
			}
			if err := p.store.Insert(ctx, doc); err != nil {
				return &StageError{Stage: models.StageStore, Source: c.Metadata.Source, Index: i, Err: err}
			}
			report.Inserted++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	log.Info("Ingestion complete", "inserted", report.Inserted, "duration", time.Since(started).String())
	return report, nil
}

// RunOptions configures an end-to-end Run.
type RunOptions struct {
	Sources []string
	Queries QuerySet
}

// VerifyReport is what the store holds after a run.
type VerifyReport struct {
	Count   int64              `json:"count"`
	Indexes []models.IndexInfo `json:"indexes"`
}

// QueryOutcome is the answer to one test query.
type QueryOutcome struct {
	Query   string                `json:"query"`
	Results []models.SearchResult `json:"results"`
}

// RunReport collects the output of every Run step.
type RunReport struct {
	Deleted int64          `json:"deleted"`
	Ingest  *IngestReport  `json:"ingest,omitempty"`
	Verify  *VerifyReport  `json:"verify,omitempty"`
	Queries []QueryOutcome `json:"queries,omitempty"`
}

// Run resets the collection, recreates the vector index, ingests the sources,
// verifies the result and runs the test queries.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	report := &RunReport{}

	deleted, err := p.store.Reset(ctx, true)
	report.Deleted = deleted
	if err != nil {
		return report, &StageError{Stage: models.StageStore, Index: -1, Err: err}
	}
	if err := p.sleep(ctx, p.opts.SettleDelay); err != nil {
		return report, err
	}
	if err := p.store.EnsureIndexes(ctx); err != nil {
		return report, &StageError{Stage: models.StageIndex, Index: -1, Err: err}
	}

	err = p.stage(models.StageIndex, func() error {
		return p.store.CreateIndex(ctx, p.store.IndexConfig())
	})
	if err != nil {
		return report, &StageError{Stage: models.StageIndex, Index: -1, Err: err}
	}

	report.Ingest, err = p.Ingest(ctx, opts.Sources...)
	if err != nil {
		return report, err
	}
	if err := p.sleep(ctx, p.opts.SettleDelay); err != nil {
		return report, err
	}

	report.Verify, err = p.Verify(ctx)
	if err != nil {
		return report, err
	}

	for _, q := range opts.Queries.Queries {
		results, err := p.searcher.Search(ctx, q, opts.Queries.K)
		if err != nil {
			return report, &StageError{Stage: models.StageQuery, Source: q, Index: -1, Err: err}
		}
		report.Queries = append(report.Queries, QueryOutcome{Query: q, Results: results})
	}
	return report, nil
}

// Verify reports the document count and the indexes on the collection.
func (p *Pipeline) Verify(ctx context.Context) (*VerifyReport, error) {
	count, err := p.store.Count(ctx)
	if err != nil {
		return nil, &StageError{Stage: models.StageStore, Index: -1, Err: err}
	}
	indexes, err := p.store.ListIndexes(ctx)
	if err != nil {
		return nil, &StageError{Stage: models.StageIndex, Index: -1, Err: err}
	}
	p.log.Info("Verified collection", "documents", count, "indexes", len(indexes))
	return &VerifyReport{Count: count, Indexes: indexes}, nil
}

func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.opts.Metrics.RecordStage(name, time.Since(start).Seconds(), err == nil)
	return err
}

func sourceAt(chunks []models.Chunk, i int) string {
	if i >= 0 && i < len(chunks) {
		return chunks[i].Metadata.Source
	}
	return ""
}
