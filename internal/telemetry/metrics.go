package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	ChunksEmbedded      metric.Int64Counter
	EmbeddingDuration   metric.Float64Histogram
	DocumentsStored     metric.Int64Counter
	Searches            metric.Int64Counter
	StageDuration       metric.Float64Histogram
	CircuitBreakerState metric.Int64Counter
	DatabaseOperations  metric.Int64Counter
	HTTPRequests        metric.Int64Counter
	HTTPDuration        metric.Float64Histogram
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("pdf-vector-ingest")

	chunksEmbedded, err := meter.Int64Counter(
		"embedding.chunks.total",
		metric.WithDescription("Total texts sent to the embeddings provider"),
	)
	if err != nil {
		return nil, err
	}

	embeddingDuration, err := meter.Float64Histogram(
		"embedding.request.duration",
		metric.WithDescription("Embedding request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	documentsStored, err := meter.Int64Counter(
		"store.documents.total",
		metric.WithDescription("Total chunk documents written"),
	)
	if err != nil {
		return nil, err
	}

	searches, err := meter.Int64Counter(
		"search.queries.total",
		metric.WithDescription("Total vector searches"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	databaseOperations, err := meter.Int64Counter(
		"database.operations.total",
		metric.WithDescription("Total database operations"),
	)
	if err != nil {
		return nil, err
	}

	httpRequests, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	httpDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ChunksEmbedded:      chunksEmbedded,
		EmbeddingDuration:   embeddingDuration,
		DocumentsStored:     documentsStored,
		Searches:            searches,
		StageDuration:       stageDuration,
		CircuitBreakerState: circuitBreakerState,
		DatabaseOperations:  databaseOperations,
		HTTPRequests:        httpRequests,
		HTTPDuration:        httpDuration,
	}, nil
}

// RecordEmbedding records one embeddings call
func (m *Metrics) RecordEmbedding(provider string, texts int, duration float64, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("embedding.provider", provider),
		attribute.Bool("embedding.success", success),
	}

	m.ChunksEmbedded.Add(context.Background(), int64(texts), metric.WithAttributes(attrs...))
	m.EmbeddingDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordDocumentsStored records chunk documents written to a collection
func (m *Metrics) RecordDocumentsStored(collection string, n int) {
	if m == nil {
		return
	}
	m.DocumentsStored.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("db.collection", collection)))
}

// RecordSearch records a vector search
func (m *Metrics) RecordSearch(index string, k int, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("search.index", index),
		attribute.Int("search.k", k),
		attribute.Bool("search.success", success),
	}

	m.Searches.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordStage records how long a pipeline stage ran
func (m *Metrics) RecordStage(stage string, duration float64, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.stage", stage),
		attribute.Bool("pipeline.success", success),
	}

	m.StageDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordDatabaseOperation records database operation metrics
func (m *Metrics) RecordDatabaseOperation(operation, collection string, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.collection", collection),
		attribute.Bool("db.success", success),
	}

	m.DatabaseOperations.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("http.status", status),
	}

	m.HTTPRequests.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.HTTPDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}
