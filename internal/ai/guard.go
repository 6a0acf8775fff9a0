package ai

import (
	"context"
	"errors"
	"io"
	"time"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/telemetry"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the protection around a provider. RPM 0 disables the
// limiter.
type GuardConfig struct {
	RPM     int
	Metrics *telemetry.Metrics
}

// GuardedEmbedder rate limits, circuit-breaks and traces every provider call.
type GuardedEmbedder struct {
	inner       Embedder
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	metrics     *telemetry.Metrics
}

func NewGuardedEmbedder(inner Embedder, cfg GuardConfig) *GuardedEmbedder {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "Embeddings:" + inner.Name(),
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			cfg.Metrics.RecordCircuitBreakerState(name, to.String())
		},
	})

	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		burst := cfg.RPM / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), burst)
	}

	return &GuardedEmbedder{
		inner:       inner,
		breaker:     breaker,
		rateLimiter: limiter,
		metrics:     cfg.Metrics,
	}
}

func (g *GuardedEmbedder) Name() string   { return g.inner.Name() }
func (g *GuardedEmbedder) Dimension() int { return g.inner.Dimension() }

// Close releases the wrapped provider's client when it holds one.
func (g *GuardedEmbedder) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EmbedDocuments keeps the one-call-per-text contract: each text passes the
// limiter and breaker on its own.
func (g *GuardedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vecs, err := g.call(ctx, "embeddings.embed_document", func(ctx context.Context) ([][]float32, error) {
			return g.inner.EmbedDocuments(ctx, []string{text})
		})
		if err != nil {
			return out, err
		}
		out = append(out, vecs[0])
	}
	return out, nil
}

func (g *GuardedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.call(ctx, "embeddings.embed_query", func(ctx context.Context) ([][]float32, error) {
		vec, err := g.inner.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *GuardedEmbedder) call(ctx context.Context, spanName string, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	tracer := otel.Tracer("embeddings-client")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("embeddings.provider", g.inner.Name()))

	if g.rateLimiter != nil {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			span.SetAttributes(attribute.Bool("embeddings.rate_limited", true))
			return nil, err
		}
	}

	start := time.Now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	g.metrics.RecordEmbedding(g.inner.Name(), 1, time.Since(start).Seconds(), err == nil)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("embeddings.circuit_breaker_open", true))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vecs := result.([][]float32)
	if len(vecs) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vecs, nil
}
