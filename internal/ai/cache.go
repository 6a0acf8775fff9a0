package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"time"

	"pdf-vector-ingest/internal/logger"

	"github.com/redis/go-redis/v9"
)

// CachedEmbedder serves repeated texts from Redis. Any cache failure falls
// through to the wrapped embedder.
type CachedEmbedder struct {
	inner Embedder
	rdb   redis.Cmdable
	ttl   time.Duration
}

func NewCachedEmbedder(inner Embedder, rdb redis.Cmdable, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedEmbedder) Name() string   { return c.inner.Name() }
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Close() error {
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := c.cached(ctx, "doc", text, func() ([]float32, error) {
			vecs, err := c.inner.EmbedDocuments(ctx, []string{text})
			if err != nil {
				return nil, err
			}
			return vecs[0], nil
		})
		if err != nil {
			return out, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.cached(ctx, "query", text, func() ([]float32, error) {
		return c.inner.EmbedQuery(ctx, text)
	})
}

func (c *CachedEmbedder) cached(ctx context.Context, kind, text string, compute func() ([]float32, error)) ([]float32, error) {
	key := cacheKey(c.inner.Name(), kind, text)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vec, ok := decodeVector(raw, c.inner.Dimension()); ok {
			return vec, nil
		}
		logger.Warn("Discarding malformed cached embedding", "key", key)
	case err != redis.Nil:
		logger.Warn("Embedding cache read failed", "error", err)
	}

	vec, err := compute()
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		logger.Warn("Embedding cache write failed", "error", err)
	}
	return vec, nil
}

func cacheKey(model, kind, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s:%s", model, kind, hex.EncodeToString(sum[:]))
}

// encodeVector stores float32s little-endian, four bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte, dim int) ([]float32, bool) {
	if len(raw) != 4*dim {
		return nil, false
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, true
}
