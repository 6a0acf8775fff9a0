package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDimensionMismatch is returned when a vector does not have the length the
// index was declared with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Similarity is the distance function an Atlas vector index ranks by.
type Similarity string

const (
	SimilarityCosine     Similarity = "cosine"
	SimilarityEuclidean  Similarity = "euclidean"
	SimilarityDotProduct Similarity = "dotProduct"
)

// ParseSimilarity accepts the Atlas names plus the short "dot" alias.
func ParseSimilarity(s string) (Similarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cosine", "":
		return SimilarityCosine, nil
	case "euclidean":
		return SimilarityEuclidean, nil
	case "dot", "dotproduct", "dot_product":
		return SimilarityDotProduct, nil
	default:
		return "", fmt.Errorf("unknown similarity metric: %q", s)
	}
}

// VectorIndexConfig declares the Atlas vector search index over stored embeddings.
type VectorIndexConfig struct {
	Name       string     `json:"name"`
	Field      string     `json:"field"`
	Dimension  int        `json:"dimension"`
	Similarity Similarity `json:"similarity"`
}

// Validate checks the declaration before it is sent to the server.
func (c VectorIndexConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("vector index name is required")
	}
	if c.Field == "" {
		return fmt.Errorf("vector index field is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("vector index dimension must be positive, got %d", c.Dimension)
	}
	if _, err := ParseSimilarity(string(c.Similarity)); err != nil {
		return err
	}
	return nil
}

// CheckDimension reports ErrDimensionMismatch when vec is not dim long.
func CheckDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// Ingestion stages, used to tag failures.
const (
	StageConfig = "config"
	StageLoad   = "load"
	StageSplit  = "split"
	StageEmbed  = "embed"
	StageStore  = "store"
	StageIndex  = "index"
	StageQuery  = "query"
)
