package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PageMetadata identifies where a piece of text came from.
type PageMetadata struct {
	Source string `bson:"source" json:"source"`
	Page   int    `bson:"page" json:"page"`
}

// PageRecord is the text of one physical PDF page (or one fetched URL).
type PageRecord struct {
	Text     string       `json:"text"`
	Metadata PageMetadata `json:"metadata"`
}

// ChunkMetadata is the page metadata plus the rune offset of the chunk inside the page text.
type ChunkMetadata struct {
	PageMetadata `bson:",inline"`
	StartIndex   *int `bson:"start_index,omitempty" json:"start_index,omitempty"`
}

// Chunk is a bounded-length piece of a page.
type Chunk struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// DocumentMetadata is persisted with every stored chunk.
type DocumentMetadata struct {
	ChunkMetadata `bson:",inline"`
	RunID         string `bson:"run_id,omitempty" json:"run_id,omitempty"`
	ContentHash   string `bson:"content_hash,omitempty" json:"content_hash,omitempty"`
}

// StoredDocument is one chunk with its embedding, as kept in the collection.
type StoredDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ChunkID   string             `bson:"chunk_id" json:"chunk_id"`
	Text      string             `bson:"text" json:"text"`
	Embedding []float32          `bson:"embedding" json:"-"`
	Metadata  DocumentMetadata   `bson:"metadata" json:"metadata"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// SearchResult is a stored document ranked by the vector index.
type SearchResult struct {
	Document StoredDocument `json:"document"`
	Score    float64        `json:"score"`
}

// IndexInfo describes one index on the collection, regular or search.
type IndexInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Queryable bool   `json:"queryable"`
}

// IntPtr is a small helper for optional offsets.
func IntPtr(v int) *int {
	return &v
}
