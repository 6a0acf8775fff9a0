package utils

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds quick database reads (counts, index listings)
	DefaultTimeout = 10 * time.Second

	// SearchTimeout covers one query embedding plus a $vectorSearch
	SearchTimeout = 30 * time.Second

	// IngestTimeout covers a synchronous ingestion, index build included
	IngestTimeout = 30 * time.Minute
)

// WithTimeout creates a context with default timeout
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

// WithSearchTimeout creates a context for one search request
func WithSearchTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, SearchTimeout)
}

// WithIngestTimeout creates a context for a whole ingestion
func WithIngestTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, IngestTimeout)
}
