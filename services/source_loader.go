package services

import (
	"context"
	"strings"

	"pdf-vector-ingest/models"
)

// Loader turns one source into page records.
type Loader interface {
	Load(ctx context.Context, source string) ([]models.PageRecord, error)
}

// SourceLoader sends http(s) URLs to the web loader and everything else to
// the PDF loader.
type SourceLoader struct {
	pdf Loader
	web Loader
}

func NewSourceLoader(pdf, web Loader) *SourceLoader {
	return &SourceLoader{pdf: pdf, web: web}
}

func (l *SourceLoader) Load(ctx context.Context, source string) ([]models.PageRecord, error) {
	if IsWebSource(source) {
		return l.web.Load(ctx, source)
	}
	return l.pdf.Load(ctx, source)
}

// IsWebSource reports whether source is an http or https URL.
func IsWebSource(source string) bool {
	s := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
