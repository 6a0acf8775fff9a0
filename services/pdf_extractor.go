package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/models"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidPDF is returned for files that are missing, empty, oversized or
// not PDFs at all.
var ErrInvalidPDF = errors.New("invalid PDF")

// PDFLoaderConfig bounds what the loader will accept.
type PDFLoaderConfig struct {
	MaxFileSize      int64
	Validate         bool    // structural check through pdfcpu before extraction
	QualityThreshold float64 // documents scoring below are logged, never rejected
}

// PDFLoader turns a PDF file into one PageRecord per physical page.
type PDFLoader struct {
	cfg PDFLoaderConfig
	log *slog.Logger
}

// NewPDFLoader creates a new PDF loader
func NewPDFLoader(cfg PDFLoaderConfig) *PDFLoader {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = 0.3
	}
	return &PDFLoader{cfg: cfg, log: logger.With("pdf_loader")}
}

// Load extracts the text of every page of the file at path. Page numbers are
// 0-based. A page whose text cannot be extracted is kept with empty text so
// numbering stays aligned with the physical document.
func (l *PDFLoader) Load(ctx context.Context, path string) ([]models.PageRecord, error) {
	start := time.Now()

	content, err := l.readValidated(path)
	if err != nil {
		return nil, err
	}

	if l.cfg.Validate {
		if err := l.validateStructure(path); err != nil {
			return nil, err
		}
	}

	reader, err := openPDF(content)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrInvalidPDF, path, err)
	}

	numPages := reader.NumPage()
	pages := make([]models.PageRecord, 0, numPages)
	var all strings.Builder

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		// nil fonts lets the library resolve each font's encoding.
		text, err := page.GetPlainText(nil)
		if err != nil {
			l.log.Warn("Failed to extract page text", "source", path, "page", i-1, "error", err)
			text = ""
		}

		pages = append(pages, models.PageRecord{
			Text:     text,
			Metadata: models.PageMetadata{Source: path, Page: i - 1},
		})
		all.WriteString(text)
		all.WriteString("\n")
	}

	quality := textQuality(all.String())
	if quality < l.cfg.QualityThreshold {
		l.log.Warn("Low quality text extraction", "source", path, "quality", quality)
	}

	l.log.Info("Loaded PDF",
		"source", path,
		"pages", len(pages),
		"quality", fmt.Sprintf("%.2f", quality),
		"duration", time.Since(start).String(),
	)
	return pages, nil
}

// readValidated applies the cheap checks: size cap, non-empty, %PDF magic.
func (l *PDFLoader) readValidated(path string) ([]byte, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPDF, path)
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidPDF, path)
	}
	if stat.Size() > l.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrInvalidPDF, path, stat.Size(), l.cfg.MaxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF file: %w", err)
	}
	if !bytes.HasPrefix(content, []byte("%PDF")) {
		return nil, fmt.Errorf("%w: %s does not start with a PDF header", ErrInvalidPDF, path)
	}
	return content, nil
}

// openPDF guards against the parser panicking on malformed cross-reference data.
func openPDF(content []byte) (reader *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			reader, err = nil, fmt.Errorf("malformed PDF: %v", r)
		}
	}()
	return pdf.NewReader(bytes.NewReader(content), int64(len(content)))
}

func (l *PDFLoader) validateStructure(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("%w: %s failed validation: %v", ErrInvalidPDF, path, err)
	}
	if n, err := api.PageCountFile(path); err == nil {
		l.log.Debug("PDF structure validated", "source", path, "pages", n)
	}
	return nil
}

var qualityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z][a-z]+\b`),       // Capitalized words
	regexp.MustCompile(`\b\d{1,3}[,.]?\d{3}\b`), // Numbers with separators
	regexp.MustCompile(`[.!?]\s+[A-Z]`),         // Sentence boundaries
	regexp.MustCompile(`\b(the|and|or|of|to|in|for|with|on|at|by|from)\b`), // Common words
}

// textQuality scores extracted text between 0 and 1. Scanned PDFs without a
// text layer and broken font encodings score low.
func textQuality(text string) float64 {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0.0
	}
	if len(text) < 10 {
		return 0.1
	}

	var alphanumeric, printable, corrupted, total int
	for _, r := range text {
		total++
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alphanumeric++
			printable++
		case r == '\uFFFD':
			corrupted++
		case r >= 32 && r <= 126, r == '\n', r == '\t':
			printable++
		case r > 127 && !isCommonUnicodeChar(r):
			corrupted++
		default:
			printable++
		}
	}

	alphanumericRatio := float64(alphanumeric) / float64(total)
	printableRatio := float64(printable) / float64(total)
	corruptedRatio := float64(corrupted) / float64(total)

	score := printableRatio * 0.4
	if alphanumericRatio >= 0.3 {
		score += 0.3
	} else {
		score += alphanumericRatio
	}
	score -= corruptedRatio * 2.0
	if len(text) > 100 {
		score += 0.1
	}

	good := 0
	for _, re := range qualityPatterns {
		if re.MatchString(text) {
			good++
		}
	}
	if good >= 3 {
		score += 0.2
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isCommonUnicodeChar(r rune) bool {
	switch r {
	case '—', '–', '“', '”', '‘', '’', '…', '€', '£', '¥', '©', '®', '™', '•':
		return true
	}
	// Accented Latin letters are ordinary text.
	return r >= 0x00C0 && r <= 0x024F
}
