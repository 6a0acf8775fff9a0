package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"pdf-vector-ingest/models"

	"github.com/xuri/excelize/v2"
)

// Export formats.
const (
	FormatJSON  = "json"
	FormatExcel = "excel"
	FormatBoth  = "both"
)

// DocumentLister reads stored chunks back out of the store.
type DocumentLister interface {
	ListDocuments(ctx context.Context, runID string, limit int64) ([]models.StoredDocument, error)
}

// ExportRequest selects what to export and how.
type ExportRequest struct {
	Format string `json:"format" form:"format"`
	RunID  string `json:"run_id,omitempty" form:"run_id"`
	Limit  int64  `json:"limit,omitempty" form:"limit"`
}

// ExportFile is a rendered export ready to be written or served.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
	RecordCount int
}

// SourceCount is the number of chunks stored for one source.
type SourceCount struct {
	Source string `json:"source"`
	Pages  int    `json:"pages"`
	Chunks int    `json:"chunks"`
}

// ExportSummary aggregates an export per source.
type ExportSummary struct {
	TotalChunks int           `json:"total_chunks"`
	Runs        []string      `json:"runs"`
	Sources     []SourceCount `json:"sources"`
}

// ChunkExportData is the JSON layout of an export.
type ChunkExportData struct {
	ExportedAt time.Time               `json:"exported_at"`
	RunID      string                  `json:"run_id,omitempty"`
	Summary    ExportSummary           `json:"summary"`
	Chunks     []models.StoredDocument `json:"chunks"`
}

type ExportService struct {
	lister DocumentLister
	now    func() time.Time
}

func NewExportService(lister DocumentLister) *ExportService {
	return &ExportService{lister: lister, now: time.Now}
}

// Export renders the stored chunks of one run, or of the whole collection,
// as JSON, an Excel workbook, or a ZIP holding both.
func (es *ExportService) Export(ctx context.Context, req ExportRequest) (*ExportFile, error) {
	if req.Format == "" {
		req.Format = FormatExcel
	}
	switch req.Format {
	case FormatJSON, FormatExcel, FormatBoth:
	default:
		return nil, fmt.Errorf("unsupported export format %q", req.Format)
	}

	docs, err := es.lister.ListDocuments(ctx, req.RunID, req.Limit)
	if err != nil {
		return nil, err
	}
	data := &ChunkExportData{
		ExportedAt: es.now().UTC(),
		RunID:      req.RunID,
		Summary:    Summarize(docs),
		Chunks:     docs,
	}
	base := "chunks_" + data.ExportedAt.Format("20060102_150405")

	switch req.Format {
	case FormatJSON:
		body, err := exportJSON(data)
		if err != nil {
			return nil, err
		}
		return &ExportFile{Filename: base + ".json", ContentType: "application/json", Data: body, RecordCount: len(docs)}, nil
	case FormatExcel:
		body, err := exportExcel(data)
		if err != nil {
			return nil, err
		}
		return &ExportFile{
			Filename:    base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        body,
			RecordCount: len(docs),
		}, nil
	default:
		body, err := exportBoth(data, base)
		if err != nil {
			return nil, err
		}
		return &ExportFile{Filename: base + ".zip", ContentType: "application/zip", Data: body, RecordCount: len(docs)}, nil
	}
}

// Summarize counts chunks and distinct pages per source.
func Summarize(docs []models.StoredDocument) ExportSummary {
	type acc struct {
		pages  map[int]struct{}
		chunks int
	}
	bySource := make(map[string]*acc)
	runs := make(map[string]struct{})
	for _, d := range docs {
		a, ok := bySource[d.Metadata.Source]
		if !ok {
			a = &acc{pages: make(map[int]struct{})}
			bySource[d.Metadata.Source] = a
		}
		a.pages[d.Metadata.Page] = struct{}{}
		a.chunks++
		if d.Metadata.RunID != "" {
			runs[d.Metadata.RunID] = struct{}{}
		}
	}

	summary := ExportSummary{TotalChunks: len(docs), Runs: []string{}, Sources: []SourceCount{}}
	for src, a := range bySource {
		summary.Sources = append(summary.Sources, SourceCount{Source: src, Pages: len(a.pages), Chunks: a.chunks})
	}
	sort.Slice(summary.Sources, func(i, j int) bool { return summary.Sources[i].Source < summary.Sources[j].Source })
	for r := range runs {
		summary.Runs = append(summary.Runs, r)
	}
	sort.Strings(summary.Runs)
	return summary
}

func exportJSON(data *ChunkExportData) ([]byte, error) {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return body, nil
}

const (
	chunksSheet  = "Chunks"
	summarySheet = "Summary"
)

var chunkHeaders = []string{"Chunk ID", "Source", "Page", "Start Index", "Run ID", "Content Hash", "Created At", "Text"}

func exportExcel(data *ChunkExportData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", chunksSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	header := make([]interface{}, len(chunkHeaders))
	for i, h := range chunkHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(chunksSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	for i, d := range data.Chunks {
		var start interface{} = ""
		if d.Metadata.StartIndex != nil {
			start = *d.Metadata.StartIndex
		}
		row := []interface{}{
			d.ChunkID,
			d.Metadata.Source,
			d.Metadata.Page,
			start,
			d.Metadata.RunID,
			d.Metadata.ContentHash,
			d.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			d.Text,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(chunksSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(chunksSheet, "A", "G", 18); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(chunksSheet, "H", "H", 80); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Exported At", data.ExportedAt.Format("2006-01-02 15:04:05")},
		{"Run ID", data.RunID},
		{"Total Chunks", data.Summary.TotalChunks},
		{"Runs", len(data.Summary.Runs)},
		{},
		{"Source", "Pages", "Chunks"},
	}
	for _, s := range data.Summary.Sources {
		rows = append(rows, []interface{}{s.Source, s.Pages, s.Chunks})
	}
	for i := range rows {
		if len(rows[i]) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
			return nil, fmt.Errorf("failed to write summary: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

// exportBoth packs the JSON and Excel renderings into one ZIP archive.
func exportBoth(data *ChunkExportData, base string) ([]byte, error) {
	jsonBody, err := exportJSON(data)
	if err != nil {
		return nil, err
	}
	excelBody, err := exportExcel(data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string][]byte{base + ".json": jsonBody, base + ".xlsx": excelBody} {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return buf.Bytes(), nil
}
