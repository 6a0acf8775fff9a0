package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"pdf-vector-ingest/models"
)

// mapLoader serves pages from memory.
type mapLoader map[string][]models.PageRecord

func (m mapLoader) Load(_ context.Context, source string) ([]models.PageRecord, error) {
	pages, ok := m[source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrInvalidPDF)
	}
	return pages, nil
}

// bagEmbedder maps text to a letter-frequency vector, so texts sharing words
// land close together. failAt makes the n-th call (1-based) fail.
type bagEmbedder struct {
	dim    int
	calls  int
	failAt int
}

func (b *bagEmbedder) Name() string   { return "bag" }
func (b *bagEmbedder) Dimension() int { return b.dim }

func (b *bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := b.EmbedQuery(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (b *bagEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	b.calls++
	if b.failAt > 0 && b.calls == b.failAt {
		return nil, errors.New("provider unavailable")
	}
	vec := make([]float32, b.dim)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[int(r-'a')%b.dim]++
		}
	}
	return vec, nil
}

// memStore is an in-memory VectorStore ranking by cosine similarity.
type memStore struct {
	idx       models.VectorIndexConfig
	docs      []models.StoredDocument
	resets    int
	indexed   int
	ensured   int
	failAfter int
}

func newMemStore(dim int) *memStore {
	return &memStore{idx: models.VectorIndexConfig{Name: "vector_index", Field: "embedding", Dimension: dim, Similarity: models.SimilarityCosine}}
}

func (m *memStore) IndexConfig() models.VectorIndexConfig { return m.idx }

func (m *memStore) Reset(_ context.Context, _ bool) (int64, error) {
	n := int64(len(m.docs))
	m.docs = nil
	m.resets++
	return n, nil
}

func (m *memStore) EnsureIndexes(context.Context) error {
	m.ensured++
	return nil
}

func (m *memStore) ResetRun(_ context.Context, runID string) (int64, error) {
	kept := m.docs[:0]
	var n int64
	for _, d := range m.docs {
		if d.Metadata.RunID == runID {
			n++
			continue
		}
		kept = append(kept, d)
	}
	m.docs = kept
	return n, nil
}

func (m *memStore) Insert(_ context.Context, doc *models.StoredDocument) error {
	if err := models.CheckDimension(doc.Embedding, m.idx.Dimension); err != nil {
		return err
	}
	if m.failAfter > 0 && len(m.docs) == m.failAfter {
		return errors.New("write timeout")
	}
	m.docs = append(m.docs, *doc)
	return nil
}

func (m *memStore) CreateIndex(_ context.Context, idx models.VectorIndexConfig) error {
	m.idx = idx
	m.indexed++
	return nil
}

func (m *memStore) Count(context.Context) (int64, error) { return int64(len(m.docs)), nil }

func (m *memStore) ListIndexes(context.Context) ([]models.IndexInfo, error) {
	if m.indexed == 0 {
		return nil, nil
	}
	return []models.IndexInfo{{Name: m.idx.Name, Type: "vectorSearch", Status: "READY", Queryable: true}}, nil
}

func (m *memStore) Search(_ context.Context, vector []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	results := make([]models.SearchResult, 0, len(m.docs))
	for _, d := range m.docs {
		results = append(results, models.SearchResult{Document: d, Score: cosine(vector, d.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func testPipeline(t *testing.T, loader Loader, emb *bagEmbedder, store *memStore) *Pipeline {
	t.Helper()
	cfg := DefaultSplitterConfig()
	cfg.ChunkSize = 100
	cfg.ChunkOverlap = 10
	splitter, err := NewRecursiveSplitter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(loader, splitter, emb, store, PipelineOptions{SettleDelay: time.Hour})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func threePageLoader() mapLoader {
	return mapLoader{
		"D01.pdf": {
			{Text: lorem(600, 1), Metadata: models.PageMetadata{Source: "D01.pdf", Page: 0}},
			{Text: lorem(600, 2), Metadata: models.PageMetadata{Source: "D01.pdf", Page: 1}},
		},
		"D02.pdf": {
			{Text: lorem(600, 3), Metadata: models.PageMetadata{Source: "D02.pdf", Page: 0}},
		},
	}
}

func TestIngestStoresEveryChunkWithRunID(t *testing.T) {
	store := newMemStore(26)
	emb := &bagEmbedder{dim: 26}
	p := testPipeline(t, threePageLoader(), emb, store)

	report, err := p.Ingest(context.Background(), "D01.pdf", "D02.pdf")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Pages != 3 {
		t.Errorf("pages = %d, want 3", report.Pages)
	}
	if report.Chunks == 0 || report.Chunks != report.Embedded || report.Embedded != report.Inserted {
		t.Errorf("counts do not line up: %+v", report)
	}
	if emb.calls != report.Chunks {
		t.Errorf("embedder called %d times for %d chunks", emb.calls, report.Chunks)
	}
	if len(store.docs) != report.Inserted {
		t.Fatalf("store holds %d docs, report says %d", len(store.docs), report.Inserted)
	}
	for _, d := range store.docs {
		if d.Metadata.RunID != report.RunID {
			t.Fatalf("doc run id %q, want %q", d.Metadata.RunID, report.RunID)
		}
		if d.Metadata.StartIndex == nil {
			t.Fatalf("doc from %s page %d has no start index", d.Metadata.Source, d.Metadata.Page)
		}
	}
	if last := store.docs[len(store.docs)-1]; last.Metadata.Source != "D02.pdf" {
		t.Errorf("sources out of order, last doc from %s", last.Metadata.Source)
	}
}

func TestIngestStageErrors(t *testing.T) {
	tests := []struct {
		name      string
		sources   []string
		emb       *bagEmbedder
		store     *memStore
		wantStage string
		wantIndex int
		check     func(t *testing.T, r *IngestReport, s *memStore)
	}{
		{
			name:      "no sources",
			emb:       &bagEmbedder{dim: 26},
			store:     newMemStore(26),
			wantStage: models.StageConfig,
			wantIndex: -1,
		},
		{
			name:      "missing file",
			sources:   []string{"D01.pdf", "missing.pdf"},
			emb:       &bagEmbedder{dim: 26},
			store:     newMemStore(26),
			wantStage: models.StageLoad,
			wantIndex: -1,
			check: func(t *testing.T, r *IngestReport, s *memStore) {
				if len(s.docs) != 0 {
					t.Errorf("load failure wrote %d docs", len(s.docs))
				}
			},
		},
		{
			name:      "embedding failure",
			sources:   []string{"D01.pdf"},
			emb:       &bagEmbedder{dim: 26, failAt: 3},
			store:     newMemStore(26),
			wantStage: models.StageEmbed,
			wantIndex: 2,
			check: func(t *testing.T, r *IngestReport, s *memStore) {
				if r.Embedded != 2 || len(s.docs) != 0 {
					t.Errorf("embedded=%d stored=%d, want 2 and 0", r.Embedded, len(s.docs))
				}
			},
		},
		{
			name:      "dimension mismatch",
			sources:   []string{"D01.pdf"},
			emb:       &bagEmbedder{dim: 8},
			store:     newMemStore(26),
			wantStage: models.StageStore,
			wantIndex: 0,
			check: func(t *testing.T, r *IngestReport, s *memStore) {
				if r.Inserted != 0 {
					t.Errorf("inserted %d mismatched vectors", r.Inserted)
				}
			},
		},
		{
			name:      "partial store",
			sources:   []string{"D01.pdf"},
			emb:       &bagEmbedder{dim: 26},
			store:     &memStore{idx: newMemStore(26).idx, failAfter: 4},
			wantStage: models.StageStore,
			wantIndex: 4,
			check: func(t *testing.T, r *IngestReport, s *memStore) {
				if r.Inserted != 4 || len(s.docs) != 4 {
					t.Fatalf("inserted=%d stored=%d, want 4", r.Inserted, len(s.docs))
				}
				if n, _ := s.ResetRun(context.Background(), r.RunID); n != 4 || len(s.docs) != 0 {
					t.Errorf("ResetRun removed %d, %d left", n, len(s.docs))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPipeline(t, threePageLoader(), tt.emb, tt.store)
			report, err := p.Ingest(context.Background(), tt.sources...)

			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StageError", err)
			}
			if se.Stage != tt.wantStage || se.Index != tt.wantIndex {
				t.Errorf("stage=%s index=%d, want %s %d", se.Stage, se.Index, tt.wantStage, tt.wantIndex)
			}
			if StageOf(err) != tt.wantStage {
				t.Errorf("StageOf = %q", StageOf(err))
			}
			if report == nil || report.RunID == "" {
				t.Fatal("report missing on failure")
			}
			if tt.check != nil {
				tt.check(t, report, tt.store)
			}
		})
	}
}

func TestIngestRejectsBlankDocuments(t *testing.T) {
	loader := mapLoader{"blank.pdf": {{Text: "  \n ", Metadata: models.PageMetadata{Source: "blank.pdf"}}}}
	p := testPipeline(t, loader, &bagEmbedder{dim: 26}, newMemStore(26))

	_, err := p.Ingest(context.Background(), "blank.pdf")
	if StageOf(err) != models.StageSplit {
		t.Errorf("err = %v, want split stage error", err)
	}
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{Stage: models.StageEmbed, Source: "D01.pdf", Index: 7, Err: models.ErrDimensionMismatch}
	want := "embed stage failed for D01.pdf at chunk 7: embedding dimension mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Error("StageError does not unwrap")
	}
}

func TestRunResetsIndexesIngestsAndQueries(t *testing.T) {
	store := newMemStore(26)
	store.docs = []models.StoredDocument{{Text: "stale", Embedding: make([]float32, 26)}}
	p := testPipeline(t, threePageLoader(), &bagEmbedder{dim: 26}, store)

	report, err := p.Run(context.Background(), RunOptions{
		Sources: []string{"D01.pdf"},
		Queries: QuerySet{K: 2, Queries: []string{"platform economy", "network effects"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Deleted != 1 || store.resets != 1 || store.ensured != 1 || store.indexed != 1 {
		t.Errorf("deleted=%d resets=%d ensured=%d indexed=%d", report.Deleted, store.resets, store.ensured, store.indexed)
	}
	if report.Verify.Count != int64(report.Ingest.Inserted) {
		t.Errorf("verify count %d, inserted %d", report.Verify.Count, report.Ingest.Inserted)
	}
	if len(report.Verify.Indexes) != 1 || !report.Verify.Indexes[0].Queryable {
		t.Errorf("indexes = %+v", report.Verify.Indexes)
	}
	if len(report.Queries) != 2 {
		t.Fatalf("got %d query outcomes", len(report.Queries))
	}
	for _, q := range report.Queries {
		if len(q.Results) != 2 {
			t.Errorf("query %q returned %d results, want 2", q.Query, len(q.Results))
		}
	}
}

func TestSearcherRoundTrip(t *testing.T) {
	store := newMemStore(26)
	emb := &bagEmbedder{dim: 26}
	p := testPipeline(t, threePageLoader(), emb, store)
	if _, err := p.Ingest(context.Background(), "D01.pdf", "D02.pdf"); err != nil {
		t.Fatal(err)
	}

	target := store.docs[3].Text
	results, err := p.Searcher().Search(context.Background(), target, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Document.Text == target {
			found = true
		}
	}
	if !found {
		t.Errorf("searching with a stored chunk's text did not return it")
	}
}

func TestSearcherValidation(t *testing.T) {
	store := newMemStore(26)
	s := NewSearcher(&bagEmbedder{dim: 26}, store, nil)

	if _, err := s.Search(context.Background(), "  ", 3); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("blank query: %v", err)
	}
	if _, err := s.Search(context.Background(), "platform", 0); !errors.Is(err, ErrInvalidK) {
		t.Errorf("k=0: %v", err)
	}

	mismatched := NewSearcher(&bagEmbedder{dim: 8}, store, nil)
	if _, err := mismatched.Search(context.Background(), "platform", 3); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("dimension mismatch: %v", err)
	}
}

func TestSourceLoaderRoutes(t *testing.T) {
	pdf := mapLoader{"D01.pdf": {{Text: "pdf", Metadata: models.PageMetadata{Source: "D01.pdf"}}}}
	web := mapLoader{"https://example.com/a": {{Text: "web", Metadata: models.PageMetadata{Source: "https://example.com/a"}}}}
	l := NewSourceLoader(pdf, web)

	for source, want := range map[string]string{"D01.pdf": "pdf", "https://example.com/a": "web"} {
		pages, err := l.Load(context.Background(), source)
		if err != nil || len(pages) != 1 || pages[0].Text != want {
			t.Errorf("Load(%q) = %v, %v", source, pages, err)
		}
	}
	if !IsWebSource("HTTP://Example.com") || IsWebSource("docs/http.pdf") {
		t.Error("IsWebSource misclassifies")
	}
}

func TestLoadQuerySet(t *testing.T) {
	qs, err := LoadQuerySet("", 3)
	if err != nil || qs.K != 3 || len(qs.Queries) != 3 {
		t.Fatalf("defaults = %+v, %v", qs, err)
	}

	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	qs, err = LoadQuerySet(write("q.yaml", "k: 2\nqueries:\n  - What is a platform?\n  - \"  \"\n  - Who works on platforms?\n"), 3)
	if err != nil {
		t.Fatalf("LoadQuerySet: %v", err)
	}
	if qs.K != 2 || len(qs.Queries) != 2 || qs.Queries[1] != "Who works on platforms?" {
		t.Errorf("parsed %+v", qs)
	}

	qs, err = LoadQuerySet(write("nok.yaml", "queries: [one]\n"), 5)
	if err != nil || qs.K != 5 {
		t.Errorf("k default not inherited: %+v, %v", qs, err)
	}

	if _, err := LoadQuerySet(write("empty.yaml", "k: 1\nqueries: []\n"), 3); err == nil {
		t.Error("expected error for empty query list")
	}
	if _, err := LoadQuerySet(write("neg.yaml", "k: -1\nqueries: [a]\n"), 3); !errors.Is(err, ErrInvalidK) {
		t.Errorf("negative k: %v", err)
	}
	if _, err := LoadQuerySet(filepath.Join(dir, "missing.yaml"), 3); err == nil {
		t.Error("expected error for missing file")
	}
}
