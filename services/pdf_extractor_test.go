package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fixturePDF = "testdata/three_pages.pdf"

func TestPDFLoaderLoadsEveryPage(t *testing.T) {
	pages, err := NewPDFLoader(PDFLoaderConfig{}).Load(context.Background(), fixturePDF)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}

	want := []string{"Alpha section", "Beta section", "Gamma section"}
	for i, page := range pages {
		if page.Metadata.Page != i {
			t.Errorf("page %d numbered %d", i, page.Metadata.Page)
		}
		if page.Metadata.Source != fixturePDF {
			t.Errorf("page %d source = %q", i, page.Metadata.Source)
		}
		if !strings.Contains(page.Text, want[i]) {
			t.Errorf("page %d text %q does not contain %q", i, page.Text, want[i])
		}
	}
}

func TestPDFLoaderRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, content []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name string
		path string
		cfg  PDFLoaderConfig
	}{
		{"missing", filepath.Join(dir, "nope.pdf"), PDFLoaderConfig{}},
		{"empty", write("empty.pdf", nil), PDFLoaderConfig{}},
		{"not a pdf", write("notes.pdf", []byte("just some text, not a PDF")), PDFLoaderConfig{}},
		{"broken body", write("broken.pdf", []byte("%PDF-1.4\nthis is not a real document\n")), PDFLoaderConfig{}},
		{"too large", fixturePDF, PDFLoaderConfig{MaxFileSize: 100}},
		{"directory", dir, PDFLoaderConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPDFLoader(tt.cfg).Load(context.Background(), tt.path)
			if !errors.Is(err, ErrInvalidPDF) {
				t.Errorf("err = %v, want ErrInvalidPDF", err)
			}
		})
	}
}

func TestPDFLoaderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewPDFLoader(PDFLoaderConfig{}).Load(ctx, fixturePDF); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTextQuality(t *testing.T) {
	good := "The platform economy grew quickly. Network effects and data drive the market for many firms in 2,023."
	if q := textQuality(good); q < 0.7 {
		t.Errorf("quality of clean prose = %.2f, want >= 0.7", q)
	}
	if q := textQuality(strings.Repeat("\uFFFD", 50)); q != 0 {
		t.Errorf("quality of replacement characters = %.2f, want 0", q)
	}
	if q := textQuality("   "); q != 0 {
		t.Errorf("quality of blank text = %.2f, want 0", q)
	}
	if q := textQuality("short"); q != 0.1 {
		t.Errorf("quality of short text = %.2f, want 0.1", q)
	}
}
