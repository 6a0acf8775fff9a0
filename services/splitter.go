package services

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/models"
)

// LengthFunc measures a piece of text in the unit chunk sizes are expressed in.
type LengthFunc func(string) int

// CharLength counts characters (runes), not bytes.
func CharLength(s string) int {
	return utf8.RuneCountInString(s)
}

// KeepSeparator controls which side of a split the separator stays on.
type KeepSeparator int

const (
	KeepSeparatorStart KeepSeparator = iota
	KeepSeparatorEnd
	KeepSeparatorNone
)

// DefaultSeparators tries paragraph, line, sentence and word breaks, then
// single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitterConfig configures a RecursiveSplitter.
type SplitterConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	Separators      []string
	KeepSeparator   KeepSeparator
	StripWhitespace bool
	AddStartIndex   bool
	Length          LengthFunc
}

// DefaultSplitterConfig mirrors the 400/20 setup the ingestion scripts used.
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{
		ChunkSize:       400,
		ChunkOverlap:    20,
		Separators:      DefaultSeparators,
		KeepSeparator:   KeepSeparatorStart,
		StripWhitespace: true,
		AddStartIndex:   true,
		Length:          CharLength,
	}
}

// RecursiveSplitter splits text on the first separator that occurs in it,
// merges small pieces up to ChunkSize with ChunkOverlap carried between
// neighbours, and recurses into pieces that are still too long.
type RecursiveSplitter struct {
	cfg        SplitterConfig
	separators []string
	length     LengthFunc
	log        *slog.Logger
}

// span is a byte range of the text being split.
type span struct {
	start, end int
}

// NewRecursiveSplitter validates cfg and makes sure a character-level
// fallback ends the separator list, so no chunk can exceed ChunkSize.
func NewRecursiveSplitter(cfg SplitterConfig) (*RecursiveSplitter, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	separators := cfg.Separators
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	hasFallback := false
	for _, sep := range separators {
		if sep == "" {
			hasFallback = true
			break
		}
	}
	if !hasFallback {
		separators = append(append([]string(nil), separators...), "")
	}

	length := cfg.Length
	if length == nil {
		length = CharLength
	}

	return &RecursiveSplitter{
		cfg:        cfg,
		separators: separators,
		length:     length,
		log:        logger.With("splitter"),
	}, nil
}

// SplitText returns the chunk texts for text.
func (s *RecursiveSplitter) SplitText(text string) []string {
	spans := s.split(text)
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = text[sp.start:sp.end]
	}
	return out
}

// SplitPages splits every page and copies the page metadata onto its chunks.
func (s *RecursiveSplitter) SplitPages(pages []models.PageRecord) []models.Chunk {
	var chunks []models.Chunk
	for _, page := range pages {
		for _, sp := range s.split(page.Text) {
			chunk := models.Chunk{
				Text:     page.Text[sp.start:sp.end],
				Metadata: models.ChunkMetadata{PageMetadata: page.Metadata},
			}
			if s.cfg.AddStartIndex {
				chunk.Metadata.StartIndex = models.IntPtr(utf8.RuneCountInString(page.Text[:sp.start]))
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func (s *RecursiveSplitter) split(text string) []span {
	if text == "" {
		return nil
	}
	return s.splitSpan(text, span{0, len(text)}, s.separators)
}

func (s *RecursiveSplitter) splitSpan(text string, sp span, separators []string) []span {
	segment := text[sp.start:sp.end]

	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			rest = nil
			break
		}
		if strings.Contains(segment, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	pieces := splitOn(segment, sp.start, separator, s.cfg.KeepSeparator)

	mergeSeparator := ""
	if s.cfg.KeepSeparator == KeepSeparatorNone {
		mergeSeparator = separator
	}

	var final, good []span
	for _, piece := range pieces {
		if s.length(text[piece.start:piece.end]) < s.cfg.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(text, good, mergeSeparator)...)
			good = nil
		}
		if len(rest) == 0 {
			// Nothing finer left to split on.
			final = append(final, piece)
		} else {
			final = append(final, s.splitSpan(text, piece, rest)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(text, good, mergeSeparator)...)
	}
	return final
}

// merge greedily packs consecutive pieces into chunks of at most ChunkSize,
// starting each new chunk with the trailing pieces of the previous one whose
// total stays within ChunkOverlap.
func (s *RecursiveSplitter) merge(text string, pieces []span, separator string) []span {
	sepLen := 0
	if separator != "" {
		sepLen = s.length(separator)
	}
	joinCost := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var (
		docs    []span
		current []span
		total   int
	)
	for _, piece := range pieces {
		l := s.length(text[piece.start:piece.end])
		if total+l+joinCost(len(current)) > s.cfg.ChunkSize {
			if total > s.cfg.ChunkSize {
				s.log.Warn("Created a chunk longer than the configured size", "size", total, "chunk_size", s.cfg.ChunkSize)
			}
			if len(current) > 0 {
				if doc, ok := s.makeDoc(text, current); ok {
					docs = append(docs, doc)
				}
				for len(current) > 0 && (total > s.cfg.ChunkOverlap ||
					(total+l+joinCost(len(current)) > s.cfg.ChunkSize && total > 0)) {
					total -= s.length(text[current[0].start:current[0].end]) + joinCost(len(current)-1)
					current = current[1:]
				}
			}
		}
		current = append(current, piece)
		total += l + joinCost(len(current)-1)
	}
	if doc, ok := s.makeDoc(text, current); ok {
		docs = append(docs, doc)
	}
	return docs
}

// makeDoc joins consecutive pieces back into one span of the original text.
func (s *RecursiveSplitter) makeDoc(text string, pieces []span) (span, bool) {
	if len(pieces) == 0 {
		return span{}, false
	}
	doc := span{pieces[0].start, pieces[len(pieces)-1].end}
	if s.cfg.StripWhitespace {
		doc = trimSpan(text, doc)
	}
	if doc.end <= doc.start {
		return span{}, false
	}
	return doc, true
}

func trimSpan(text string, sp span) span {
	segment := text[sp.start:sp.end]
	left := strings.TrimLeftFunc(segment, unicode.IsSpace)
	sp.start += len(segment) - len(left)
	right := strings.TrimRightFunc(left, unicode.IsSpace)
	sp.end = sp.start + len(right)
	return sp
}

// splitOn cuts segment (which starts at byte offset base) on every occurrence
// of sep. An empty separator splits into single runes. Empty pieces are dropped.
func splitOn(segment string, base int, sep string, keep KeepSeparator) []span {
	var pieces []span
	add := func(start, end int) {
		if end > start {
			pieces = append(pieces, span{base + start, base + end})
		}
	}

	if sep == "" {
		for i := 0; i < len(segment); {
			_, size := utf8.DecodeRuneInString(segment[i:])
			add(i, i+size)
			i += size
		}
		return pieces
	}

	var cuts []int
	for from := 0; ; {
		i := strings.Index(segment[from:], sep)
		if i < 0 {
			break
		}
		cuts = append(cuts, from+i)
		from += i + len(sep)
	}

	start := 0
	for _, cut := range cuts {
		switch keep {
		case KeepSeparatorStart:
			add(start, cut)
			start = cut
		case KeepSeparatorEnd:
			add(start, cut+len(sep))
			start = cut + len(sep)
		default:
			add(start, cut)
			start = cut + len(sep)
		}
	}
	add(start, len(segment))
	return pieces
}
