package ingestion

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"

	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/utils"
)

const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

var sentenceEnd = regexp.MustCompile(`[.!?;:](?:["')\]]+)?\s+`)

// Tagger labels chunk text with a focus area and the species it mentions.
type Tagger interface {
	FocusArea(text string) models.FocusArea
	Species(text string) []string
}

type Segmenter struct {
	maxChars int
	overlap  int
	tagger   Tagger
}

type SegmenterOption func(*Segmenter)

func WithChunkSize(n int) SegmenterOption {
	return func(s *Segmenter) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

func WithOverlap(n int) SegmenterOption {
	return func(s *Segmenter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

func WithTagger(t Tagger) SegmenterOption {
	return func(s *Segmenter) { s.tagger = t }
}

func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{maxChars: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.maxChars {
		s.overlap = s.maxChars / 4
	}
	return s
}

type pageSpan struct {
	number     int
	start, end int
}

// Flatten joins the readable pages with newlines. Offsets in chunks refer to
// this text.
func Flatten(doc models.Document) (string, []error) {
	text, _, errs := flatten(doc)
	return text, errs
}

func flatten(doc models.Document) (string, []pageSpan, []error) {
	var b strings.Builder
	var spans []pageSpan
	var errs []error
	for _, p := range doc.Pages {
		if p.Unreadable {
			errs = append(errs, &models.ExtractionError{DocumentID: doc.ID, Page: p.Number, Cause: errors.New(p.Reason)})
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			spans[len(spans)-1].end++
		}
		start := b.Len()
		b.WriteString(p.Text())
		spans = append(spans, pageSpan{number: p.Number, start: start, end: b.Len()})
	}
	return b.String(), spans, errs
}

// Segment splits doc into overlapping chunks. Unreadable pages are skipped and
// returned as ExtractionErrors; they never stop the rest of the document.
func (s *Segmenter) Segment(doc models.Document) ([]models.Chunk, []error) {
	text, spans, errs := flatten(doc)
	if strings.TrimSpace(text) == "" {
		return nil, errs
	}

	bounds := sentenceBoundaries(text, spans)
	var chunks []models.Chunk
	start := 0
	for start < len(text) {
		end := start + s.maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = s.cutPoint(text, start, end, bounds)
		}

		if body := text[start:end]; strings.TrimSpace(body) != "" {
			chunks = append(chunks, s.newChunk(doc.ID, len(chunks), text, start, end, spans))
		}
		if end == len(text) {
			break
		}

		next := end - s.overlap
		if next <= start {
			next = end
		}
		for next < end && !utf8.RuneStart(text[next]) {
			next++
		}
		start = wordStart(text, next, end)
	}
	return chunks, errs
}

func (s *Segmenter) newChunk(docID string, seq int, text string, start, end int, spans []pageSpan) models.Chunk {
	body := text[start:end]
	c := models.Chunk{
		ID:               utils.StableID(docID, strconv.Itoa(start), strconv.Itoa(end)),
		Text:             body,
		PageStart:        pageAt(spans, start),
		PageEnd:          pageAt(spans, end-1),
		SequenceIndex:    seq,
		SourceDocumentID: docID,
		StartOffset:      start,
		EndOffset:        end,
		FocusArea:        models.FocusGeneral,
	}
	if s.tagger != nil {
		c.FocusArea = s.tagger.FocusArea(body)
		c.Species = s.tagger.Species(body)
	}
	return c
}

// cutPoint picks where a chunk ending no later than hardEnd should stop:
// the last sentence end in the second half of the window, else the last
// whitespace, else hardEnd on a rune boundary.
func (s *Segmenter) cutPoint(text string, start, hardEnd int, bounds []int) int {
	minEnd := start + s.maxChars/2

	i := sort.SearchInts(bounds, hardEnd+1) - 1
	if i >= 0 && bounds[i] > minEnd {
		return bounds[i]
	}

	if ws := strings.LastIndexFunc(text[minEnd:hardEnd], unicode.IsSpace); ws >= 0 {
		_, size := utf8.DecodeRuneInString(text[minEnd+ws:])
		return minEnd + ws + size
	}

	for hardEnd > start+1 && !utf8.RuneStart(text[hardEnd]) {
		hardEnd--
	}
	return hardEnd
}

func wordStart(text string, from, limit int) int {
	for i := from; i < limit; i++ {
		if i == 0 {
			return i
		}
		prev, _ := utf8.DecodeLastRuneInString(text[:i])
		cur, _ := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(prev) && !unicode.IsSpace(cur) {
			return i
		}
	}
	return from
}

func pageAt(spans []pageSpan, offset int) int {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end > offset })
	if i == len(spans) {
		i = len(spans) - 1
	}
	return spans[i].number
}

// sentenceBoundaries returns sorted offsets just past each sentence, found
// per page with prose and, when that fails, with a punctuation pattern.
func sentenceBoundaries(text string, spans []pageSpan) []int {
	var bounds []int
	for _, sp := range spans {
		page := text[sp.start:sp.end]
		found := proseBoundaries(page)
		if found == nil {
			for _, loc := range sentenceEnd.FindAllStringIndex(page, -1) {
				found = append(found, loc[1])
			}
		}
		for _, b := range found {
			bounds = append(bounds, sp.start+b)
		}
		bounds = append(bounds, sp.end)
	}
	sort.Ints(bounds)
	return bounds
}

func proseBoundaries(page string) []int {
	if strings.TrimSpace(page) == "" {
		return nil
	}
	doc, err := prose.NewDocument(page,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil
	}

	var out []int
	cursor := 0
	for _, sent := range doc.Sentences() {
		idx := strings.Index(page[cursor:], sent.Text)
		if idx < 0 || sent.Text == "" {
			continue
		}
		end := cursor + idx + len(sent.Text)
		for end < len(page) {
			r, size := utf8.DecodeRuneInString(page[end:])
			if !unicode.IsSpace(r) {
				break
			}
			end += size
		}
		out = append(out, end)
		cursor = end
	}
	return out
}
