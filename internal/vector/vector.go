// Package vector defines the chunk records kept in a vector store and the
// Store capability the indexer and retriever depend on.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/vet-kb/backend/internal/storage/models"
)

// Record is one chunk as stored: its embedding plus the metadata used for
// filtering and re-ranking. ChunkID is the upsert key.
type Record struct {
	ChunkID    string
	Embedding  []float32
	Text       string
	DocumentID string
	PageStart  int
	PageEnd    int
	FocusArea  string
	Species    []string
	Drugs      []string
}

type Match struct {
	Record
	Score float32
}

// Filter restricts a query to chunks tagged with a species or focus area.
// Empty fields match everything.
type Filter struct {
	Species   string
	FocusArea string
}

func (f Filter) Matches(r Record) bool {
	if f.FocusArea != "" && r.FocusArea != f.FocusArea {
		return false
	}
	if f.Species == "" {
		return true
	}
	for _, s := range r.Species {
		if s == f.Species {
			return true
		}
	}
	return false
}

// Store is a similarity index keyed by chunk id. Upsert must be idempotent:
// writing the same record twice leaves the store as writing it once. Query
// returns at most k matches, best first, with Score as cosine similarity.
// Delete removes the given ids; unknown ids are ignored.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
}

// Fingerprint identifies the stored content of r apart from its embedding.
// Two records with the same fingerprint need no re-upload.
func Fingerprint(r Record) string {
	h := sha256.New()
	for _, field := range []string{
		r.ChunkID,
		r.Text,
		r.DocumentID,
		strconv.Itoa(r.PageStart),
		strconv.Itoa(r.PageEnd),
		r.FocusArea,
		JoinTags(r.Species),
		JoinTags(r.Drugs),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func RecordFromChunk(c models.Chunk, embedding []float32, drugs []string) Record {
	return Record{
		ChunkID:    c.ID,
		Embedding:  embedding,
		Text:       c.Text,
		DocumentID: c.SourceDocumentID,
		PageStart:  c.PageStart,
		PageEnd:    c.PageEnd,
		FocusArea:  string(c.FocusArea),
		Species:    append([]string(nil), c.Species...),
		Drugs:      append([]string(nil), drugs...),
	}
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func Cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// JoinTags encodes a tag list as "|a|b|" so a store can match one tag with
// a substring expression.
func JoinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "|" + strings.Join(tags, "|") + "|"
}

func SplitTags(s string) []string {
	s = strings.Trim(s, "|")
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}
