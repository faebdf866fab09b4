package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/vet-kb/backend/internal/vector"
)

// Store is an in-memory vector store using brute-force cosine similarity.
// Records are keyed by chunk id, so repeated upserts replace in place.
type Store struct {
	mu        sync.RWMutex
	dimension int
	records   map[string]vector.Record
}

func NewStore(dimension int) *Store {
	return &Store{dimension: dimension, records: make(map[string]vector.Record)}
}

func (s *Store) Upsert(ctx context.Context, records []vector.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ChunkID == "" {
			return errors.New("record without chunk id")
		}
		if s.dimension > 0 && len(r.Embedding) != s.dimension {
			return errors.New("vector dimension mismatch")
		}
	}
	for _, r := range records {
		r.Embedding = append([]float32(nil), r.Embedding...)
		s.records[r.ChunkID] = r
	}
	return nil
}

func (s *Store) Query(ctx context.Context, vec []float32, k int, filter vector.Filter) ([]vector.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]vector.Match, 0, len(s.records))
	for _, r := range s.records {
		if !filter.Matches(r) {
			continue
		}
		matches = append(matches, vector.Match{Record: r, Score: vector.Cosine(vec, r.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Get(chunkID string) (vector.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[chunkID]
	return r, ok
}
