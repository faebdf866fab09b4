// Package indexer uploads chunks to the vector store. Uploads are resumable:
// committed chunk ids are appended to a progress log with the fingerprint of
// their content after the store confirms them, and later runs skip every id
// whose fingerprint is unchanged. Ids that left the corpus are deleted from
// the store and logged as removed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vet-kb/backend/internal/llm"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/internal/vector"
	"github.com/vet-kb/backend/pkg/retry"
)

// ProgressLog is the append-only record of chunk ids the store has confirmed,
// each with the fingerprint of the content that was uploaded. The latest
// entry per id decides whether it is committed.
type ProgressLog interface {
	CommittedChunks(ctx context.Context, collection string) (map[string]string, error)
	CommitChunks(ctx context.Context, collection string, fingerprints map[string]string) error
	ForgetChunks(ctx context.Context, collection string, ids []string) error
}

type Config struct {
	Collection     string
	BatchSize      int
	RequestsPerSec float64
	MaxAttempts    int
}

type Stats struct {
	Total            int `json:"total"`
	AlreadyCommitted int `json:"already_committed"`
	Changed          int `json:"changed"`
	Indexed          int `json:"indexed"`
	Removed          int `json:"removed"`
	Failed           int `json:"failed"`
}

type Indexer struct {
	embedder llm.Embedder
	store    vector.Store
	progress ProgressLog
	limiter  *rate.Limiter
	cfg      Config
	retry    retry.Config
	logger   *zap.Logger
}

func New(embedder llm.Embedder, store vector.Store, progress ProgressLog, cfg Config, logger *zap.Logger) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Collection == "" {
		cfg.Collection = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.InitialDelay = 500 * time.Millisecond
	rc.Classify = models.IsRetryable
	rc.Logger = logger

	return &Indexer{
		embedder: embedder,
		store:    store,
		progress: progress,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		retry:    rc,
		logger:   logger,
	}
}

// Index makes the store hold exactly chunks. Chunks whose committed
// fingerprint matches are skipped, changed ones are uploaded again and
// committed ids absent from chunks are deleted. chunkDrugs adds the
// canonical drug names of each chunk to its metadata. A failed batch stays
// uncommitted and is retried by the next run; the other batches continue.
func (ix *Indexer) Index(ctx context.Context, chunks []models.Chunk, chunkDrugs map[string][]string) (Stats, error) {
	stats := Stats{Total: len(chunks)}

	committed, err := ix.progress.CommittedChunks(ctx, ix.cfg.Collection)
	if err != nil {
		return stats, fmt.Errorf("failed to read progress log: %w", err)
	}

	seen := make(map[string]bool, len(chunks))
	var pending []models.Chunk
	for _, c := range chunks {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		fp, ok := committed[c.ID]
		if ok && fp == chunkFingerprint(c, chunkDrugs) {
			stats.AlreadyCommitted++
			continue
		}
		if ok {
			stats.Changed++
		}
		pending = append(pending, c)
	}

	var errs []error
	var stale []string
	for id := range committed {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		if err := ix.removeStale(ctx, stale); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			ix.logger.Warn("Stale chunks not removed, left for the next run",
				zap.Int("count", len(stale)),
				zap.Error(err),
			)
			errs = append(errs, err)
		} else {
			stats.Removed = len(stale)
		}
	}
	metrics.IndexPending.Set(float64(len(pending)))

	ix.logger.Info("Indexing chunks",
		zap.String("collection", ix.cfg.Collection),
		zap.Int("total", len(chunks)),
		zap.Int("already_committed", stats.AlreadyCommitted),
		zap.Int("changed", stats.Changed),
		zap.Int("removed", stats.Removed),
		zap.Int("pending", len(pending)),
	)

	for start := 0; start < len(pending); start += ix.cfg.BatchSize {
		end := start + ix.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		if err := ix.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		if err := ix.indexBatch(ctx, batch, chunkDrugs); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed += len(batch)
			metrics.IndexedChunks.WithLabelValues("failed").Add(float64(len(batch)))
			ix.logger.Warn("Batch failed, left for the next run",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}

		stats.Indexed += len(batch)
		metrics.IndexedChunks.WithLabelValues("indexed").Add(float64(len(batch)))
		metrics.IndexPending.Set(float64(len(pending) - end))
	}

	ix.logger.Info("Indexing finished",
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed),
	)

	if len(errs) > 0 {
		return stats, fmt.Errorf("%d of %d pending chunks failed to index: %w", stats.Failed, len(pending), errors.Join(errs...))
	}
	return stats, nil
}

func chunkFingerprint(c models.Chunk, chunkDrugs map[string][]string) string {
	return vector.Fingerprint(vector.RecordFromChunk(c, nil, chunkDrugs[c.ID]))
}

// removeStale deletes ids from the store before logging their removal, so a
// failure leaves them committed for the next run to retry.
func (ix *Indexer) removeStale(ctx context.Context, ids []string) error {
	if err := retry.Do(ctx, ix.retry, func() error { return ix.store.Delete(ctx, ids) }); err != nil {
		return fmt.Errorf("delete stale: %w", err)
	}
	if err := ix.progress.ForgetChunks(ctx, ix.cfg.Collection, ids); err != nil {
		return fmt.Errorf("forget stale: %w", err)
	}
	metrics.IndexedChunks.WithLabelValues("removed").Add(float64(len(ids)))
	return nil
}

func (ix *Indexer) indexBatch(ctx context.Context, batch []models.Chunk, chunkDrugs map[string][]string) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	embeddings, err := retry.DoWithResult(ctx, ix.retry, func() ([][]float32, error) {
		return ix.embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("embed: got %d vectors for %d chunks", len(embeddings), len(batch))
	}

	records := make([]vector.Record, len(batch))
	fingerprints := make(map[string]string, len(batch))
	for i, c := range batch {
		records[i] = vector.RecordFromChunk(c, embeddings[i], chunkDrugs[c.ID])
		fingerprints[c.ID] = vector.Fingerprint(records[i])
	}

	if err := retry.Do(ctx, ix.retry, func() error { return ix.store.Upsert(ctx, records) }); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if err := ix.progress.CommitChunks(ctx, ix.cfg.Collection, fingerprints); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}
	return nil
}

// MemoryProgress is an in-process ProgressLog for offline runs and tests.
// Like the SQLite log it only appends; the latest entry per id wins.
type MemoryProgress struct {
	mu  sync.Mutex
	log map[string][]progressEntry
}

type progressEntry struct {
	id          string
	fingerprint string
	removed     bool
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{log: make(map[string][]progressEntry)}
}

func (m *MemoryProgress) CommittedChunks(_ context.Context, collection string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, e := range m.log[collection] {
		if e.removed {
			delete(out, e.id)
		} else {
			out[e.id] = e.fingerprint
		}
	}
	return out, nil
}

func (m *MemoryProgress) CommitChunks(_ context.Context, collection string, fingerprints map[string]string) error {
	ids := make([]string, 0, len(fingerprints))
	for id := range fingerprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.log[collection] = append(m.log[collection], progressEntry{id: id, fingerprint: fingerprints[id]})
	}
	return nil
}

func (m *MemoryProgress) ForgetChunks(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.log[collection] = append(m.log[collection], progressEntry{id: id, removed: true})
	}
	return nil
}

// Entries returns the currently committed ids of collection, sorted.
func (m *MemoryProgress) Entries(collection string) []string {
	committed, _ := m.CommittedChunks(context.Background(), collection)
	out := make([]string, 0, len(committed))
	for id := range committed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Commits counts the commit entries ever appended to collection.
func (m *MemoryProgress) Commits(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.log[collection] {
		if !e.removed {
			n++
		}
	}
	return n
}
