package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vet-kb/backend/internal/detection"
	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/quality"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
)

// RunRecorder persists run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary models.RunSummary) error
}

// EventPublisher announces finished runs to downstream consumers.
type EventPublisher interface {
	PublishRun(ctx context.Context, summary models.RunSummary) error
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Workers      int
	Quality      quality.Config
}

type Processor struct {
	rules    *rules.Holder
	cfg      Config
	recorder RunRecorder
	events   EventPublisher
	logger   *zap.Logger
}

type ProcessorOption func(*Processor)

func WithRunRecorder(r RunRecorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

func WithEventPublisher(e EventPublisher) ProcessorOption {
	return func(p *Processor) { p.events = e }
}

func WithLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(holder *rules.Holder, cfg Config, opts ...ProcessorOption) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.Quality.Bands) == 0 {
		cfg.Quality = quality.DefaultConfig()
	}
	p := &Processor{rules: holder, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Corpus is the output of one build: chunks, surviving mentions, the sealed
// registry and its quality report.
type Corpus struct {
	Document    models.Document
	Chunks      []models.Chunk
	Mentions    []models.CandidateMention
	Registry    *registry.Registry
	Report      models.QualityReport
	Assessments []quality.ChunkAssessment
	Summary     models.RunSummary
	Normalizer  *registry.Normalizer
	Vocabulary  registry.Vocabulary
}

type chunkResult struct {
	mentions []models.CandidateMention
	detected int
	err      error
}

// ProcessDocument runs segment, detect, filter, aggregate and score. Page and
// chunk failures are recorded in the summary; a registry inconsistency is
// returned as a fatal error.
func (p *Processor) ProcessDocument(ctx context.Context, doc models.Document) (*Corpus, error) {
	started := time.Now()
	summary := models.RunSummary{RunID: uuid.New().String(), DocumentID: doc.ID, StartedAt: started.UTC()}

	p.logger.Info("Processing document",
		zap.String("run_id", summary.RunID),
		zap.String("doc_id", doc.ID),
		zap.Int("pages", len(doc.Pages)),
	)

	engine := p.rules.Get()
	segmenter := NewSegmenter(
		WithChunkSize(p.cfg.ChunkSize),
		WithOverlap(p.cfg.ChunkOverlap),
		WithTagger(engine),
	)
	chunks, pageErrs := segmenter.Segment(doc)
	for _, err := range pageErrs {
		summary.PagesSkipped++
		summary.Errors = append(summary.Errors, err.Error())
		p.logger.Warn("Skipping unreadable page", zap.Error(err))
	}
	p.logger.Info("Document chunked", zap.Int("chunks", len(chunks)))

	return p.build(ctx, engine, doc, chunks, summary, started)
}

// Reprocess rebuilds the registry and report from already segmented chunks,
// for example after the rules file changed.
func (p *Processor) Reprocess(ctx context.Context, doc models.Document, chunks []models.Chunk) (*Corpus, error) {
	started := time.Now()
	summary := models.RunSummary{RunID: uuid.New().String(), DocumentID: doc.ID, StartedAt: started.UTC()}
	return p.build(ctx, p.rules.Get(), doc, chunks, summary, started)
}

func (p *Processor) build(ctx context.Context, engine *rules.Engine, doc models.Document, chunks []models.Chunk,
	summary models.RunSummary, started time.Time) (*Corpus, error) {
	norm := registry.NewNormalizer(engine.Synonyms(), engine.SaltForms())
	vocab := registry.NewVocabulary(engine.Vocabulary(), norm)
	summary.ChunkCount = len(chunks)

	results, err := p.detectAll(ctx, engine, norm, chunks)
	if err != nil {
		return nil, err
	}

	var local []models.CandidateMention
	for i, r := range results {
		if r.err != nil {
			summary.ChunksSkipped++
			summary.Errors = append(summary.Errors, r.err.Error())
			p.logger.Warn("Skipping chunk", zap.String("chunk_id", chunks[i].ID), zap.Error(r.err))
			metrics.ChunksProcessed.WithLabelValues("skipped").Inc()
			continue
		}
		summary.MentionsDetected += r.detected
		local = append(local, r.mentions...)
		metrics.ChunksProcessed.WithLabelValues("ok").Inc()
	}

	byID := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	filter := detection.NewFilter(engine, norm.Normalize)
	mentions, stats := filter.ApplyWithStats(local, byID)
	summary.MentionsAfterFilter = len(mentions)
	metrics.MentionsTotal.WithLabelValues("detected").Add(float64(summary.MentionsDetected))
	metrics.MentionsTotal.WithLabelValues("validated").Add(float64(len(mentions)))

	reg, err := registry.Build(mentions, norm, vocab)
	if err != nil {
		p.logger.Error("Registry validation failed, aborting build", zap.String("run_id", summary.RunID), zap.Error(err))
		return nil, fmt.Errorf("registry build: %w", err)
	}

	drugs := reg.Drugs()
	report := quality.Score(chunks, drugs, p.cfg.Quality)
	summary.DrugCount = len(drugs)
	for _, d := range drugs {
		if d.Confirmed {
			summary.ConfirmedDrugs++
		}
	}
	summary.OverallGrade = report.OverallGrade
	summary.FinishedAt = time.Now().UTC()

	metrics.RegistrySize.Set(float64(len(drugs)))
	metrics.CorpusBuildDuration.Observe(time.Since(started).Seconds())
	metrics.CorpusQualityScore.Set(report.OverallScore)

	p.logger.Info("Document processed",
		zap.String("run_id", summary.RunID),
		zap.Int("chunks", summary.ChunkCount),
		zap.Int("mentions_detected", summary.MentionsDetected),
		zap.Int("stoplisted", stats.Stoplisted),
		zap.Int("toc_singles", stats.TOCSingles),
		zap.Int("drugs", summary.DrugCount),
		zap.String("grade", report.OverallGrade),
		zap.Duration("duration", time.Since(started)),
	)

	p.announce(ctx, summary)

	return &Corpus{
		Document:    models.Document{ID: doc.ID, Source: doc.Source, Title: doc.Title, CreatedAt: doc.CreatedAt},
		Chunks:      chunks,
		Mentions:    mentions,
		Registry:    reg,
		Report:      report,
		Assessments: quality.AssessChunks(chunks, drugs),
		Summary:     summary,
		Normalizer:  norm,
		Vocabulary:  vocab,
	}, nil
}

// detectAll is the parallel map: one task per chunk, bounded by Workers.
// A chunk's failure is stored in its slot and never cancels siblings.
func (p *Processor) detectAll(ctx context.Context, engine *rules.Engine, norm *registry.Normalizer, chunks []models.Chunk) ([]chunkResult, error) {
	detector := detection.NewDetector(engine)
	filter := detection.NewFilter(engine, norm.Normalize)
	results := make([]chunkResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i := range chunks {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = detectChunk(detector, filter, chunks[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func detectChunk(detector *detection.Detector, filter *detection.Filter, chunk models.Chunk) (res chunkResult) {
	defer func() {
		if r := recover(); r != nil {
			res = chunkResult{err: &models.DetectionError{ChunkID: chunk.ID, Reason: fmt.Sprintf("panic: %v", r)}}
		}
	}()

	found, err := detector.Detect(chunk)
	if err != nil {
		var de *models.DetectionError
		if !errors.As(err, &de) {
			err = &models.DetectionError{ChunkID: chunk.ID, Reason: err.Error()}
		}
		return chunkResult{err: err}
	}
	return chunkResult{mentions: filter.ApplyLocal(found), detected: len(found)}
}

func (p *Processor) announce(ctx context.Context, summary models.RunSummary) {
	if p.recorder != nil {
		if err := p.recorder.RecordRun(ctx, summary); err != nil {
			p.logger.Warn("Failed to record run summary", zap.Error(err))
		}
	}
	if p.events != nil {
		if err := p.events.PublishRun(ctx, summary); err != nil {
			p.logger.Warn("Failed to publish run event", zap.Error(err))
		}
	}
}
