package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/llm"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/internal/vector"
	"github.com/vet-kb/backend/internal/vector/memory"
)

const testDim = 2048

type chunkFixture struct {
	id      string
	text    string
	focus   models.FocusArea
	species []string
	drugs   []string
}

var corpus = []chunkFixture{
	{"a", "Acepromazine dosing for dogs is 0.05 mg/kg IV. Acepromazine provides sedation in dogs.", models.FocusDosage, []string{"dog"}, []string{"acepromazine"}},
	{"b", "Acepromazine dosing in dogs: 0.02 mg/kg IM before surgery.", models.FocusDosage, []string{"dog"}, []string{"acepromazine"}},
	{"c", "In dogs, acepromazine dosing should be reduced in giant breeds, 0.01 mg/kg.", models.FocusDosage, []string{"dog"}, []string{"acepromazine"}},
	{"d", "Meloxicam is given to cats at 0.05 mg/kg once daily.", models.FocusDosage, []string{"cat"}, []string{"meloxicam"}},
	{"e", "Enrofloxacin is used in horses for respiratory infections.", models.FocusIndications, []string{"horse"}, nil},
}

type stubGenerator struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
	texts   [][]string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string, texts []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.texts = append(g.texts, texts)
	if g.err != nil {
		return "", g.err
	}
	if g.answer != "" {
		return g.answer, nil
	}
	return fmt.Sprintf("Answer drawn from %d passages.", len(texts)), nil
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, []vector.Record) error { return nil }
func (failingStore) Delete(context.Context, []string) error        { return nil }

func (failingStore) Query(context.Context, []float32, int, vector.Filter) ([]vector.Match, error) {
	return nil, errors.New("connection refused")
}

// blockingEmbedder, blockingStore and blockingGenerator wait for their
// context to end. started is closed on the first call.
type blockingEmbedder struct {
	llm.Embedder
	once    sync.Once
	started chan struct{}
}

func (b *blockingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingStore struct {
	vector.Store
}

func (blockingStore) Query(ctx context.Context, _ []float32, _ int, _ vector.Filter) ([]vector.Match, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ string, _ []string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type historyLog struct {
	mu      sync.Mutex
	records []*models.QueryRecord
}

func (h *historyLog) InsertQueryRecord(_ context.Context, r *models.QueryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

type staticFacts struct {
	facts []string
	err   error
}

func (f staticFacts) DrugFacts(context.Context, []string) ([]string, error) {
	return f.facts, f.err
}

func newTestEngine(t *testing.T, gen llm.Generator, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()

	ruleEngine, err := rules.Default()
	require.NoError(t, err)

	embedder := llm.NewHashEmbedder(testDim)
	store := memory.NewStore(testDim)
	for _, c := range corpus {
		vec, err := embedder.Embed(ctx, c.text)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(ctx, []vector.Record{{
			ChunkID:   c.id,
			Embedding: vec,
			Text:      c.text,
			FocusArea: string(c.focus),
			Species:   c.species,
			Drugs:     c.drugs,
		}}))
	}

	norm := registry.NewNormalizer(ruleEngine.Synonyms(), ruleEngine.SaltForms())
	reg, err := registry.FromDrugs([]models.ValidatedDrug{
		{CanonicalName: "acepromazine", MentionCount: 5, Category: models.CategoryAnesthetic, Confirmed: true, HasDosage: true, ChunkIDs: []string{"a", "b", "c"}},
		{CanonicalName: "meloxicam", MentionCount: 1, Category: models.CategoryAnesthetic, Confirmed: true, HasDosage: true, ChunkIDs: []string{"d"}},
	}, norm, registry.NewVocabulary(ruleEngine.Vocabulary(), norm))
	require.NoError(t, err)

	return NewEngine(embedder, store, gen, registry.NewHandle(reg), rules.NewHolder(ruleEngine), DefaultConfig(), opts...)
}

var fullTrace = []models.QueryState{
	models.StateReceived,
	models.StateEmbedded,
	models.StateCandidatesRetrieved,
	models.StateReranked,
	models.StateAnswered,
}

func TestAnswerKnownDrugQuery(t *testing.T) {
	gen := &stubGenerator{}
	e := newTestEngine(t, gen)

	res, err := e.Answer(context.Background(), models.QueryRequest{Query: "Acepromazine dosing for dogs", Species: "dogs"})
	require.NoError(t, err)

	assert.Equal(t, models.StateAnswered, res.State)
	assert.Equal(t, fullTrace, res.Trace)
	assert.Equal(t, []string{"a", "b", "c"}, res.SupportingChunkIDs)
	assert.InDelta(t, 0.922, res.Confidence, 0.005)
	assert.False(t, res.LowConfidence)
	assert.Empty(t, res.FailureReason)
	assert.NotEmpty(t, res.Answer)

	require.Len(t, res.Sources, 3)
	assert.Equal(t, "a", res.Sources[0].ChunkID)
	assert.Equal(t, 1.0, res.Sources[0].Lexical)
	assert.Equal(t, 1.0, res.Sources[0].Context)
	assert.GreaterOrEqual(t, res.Sources[0].Score, res.Sources[1].Score)
	assert.GreaterOrEqual(t, res.Sources[1].Score, res.Sources[2].Score)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "acepromazine: anesthetic/analgesic, confirmed")
	assert.Len(t, gen.texts[0], 3)
}

func TestAnswerConfidenceAdjustments(t *testing.T) {
	tests := []struct {
		name       string
		req        models.QueryRequest
		support    []string
		confidence float64
		low        bool
	}{
		{
			name:       "single strong candidate is penalised as sparse",
			req:        models.QueryRequest{Query: "Meloxicam dosing for cats"},
			support:    []string{"d"},
			confidence: 0.560,
			low:        false,
		},
		{
			name:       "weak partial match is flagged low confidence",
			req:        models.QueryRequest{Query: "Enrofloxacin side effects in horses"},
			support:    []string{"e"},
			confidence: 0.318,
			low:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &stubGenerator{})
			res, err := e.Answer(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, models.StateAnswered, res.State)
			assert.Equal(t, tt.support, res.SupportingChunkIDs)
			assert.InDelta(t, tt.confidence, res.Confidence, 0.005)
			assert.Equal(t, tt.low, res.LowConfidence)
		})
	}
}

func TestAnswerFailures(t *testing.T) {
	tests := []struct {
		name   string
		gen    *stubGenerator
		store  vector.Store
		req    models.QueryRequest
		reason string
		trace  []models.QueryState
	}{
		{
			name:   "nothing relevant",
			gen:    &stubGenerator{},
			req:    models.QueryRequest{Query: "zzqx blorf wibble"},
			reason: models.ErrNoCandidates.Error(),
			trace:  []models.QueryState{models.StateReceived, models.StateEmbedded, models.StateFailed},
		},
		{
			name:   "species filter excludes every relevant chunk",
			gen:    &stubGenerator{},
			req:    models.QueryRequest{Query: "Acepromazine dosing for dogs", Species: "feline"},
			reason: models.ErrNoCandidates.Error(),
			trace:  []models.QueryState{models.StateReceived, models.StateEmbedded, models.StateFailed},
		},
		{
			name:   "vector store unavailable",
			gen:    &stubGenerator{},
			store:  failingStore{},
			req:    models.QueryRequest{Query: "Acepromazine dosing for dogs"},
			reason: "connection refused",
			trace:  []models.QueryState{models.StateReceived, models.StateEmbedded, models.StateFailed},
		},
		{
			name:   "empty generation",
			gen:    &stubGenerator{answer: "   "},
			req:    models.QueryRequest{Query: "Acepromazine dosing for dogs"},
			reason: models.ErrEmptyAnswer.Error(),
			trace: []models.QueryState{
				models.StateReceived, models.StateEmbedded, models.StateCandidatesRetrieved,
				models.StateReranked, models.StateFailed,
			},
		},
		{
			name:   "generation error",
			gen:    &stubGenerator{err: errors.New("model overloaded")},
			req:    models.QueryRequest{Query: "Acepromazine dosing for dogs"},
			reason: "model overloaded",
			trace: []models.QueryState{
				models.StateReceived, models.StateEmbedded, models.StateCandidatesRetrieved,
				models.StateReranked, models.StateFailed,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.gen)
			if tt.store != nil {
				e.store = tt.store
			}

			res, err := e.Answer(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, models.StateFailed, res.State)
			assert.Contains(t, res.FailureReason, tt.reason)
			assert.Equal(t, tt.trace, res.Trace)
			assert.Empty(t, res.Answer)
			assert.Empty(t, res.SupportingChunkIDs)
			assert.Zero(t, res.Confidence)
			assert.True(t, res.LowConfidence)
		})
	}
}

func TestAnswerStageTimeouts(t *testing.T) {
	const limit = 20 * time.Millisecond

	tests := []struct {
		name   string
		setup  func(e *Engine)
		reason string
		trace  []models.QueryState
	}{
		{
			name: "embedding",
			setup: func(e *Engine) {
				e.embedder = &blockingEmbedder{Embedder: e.embedder, started: make(chan struct{})}
				e.cfg.EmbedTimeout = limit
			},
			reason: "embed query",
			trace:  []models.QueryState{models.StateReceived, models.StateFailed},
		},
		{
			name: "vector search",
			setup: func(e *Engine) {
				e.store = blockingStore{Store: e.store}
				e.cfg.SearchTimeout = limit
			},
			reason: "vector search",
			trace:  []models.QueryState{models.StateReceived, models.StateEmbedded, models.StateFailed},
		},
		{
			name: "generation",
			setup: func(e *Engine) {
				e.generator = blockingGenerator{}
				e.cfg.GenerateTimeout = limit
			},
			reason: "generate answer",
			trace: []models.QueryState{
				models.StateReceived, models.StateEmbedded, models.StateCandidatesRetrieved,
				models.StateReranked, models.StateFailed,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &stubGenerator{})
			tt.setup(e)

			start := time.Now()
			res, err := e.Answer(context.Background(), models.QueryRequest{Query: "Acepromazine dosing for dogs"})
			require.NoError(t, err)

			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, models.StateFailed, res.State)
			assert.Equal(t, tt.trace, res.Trace)
			assert.Contains(t, res.FailureReason, tt.reason)
			assert.Contains(t, res.FailureReason, context.DeadlineExceeded.Error())
			assert.Empty(t, res.SupportingChunkIDs)
			assert.True(t, res.LowConfidence)
		})
	}
}

func TestAnswerStopsOnCallerCancellation(t *testing.T) {
	e := newTestEngine(t, &stubGenerator{})
	embedder := &blockingEmbedder{Embedder: e.embedder, started: make(chan struct{})}
	e.embedder = embedder

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-embedder.started
		cancel()
	}()

	res, err := e.Answer(ctx, models.QueryRequest{Query: "Acepromazine dosing for dogs"})
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, []models.QueryState{models.StateReceived, models.StateFailed}, res.Trace)
	assert.Contains(t, res.FailureReason, context.Canceled.Error())
}

func TestConcurrentAnswersDoNotInterfere(t *testing.T) {
	history := &historyLog{}
	e := newTestEngine(t, &stubGenerator{}, WithHistory(history))
	ctx := context.Background()

	queries := []string{
		"Acepromazine dosing for dogs",
		"Meloxicam dosing for cats",
		"Enrofloxacin side effects in horses",
		"zzqx blorf wibble",
	}
	want := make(map[string]*models.QueryResult, len(queries))
	for _, q := range queries {
		res, err := e.Answer(ctx, models.QueryRequest{Query: q})
		require.NoError(t, err)
		want[q] = res
	}

	results := make([]*models.QueryResult, 32)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := e.Answer(ctx, models.QueryRequest{Query: queries[i%len(queries)]})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	ids := make(map[string]bool, len(results))
	for i, res := range results {
		w := want[queries[i%len(queries)]]
		assert.Equal(t, w.State, res.State)
		assert.Equal(t, w.Trace, res.Trace)
		assert.Equal(t, w.SupportingChunkIDs, res.SupportingChunkIDs)
		assert.Equal(t, w.Confidence, res.Confidence)
		assert.Equal(t, w.LowConfidence, res.LowConfidence)
		ids[res.ID] = true
	}
	assert.Len(t, ids, len(results))

	history.mu.Lock()
	defer history.mu.Unlock()
	assert.Len(t, history.records, len(queries)+len(results))
}

func TestAnswerRejectsEmptyQuery(t *testing.T) {
	e := newTestEngine(t, &stubGenerator{})
	_, err := e.Answer(context.Background(), models.QueryRequest{Query: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestAnswerReportsProgressAndHistory(t *testing.T) {
	history := &historyLog{}
	e := newTestEngine(t, &stubGenerator{}, WithHistory(history))

	var seen []models.QueryState
	res, err := e.AnswerWithProgress(context.Background(),
		models.QueryRequest{Query: "Acepromazine dosing for dogs", UserID: "vet-1"},
		func(s models.QueryState) { seen = append(seen, s) },
	)
	require.NoError(t, err)
	assert.Equal(t, res.Trace, seen)

	require.Len(t, history.records, 1)
	rec := history.records[0]
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, "vet-1", rec.UserID)
	assert.Equal(t, models.StateAnswered, rec.State)
	assert.Equal(t, res.SupportingChunkIDs, rec.ChunkIDs)
	assert.Equal(t, res.Confidence, rec.Confidence)
}

func TestAnswerUsesDrugFacts(t *testing.T) {
	t.Run("facts are added to the prompt", func(t *testing.T) {
		gen := &stubGenerator{}
		e := newTestEngine(t, gen, WithFacts(staticFacts{facts: []string{"acepromazine is a phenothiazine tranquilizer"}}))

		res, err := e.Answer(context.Background(), models.QueryRequest{Query: "Acepromazine dosing for dogs"})
		require.NoError(t, err)
		assert.Equal(t, models.StateAnswered, res.State)
		assert.Contains(t, gen.prompts[0], "phenothiazine tranquilizer")
	})

	t.Run("fact lookup failure does not fail the query", func(t *testing.T) {
		e := newTestEngine(t, &stubGenerator{}, WithFacts(staticFacts{err: errors.New("graph offline")}))

		res, err := e.Answer(context.Background(), models.QueryRequest{Query: "Acepromazine dosing for dogs"})
		require.NoError(t, err)
		assert.Equal(t, models.StateAnswered, res.State)
	})
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.QueryState
		want     bool
	}{
		{"", models.StateReceived, true},
		{models.StateReceived, models.StateEmbedded, true},
		{models.StateReceived, models.StateFailed, true},
		{models.StateReceived, models.StateReranked, false},
		{models.StateEmbedded, models.StateCandidatesRetrieved, true},
		{models.StateCandidatesRetrieved, models.StateReranked, true},
		{models.StateReranked, models.StateAnswered, true},
		{models.StateAnswered, models.StateFailed, false},
		{models.StateFailed, models.StateReceived, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
