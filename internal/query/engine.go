// Package query answers clinician questions from the indexed corpus. Each
// query moves through received, embedded, candidates_retrieved, reranked and
// ends answered or failed; the confidence attached to an answer comes from
// the re-ranked candidates, never from the generated text.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/llm"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/internal/vector"
)

var ErrEmptyQuery = errors.New("query text is empty")

type Weights struct {
	Similarity float64 `mapstructure:"similarity"`
	Lexical    float64 `mapstructure:"lexical"`
	Context    float64 `mapstructure:"context"`
}

type Config struct {
	TopK                int           `mapstructure:"top_k"`
	Weights             Weights       `mapstructure:"weights"`
	SimilarityFloor     float64       `mapstructure:"similarity_floor"`
	LowConfidence       float64       `mapstructure:"low_confidence"`
	StrongMatchScore    float64       `mapstructure:"strong_match_score"`
	MinStrongMatches    int           `mapstructure:"min_strong_matches"`
	SparsePenalty       float64       `mapstructure:"sparse_penalty"`
	DisagreementSpread  float64       `mapstructure:"disagreement_spread"`
	DisagreementPenalty float64       `mapstructure:"disagreement_penalty"`
	UnconfirmedWeight   float64       `mapstructure:"unconfirmed_weight"`
	MaxContextChunks    int           `mapstructure:"max_context_chunks"`
	EmbedTimeout        time.Duration `mapstructure:"embed_timeout"`
	SearchTimeout       time.Duration `mapstructure:"search_timeout"`
	GenerateTimeout     time.Duration `mapstructure:"generate_timeout"`
}

func DefaultConfig() Config {
	return Config{
		TopK:                15,
		Weights:             Weights{Similarity: 0.6, Lexical: 0.25, Context: 0.15},
		SimilarityFloor:     0.3,
		LowConfidence:       0.5,
		StrongMatchScore:    0.6,
		MinStrongMatches:    3,
		SparsePenalty:       0.15,
		DisagreementSpread:  0.25,
		DisagreementPenalty: 0.1,
		UnconfirmedWeight:   0.5,
		MaxContextChunks:    5,
		EmbedTimeout:        15 * time.Second,
		SearchTimeout:       10 * time.Second,
		GenerateTimeout:     30 * time.Second,
	}
}

// withDefaults fills unset limits and timeouts. Weights and thresholds are
// taken as given since zero is a meaningful value for them.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.MaxContextChunks <= 0 {
		c.MaxContextChunks = d.MaxContextChunks
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = d.EmbedTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = d.GenerateTimeout
	}
	return c
}

// HistoryRecorder persists finished queries. The SQLite client implements it.
type HistoryRecorder interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
}

// FactSource returns short statements about the named drugs for the prompt.
// The Neo4j client implements it.
type FactSource interface {
	DrugFacts(ctx context.Context, names []string) ([]string, error)
}

// ProgressFunc observes every state the query enters.
type ProgressFunc func(state models.QueryState)

type Engine struct {
	embedder  llm.Embedder
	store     vector.Store
	generator llm.Generator
	registry  *registry.Handle
	rules     *rules.Holder
	cfg       Config
	history   HistoryRecorder
	facts     FactSource
	logger    *zap.Logger
}

type Option func(*Engine)

func WithHistory(h HistoryRecorder) Option { return func(e *Engine) { e.history = h } }

func WithFacts(f FactSource) Option { return func(e *Engine) { e.facts = f } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(embedder llm.Embedder, store vector.Store, generator llm.Generator, reg *registry.Handle, ruleSet *rules.Holder, cfg Config, opts ...Option) *Engine {
	if reg == nil {
		reg = registry.NewHandle(nil)
	}
	e := &Engine{
		embedder:  embedder,
		store:     store,
		generator: generator,
		registry:  reg,
		rules:     ruleSet,
		cfg:       cfg.withDefaults(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Answer runs a query to completion. Retrieval and generation failures are
// reported in the result with state failed; the error is reserved for
// requests that cannot be run at all.
func (e *Engine) Answer(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	return e.AnswerWithProgress(ctx, req, nil)
}

func (e *Engine) AnswerWithProgress(ctx context.Context, req models.QueryRequest, progress ProgressFunc) (*models.QueryResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	r := &run{
		started:  time.Now(),
		progress: progress,
		result: &models.QueryResult{
			ID:                 uuid.New().String(),
			SupportingChunkIDs: []string{},
		},
	}
	r.enter(models.StateReceived)

	e.logger.Info("Processing query",
		zap.String("query_id", r.result.ID),
		zap.String("query", req.Query),
		zap.String("species", req.Species),
		zap.String("focus_area", string(req.FocusArea)),
	)

	e.execute(ctx, req, r)

	r.result.LatencyMS = time.Since(r.started).Milliseconds()
	e.observe(r.result)
	e.record(ctx, req, r.result)
	return r.result, nil
}

func (e *Engine) execute(ctx context.Context, req models.QueryRequest, r *run) {
	engine := e.rules.Get()

	ectx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vec, err := e.embedder.Embed(ectx, req.Query)
	cancel()
	if err != nil {
		r.fail(fmt.Errorf("embed query: %w", err))
		return
	}
	r.enter(models.StateEmbedded)

	intent := e.parseIntent(engine, req)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	matches, err := e.store.Query(sctx, vec, e.cfg.TopK, vector.Filter{Species: intent.filterSpecies, FocusArea: string(req.FocusArea)})
	cancel()
	if err != nil {
		r.fail(fmt.Errorf("vector search: %w", err))
		return
	}
	metrics.CandidatesRetrieved.Observe(float64(len(matches)))

	candidates := make([]vector.Match, 0, len(matches))
	for _, m := range matches {
		if clip(float64(m.Score)) >= e.cfg.SimilarityFloor {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		r.fail(models.ErrNoCandidates)
		return
	}
	r.enter(models.StateCandidatesRetrieved)

	ranked := e.rerank(engine, intent, candidates)
	confidence := e.confidence(ranked)
	r.enter(models.StateReranked)

	n := e.cfg.MaxContextChunks
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = ranked[i].match.Text
		r.result.SupportingChunkIDs = append(r.result.SupportingChunkIDs, ranked[i].match.ChunkID)
		r.result.Sources = append(r.result.Sources, ranked[i].source())
	}

	prompt := e.buildPrompt(ctx, req, intent)
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	answer, err := e.generator.Generate(gctx, prompt, texts)
	cancel()
	if err != nil {
		r.fail(fmt.Errorf("generate answer: %w", err))
		return
	}
	if strings.TrimSpace(answer) == "" {
		r.fail(models.ErrEmptyAnswer)
		return
	}

	r.result.Answer = strings.TrimSpace(answer)
	r.result.Confidence = confidence
	r.result.LowConfidence = confidence < e.cfg.LowConfidence
	r.enter(models.StateAnswered)
}

// intent is what the query asks for beyond its raw text.
type intent struct {
	terms         []string
	drugs         []models.ValidatedDrug
	dosage        bool
	focus         models.FocusArea
	species       []string
	filterSpecies string
}

var queryStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "how": true, "which": true,
	"are": true, "is": true, "of": true, "in": true, "on": true, "to": true, "does": true, "should": true,
	"can": true, "much": true, "many": true, "when": true, "there": true, "any": true, "use": true,
}

func (e *Engine) parseIntent(engine *rules.Engine, req models.QueryRequest) intent {
	var in intent
	seen := make(map[string]bool)
	for _, w := range rules.Words(req.Query) {
		if len(w) < 3 || queryStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		in.terms = append(in.terms, w)
	}

	if reg := e.registry.Load(); reg != nil {
		in.drugs = reg.FindInText(req.Query)
	}

	in.focus = req.FocusArea
	if in.focus == "" {
		in.focus = engine.FocusArea(req.Query)
	}
	in.dosage = in.focus == models.FocusDosage

	if req.Species != "" {
		name, ok := engine.SpeciesName(req.Species)
		if !ok {
			name = strings.ToLower(strings.TrimSpace(req.Species))
		}
		in.filterSpecies = name
		in.species = []string{name}
	} else {
		in.species = engine.Species(req.Query)
	}
	return in
}

type scored struct {
	match      vector.Match
	similarity float64
	lexical    float64
	context    float64
	score      float64
}

func (s scored) source() models.Source {
	return models.Source{
		ChunkID:    s.match.ChunkID,
		Score:      round(s.score),
		Similarity: round(s.similarity),
		Lexical:    round(s.lexical),
		Context:    round(s.context),
		PageStart:  s.match.PageStart,
		PageEnd:    s.match.PageEnd,
	}
}

func (e *Engine) rerank(engine *rules.Engine, in intent, candidates []vector.Match) []scored {
	expansions := make([][]string, len(in.terms))
	for i, t := range in.terms {
		expansions[i] = engine.Expand([]string{t})
	}

	out := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		s := scored{match: m, similarity: clip(float64(m.Score))}
		s.lexical = e.lexicalScore(in, expansions, m.Record)

		w := e.cfg.Weights
		total := w.Similarity*s.similarity + w.Lexical*s.lexical
		weight := w.Similarity + w.Lexical
		if ctxScore, ok := contextScore(engine, in, m.Record); ok {
			s.context = ctxScore
			total += w.Context * ctxScore
			weight += w.Context
		}
		if weight > 0 {
			s.score = total / weight
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].similarity != out[j].similarity {
			return out[i].similarity > out[j].similarity
		}
		return out[i].match.ChunkID < out[j].match.ChunkID
	})
	return out
}

// lexicalScore is the share of query terms found in the chunk, blended with
// the share of query drugs the chunk mentions when the query names any.
// Unconfirmed drugs count for UnconfirmedWeight of a confirmed one.
func (e *Engine) lexicalScore(in intent, expansions [][]string, rec vector.Record) float64 {
	lower := strings.ToLower(rec.Text)
	words := make(map[string]bool)
	for _, w := range rules.Words(rec.Text) {
		words[w] = true
	}

	var termScore float64
	if len(in.terms) > 0 {
		hits := 0
		for _, forms := range expansions {
			for _, f := range forms {
				if words[f] || (strings.ContainsAny(f, " /-") && strings.Contains(lower, f)) {
					hits++
					break
				}
			}
		}
		termScore = float64(hits) / float64(len(in.terms))
	}

	if len(in.drugs) == 0 {
		return termScore
	}

	tagged := make(map[string]bool, len(rec.Drugs))
	for _, d := range rec.Drugs {
		tagged[d] = true
	}
	var drugScore float64
	for _, d := range in.drugs {
		if !tagged[d.CanonicalName] && !strings.Contains(lower, d.CanonicalName) {
			continue
		}
		if d.Confirmed {
			drugScore++
		} else {
			drugScore += e.cfg.UnconfirmedWeight
		}
	}
	drugScore /= float64(len(in.drugs))
	return 0.5*termScore + 0.5*drugScore
}

// contextScore averages the intent signals that apply to the query. It
// reports false when the query carries no dosage, species or focus intent.
func contextScore(engine *rules.Engine, in intent, rec vector.Record) (float64, bool) {
	var sum float64
	var n int

	if in.dosage {
		n++
		switch {
		case engine.HasDosage(rec.Text):
			sum++
		case engine.HasRegimen(rec.Text):
			sum += 0.5
		}
	}

	if len(in.species) > 0 {
		n++
		for _, want := range in.species {
			if containsString(rec.Species, want) {
				sum++
				break
			}
		}
	}

	if in.focus != "" && in.focus != models.FocusGeneral && in.focus != models.FocusDosage {
		n++
		if rec.FocusArea == string(in.focus) {
			sum++
		}
	}

	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// confidence starts from the best re-ranked score and is reduced when few
// candidates are strong or the leading candidates disagree.
func (e *Engine) confidence(ranked []scored) float64 {
	if len(ranked) == 0 {
		return 0
	}
	conf := ranked[0].score

	strong := 0
	for _, s := range ranked {
		if s.score >= e.cfg.StrongMatchScore {
			strong++
		}
	}
	if strong < e.cfg.MinStrongMatches {
		conf -= e.cfg.SparsePenalty
	}

	last := 2
	if last >= len(ranked) {
		last = len(ranked) - 1
	}
	if ranked[0].score-ranked[last].score > e.cfg.DisagreementSpread {
		conf -= e.cfg.DisagreementPenalty
	}

	return round(clip(conf))
}

func (e *Engine) buildPrompt(ctx context.Context, req models.QueryRequest, in intent) string {
	var b strings.Builder
	b.WriteString(req.Query)

	var notes []string
	for _, d := range in.drugs {
		status := "unconfirmed"
		if d.Confirmed {
			status = "confirmed"
		}
		notes = append(notes, fmt.Sprintf("%s: %s, %s, %d mentions", d.CanonicalName, d.Category, status, d.MentionCount))
	}

	if e.facts != nil && len(in.drugs) > 0 {
		names := make([]string, len(in.drugs))
		for i, d := range in.drugs {
			names[i] = d.CanonicalName
		}
		facts, err := e.facts.DrugFacts(ctx, names)
		if err != nil {
			e.logger.Warn("Drug facts unavailable", zap.Error(err))
		} else {
			notes = append(notes, facts...)
		}
	}

	if len(notes) > 0 {
		b.WriteString("\n\nKnown drugs in the reference:\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	if req.Species != "" {
		fmt.Fprintf(&b, "\nAnswer for species: %s\n", req.Species)
	}
	return b.String()
}

func (e *Engine) observe(result *models.QueryResult) {
	state := string(result.State)
	metrics.QueryDuration.WithLabelValues(state).Observe(float64(result.LatencyMS) / 1000)
	metrics.QueryTotal.WithLabelValues(state, fmt.Sprintf("%t", result.LowConfidence)).Inc()
	if result.State == models.StateAnswered {
		metrics.ConfidenceScore.Observe(result.Confidence)
	}

	fields := []zap.Field{
		zap.String("query_id", result.ID),
		zap.String("state", state),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("low_confidence", result.LowConfidence),
		zap.Int64("latency_ms", result.LatencyMS),
	}
	if result.State == models.StateFailed {
		e.logger.Warn("Query failed", append(fields, zap.String("reason", result.FailureReason))...)
		return
	}
	e.logger.Info("Query answered", fields...)
}

func (e *Engine) record(ctx context.Context, req models.QueryRequest, result *models.QueryResult) {
	if e.history == nil {
		return
	}
	rec := &models.QueryRecord{
		ID:            result.ID,
		UserID:        req.UserID,
		QueryText:     req.Query,
		Answer:        result.Answer,
		Confidence:    result.Confidence,
		State:         result.State,
		LowConfidence: result.LowConfidence,
		FailureReason: result.FailureReason,
		ChunkIDs:      result.SupportingChunkIDs,
		Sources:       result.Sources,
		LatencyMS:     result.LatencyMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.history.InsertQueryRecord(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("Failed to record query", zap.String("query_id", result.ID), zap.Error(err))
	}
}

// run tracks one query through its states.
type run struct {
	started  time.Time
	progress ProgressFunc
	result   *models.QueryResult
}

var transitions = map[models.QueryState][]models.QueryState{
	"":                              {models.StateReceived},
	models.StateReceived:            {models.StateEmbedded, models.StateFailed},
	models.StateEmbedded:            {models.StateCandidatesRetrieved, models.StateFailed},
	models.StateCandidatesRetrieved: {models.StateReranked, models.StateFailed},
	models.StateReranked:            {models.StateAnswered, models.StateFailed},
}

// CanTransition reports whether a query may move from one state to another.
// Answered and failed are terminal.
func CanTransition(from, to models.QueryState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (r *run) enter(state models.QueryState) {
	if !CanTransition(r.result.State, state) {
		panic(fmt.Sprintf("query %s: invalid transition %q -> %q", r.result.ID, r.result.State, state))
	}
	r.result.State = state
	r.result.Trace = append(r.result.Trace, state)
	if r.progress != nil {
		r.progress(state)
	}
}

func (r *run) fail(err error) {
	r.result.Answer = ""
	r.result.SupportingChunkIDs = []string{}
	r.result.Sources = nil
	r.result.Confidence = 0
	r.result.LowConfidence = true
	r.result.FailureReason = err.Error()
	r.enter(models.StateFailed)
}

func clip(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
