// Package evaluation replays a labelled query dataset through the retriever
// and summarizes how often the expected drugs come back.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

type Answerer interface {
	Answer(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error)
}

type Recorder interface {
	InsertEvaluation(ctx context.Context, e models.EvaluationSummary) error
}

// Case is one labelled query. A case with no expected drugs passes when the
// retriever abstains: the result failed or was flagged low confidence.
type Case struct {
	Query         string   `json:"query"`
	ExpectedDrugs []string `json:"expected_drugs"`
	Category      string   `json:"category"`
	Species       string   `json:"species,omitempty"`
}

type Dataset struct {
	Name  string
	Cases []Case
}

type CaseResult struct {
	Case          Case              `json:"case"`
	QueryID       string            `json:"query_id"`
	State         models.QueryState `json:"state"`
	Confidence    float64           `json:"confidence"`
	LowConfidence bool              `json:"low_confidence"`
	Hit           bool              `json:"hit"`
	Error         string            `json:"error,omitempty"`
}

type CategoryStats struct {
	Cases   int     `json:"cases"`
	Hits    int     `json:"hits"`
	HitRate float64 `json:"hit_rate"`
}

type Report struct {
	Summary    models.EvaluationSummary `json:"summary"`
	Categories map[string]CategoryStats `json:"categories"`
	Results    []CaseResult             `json:"results"`
}

type Evaluator struct {
	answerer   Answerer
	chunkDrugs map[string][]string
	recorder   Recorder
	workers    int
}

// NewEvaluator checks supporting chunks against chunkDrugs, the canonical
// drug names per chunk id of the loaded registry. recorder may be nil.
func NewEvaluator(answerer Answerer, chunkDrugs map[string][]string, recorder Recorder, workers int) *Evaluator {
	if workers <= 0 {
		workers = 1
	}
	return &Evaluator{answerer: answerer, chunkDrugs: chunkDrugs, recorder: recorder, workers: workers}
}

// LoadDataset reads a JSON array of cases.
func LoadDataset(name string, r io.Reader) (*Dataset, error) {
	var cases []Case
	if err := json.NewDecoder(r).Decode(&cases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	for i, c := range cases {
		if strings.TrimSpace(c.Query) == "" {
			return nil, fmt.Errorf("dataset case %d has an empty query", i)
		}
	}
	return &Dataset{Name: name, Cases: cases}, nil
}

func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.String("dataset", dataset.Name), zap.Int("cases", len(dataset.Cases)))

	results := make([]CaseResult, len(dataset.Cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range dataset.Cases {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.evaluate(gctx, dataset.Cases[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := summarize(dataset.Name, results)

	if e.recorder != nil {
		if err := e.recorder.InsertEvaluation(ctx, report.Summary); err != nil {
			logger.Warn("Failed to store evaluation summary", zap.Error(err))
		}
	}

	logger.Info("Dataset evaluation completed",
		zap.String("dataset", dataset.Name),
		zap.Int("cases", report.Summary.Cases),
		zap.Float64("hit_rate", report.Summary.HitRate),
		zap.Float64("mean_confidence", report.Summary.MeanConfidence),
	)
	return report, nil
}

func (e *Evaluator) evaluate(ctx context.Context, c Case) CaseResult {
	out := CaseResult{Case: c}
	result, err := e.answerer.Answer(ctx, models.QueryRequest{Query: c.Query, Species: c.Species})
	if err != nil {
		out.State = models.StateFailed
		out.Error = err.Error()
		out.Hit = len(c.ExpectedDrugs) == 0
		return out
	}

	out.QueryID = result.ID
	out.State = result.State
	out.Confidence = result.Confidence
	out.LowConfidence = result.LowConfidence
	out.Error = result.FailureReason

	if len(c.ExpectedDrugs) == 0 {
		out.Hit = result.State == models.StateFailed || result.LowConfidence
		return out
	}
	if result.State != models.StateAnswered {
		return out
	}
	out.Hit = e.mentionsExpected(c.ExpectedDrugs, result)
	return out
}

func (e *Evaluator) mentionsExpected(expected []string, result *models.QueryResult) bool {
	answer := strings.ToLower(result.Answer)
	retrieved := make(map[string]bool)
	for _, id := range result.SupportingChunkIDs {
		for _, d := range e.chunkDrugs[id] {
			retrieved[d] = true
		}
	}
	for _, want := range expected {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" {
			continue
		}
		if retrieved[want] || strings.Contains(answer, want) {
			return true
		}
	}
	return false
}

func summarize(dataset string, results []CaseResult) *Report {
	summary := models.EvaluationSummary{
		ID:        uuid.New().String(),
		Dataset:   dataset,
		Cases:     len(results),
		CreatedAt: time.Now().UTC(),
	}
	categories := make(map[string]CategoryStats)

	var hits, low, failed int
	var confidence float64
	for _, r := range results {
		cat := r.Case.Category
		if cat == "" {
			cat = "uncategorized"
		}
		stats := categories[cat]
		stats.Cases++
		if r.Hit {
			hits++
			stats.Hits++
		}
		categories[cat] = stats

		if r.LowConfidence {
			low++
		}
		if r.State == models.StateFailed {
			failed++
		}
		confidence += r.Confidence
	}

	for name, stats := range categories {
		stats.HitRate = rate(stats.Hits, stats.Cases)
		categories[name] = stats
	}

	summary.HitRate = rate(hits, len(results))
	summary.LowConfidenceRate = rate(low, len(results))
	summary.FailedRate = rate(failed, len(results))
	if len(results) > 0 {
		summary.MeanConfidence = math.Round(confidence/float64(len(results))*10000) / 10000
	}

	return &Report{Summary: summary, Categories: categories, Results: results}
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*10000) / 10000
}

func FormatReport(report *Report) string {
	var b strings.Builder
	s := report.Summary
	fmt.Fprintf(&b, `
Evaluation Report
=================

Dataset: %s
Total Queries: %d

Hit Rate: %.1f%%
Mean Confidence: %.3f
Low Confidence: %.1f%%
Failed: %.1f%%
`,
		s.Dataset, s.Cases,
		s.HitRate*100,
		s.MeanConfidence,
		s.LowConfidenceRate*100,
		s.FailedRate*100,
	)

	if len(report.Categories) > 0 {
		b.WriteString("\nBy Category:\n")
		names := make([]string, 0, len(report.Categories))
		for name := range report.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := report.Categories[name]
			fmt.Fprintf(&b, "- %s: %d/%d (%.1f%%)\n", name, c.Hits, c.Cases, c.HitRate*100)
		}
	}

	var misses []CaseResult
	for _, r := range report.Results {
		if !r.Hit {
			misses = append(misses, r)
		}
	}
	if len(misses) > 0 {
		b.WriteString("\nMisses:\n")
		for _, r := range misses {
			fmt.Fprintf(&b, "- %q state=%s confidence=%.3f", r.Case.Query, r.State, r.Confidence)
			if r.Error != "" {
				fmt.Fprintf(&b, " reason=%s", r.Error)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
