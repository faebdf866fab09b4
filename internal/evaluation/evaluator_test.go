package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/storage/models"
)

type scriptedAnswerer map[string]*models.QueryResult

func (s scriptedAnswerer) Answer(_ context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	r, ok := s[req.Query]
	if !ok {
		return nil, errors.New("empty query")
	}
	return r, nil
}

type summaries struct {
	mu   sync.Mutex
	rows []models.EvaluationSummary
}

func (s *summaries) InsertEvaluation(_ context.Context, e models.EvaluationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, e)
	return nil
}

const dataset = `[
  {"query": "acepromazine dose for dogs", "expected_drugs": ["Acepromazine"], "category": "dosage"},
  {"query": "meloxicam in cats", "expected_drugs": ["meloxicam"], "category": "dosage"},
  {"query": "enrofloxacin horses", "expected_drugs": ["enrofloxacin"], "category": "indications"},
  {"query": "purple elephant tax law", "expected_drugs": [], "category": "negative"}
]`

func TestRun(t *testing.T) {
	answerer := scriptedAnswerer{
		"acepromazine dose for dogs": {ID: "q1", State: models.StateAnswered, Confidence: 0.9, SupportingChunkIDs: []string{"a"}},
		"meloxicam in cats":          {ID: "q2", State: models.StateAnswered, Confidence: 0.6, Answer: "Meloxicam is dosed once daily.", SupportingChunkIDs: []string{"x"}},
		"enrofloxacin horses":        {ID: "q3", State: models.StateAnswered, Confidence: 0.3, LowConfidence: true, SupportingChunkIDs: []string{"a"}},
		"purple elephant tax law":    {ID: "q4", State: models.StateFailed, LowConfidence: true, FailureReason: "no candidate cleared the similarity floor"},
	}
	ds, err := LoadDataset("smoke", strings.NewReader(dataset))
	require.NoError(t, err)

	rec := &summaries{}
	ev := NewEvaluator(answerer, map[string][]string{"a": {"acepromazine"}}, rec, 2)
	report, err := ev.Run(context.Background(), ds)
	require.NoError(t, err)

	hits := make([]bool, len(report.Results))
	for i, r := range report.Results {
		hits[i] = r.Hit
	}
	assert.Equal(t, []bool{true, true, false, true}, hits)

	s := report.Summary
	assert.Equal(t, "smoke", s.Dataset)
	assert.Equal(t, 4, s.Cases)
	assert.Equal(t, 0.75, s.HitRate)
	assert.Equal(t, 0.45, s.MeanConfidence)
	assert.Equal(t, 0.5, s.LowConfidenceRate)
	assert.Equal(t, 0.25, s.FailedRate)

	assert.Equal(t, CategoryStats{Cases: 2, Hits: 2, HitRate: 1}, report.Categories["dosage"])
	assert.Equal(t, CategoryStats{Cases: 1, Hits: 0, HitRate: 0}, report.Categories["indications"])

	require.Len(t, rec.rows, 1)
	assert.Equal(t, s.ID, rec.rows[0].ID)

	text := FormatReport(report)
	assert.Contains(t, text, "Hit Rate: 75.0%")
	assert.Contains(t, text, "- dosage: 2/2 (100.0%)")
	assert.Contains(t, text, `"enrofloxacin horses" state=answered`)
}

func TestRunCountsAnswerErrorsAsFailed(t *testing.T) {
	ds := &Dataset{Name: "errors", Cases: []Case{{Query: "unknown", ExpectedDrugs: []string{"x"}}}}
	report, err := NewEvaluator(scriptedAnswerer{}, nil, nil, 1).Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Hit)
	assert.Equal(t, 1.0, report.Summary.FailedRate)
	assert.Equal(t, CategoryStats{Cases: 1}, report.Categories["uncategorized"])
}

func TestLoadDataset(t *testing.T) {
	_, err := LoadDataset("bad", strings.NewReader(`{"query": "x"}`))
	assert.Error(t, err)
	_, err = LoadDataset("blank", strings.NewReader(`[{"query": "  "}]`))
	assert.Error(t, err)
}

func TestSummarizeEmpty(t *testing.T) {
	report := summarize("empty", nil)
	assert.Equal(t, 0, report.Summary.Cases)
	assert.Equal(t, 0.0, report.Summary.HitRate)
	assert.Empty(t, report.Categories)
}
