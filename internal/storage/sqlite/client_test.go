package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "vetkb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func TestProgressLog(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.CommitChunks(ctx, "chunks", map[string]string{"a": "fa", "b": "fb"}))
	require.NoError(t, c.CommitChunks(ctx, "chunks", map[string]string{"b": "fb2", "c": "fc"}))
	require.NoError(t, c.CommitChunks(ctx, "other", map[string]string{"a": "z"}))

	tests := []struct {
		name       string
		collection string
		forget     []string
		want       map[string]string
	}{
		{"newer fingerprint wins", "chunks", nil, map[string]string{"a": "fa", "b": "fb2", "c": "fc"}},
		{"collections are separate", "other", nil, map[string]string{"a": "z"}},
		{"forget removes only listed ids", "chunks", []string{"a", "missing"}, map[string]string{"b": "fb2", "c": "fc"}},
		{"forget leaves other collections", "other", nil, map[string]string{"a": "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.ForgetChunks(ctx, tt.collection, tt.forget))
			got, err := c.CommittedChunks(ctx, tt.collection)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgressLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.CommitChunks(ctx, "chunks", map[string]string{"a": "fa"}))
	require.NoError(t, c.ForgetChunks(ctx, "chunks", []string{"a"}))
	require.NoError(t, c.CommitChunks(ctx, "chunks", map[string]string{"a": "fa2"}))
	require.NoError(t, c.InitSchema(ctx))

	got, err := c.CommittedChunks(ctx, "chunks")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "fa2"}, got)

	n, err := c.IndexLogLength(ctx, "chunks")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueryHistoryAndFeedback(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	first := &models.QueryRecord{
		ID:         "q1",
		UserID:     "vet-1",
		QueryText:  "acepromazine dose",
		Answer:     "0.05 mg/kg",
		Confidence: 0.8,
		State:      models.StateAnswered,
		ChunkIDs:   []string{"c1", "c2"},
		Sources:    []models.Source{{ChunkID: "c1", Score: 0.9, Similarity: 0.8}},
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	second := &models.QueryRecord{
		ID:            "q2",
		UserID:        "vet-2",
		QueryText:     "nonsense",
		State:         models.StateFailed,
		FailureReason: "no candidate cleared the similarity floor",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, c.InsertQueryRecord(ctx, first))
	require.NoError(t, c.InsertQueryRecord(ctx, second))

	all, err := c.GetQueryHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "q2", all[0].ID)
	assert.Equal(t, models.StateFailed, all[0].State)

	mine, err := c.GetQueryHistory(ctx, "vet-1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, []string{"c1", "c2"}, mine[0].ChunkIDs)

	exists, err := c.QueryExists(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, exists)

	fb := &models.Feedback{QueryID: "q1", Helpful: true, Comment: "spot on"}
	require.NoError(t, c.StoreFeedback(ctx, fb))
	assert.NotZero(t, fb.ID)
	require.NoError(t, c.StoreFeedback(ctx, &models.Feedback{QueryID: "q2"}))

	helpful, total, err := c.FeedbackStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, helpful)
	assert.Equal(t, 2, total)
}

func TestRecordRunUpserts(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	run := models.RunSummary{
		RunID:      "run-1",
		DocumentID: "doc",
		ChunkCount: 10,
		DrugCount:  2,
		Errors:     []string{"page 3 unreadable"},
		StartedAt:  time.Unix(1000, 0),
		FinishedAt: time.Unix(1010, 0),
	}
	require.NoError(t, c.RecordRun(ctx, run))
	run.DrugCount = 3
	require.NoError(t, c.RecordRun(ctx, run))

	runs, err := c.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].DrugCount)
	assert.Equal(t, []string{"page 3 unreadable"}, runs[0].Errors)
}
