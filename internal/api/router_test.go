package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/artifact"
	"github.com/vet-kb/backend/internal/dosing"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/query"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/config"
)

type stubEngine struct{}

func (stubEngine) Answer(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	return stubEngine{}.AnswerWithProgress(ctx, req, nil)
}

func (stubEngine) AnswerWithProgress(_ context.Context, req models.QueryRequest, _ query.ProgressFunc) (*models.QueryResult, error) {
	return &models.QueryResult{ID: "q-1", Answer: req.Query, State: models.StateAnswered}, nil
}

type stubStore struct{}

func (stubStore) GetQueryHistory(context.Context, string, int) ([]models.QueryRecord, error) {
	return nil, nil
}
func (stubStore) QueryExists(context.Context, string) (bool, error)          { return false, nil }
func (stubStore) StoreFeedback(context.Context, *models.Feedback) error      { return nil }
func (stubStore) ListRuns(context.Context, int) ([]models.RunSummary, error) { return nil, nil }

type stubRuntime struct{}

func (stubRuntime) Ready(context.Context) error        { return nil }
func (stubRuntime) LoadRegistry(context.Context) error { return nil }
func (stubRuntime) Warm(context.Context) error         { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	metrics.Init()
	store, err := artifact.NewDirStore(t.TempDir())
	require.NoError(t, err)
	calc, err := dosing.Default()
	require.NoError(t, err)

	srv := NewServer(config.ServerConfig{
		RateLimit:      100,
		RateBurst:      100,
		MaxQueryLength: 100,
		Development:    true,
	}, Deps{
		Engine:    stubEngine{},
		Store:     stubStore{},
		Runtime:   stubRuntime{},
		Registry:  registry.NewHandle(nil),
		Artifacts: store,
		Dosing:    calc,
	})
	t.Cleanup(func() { srv.limiter.Stop() })
	return srv
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", "GET", "/health", "", http.StatusOK},
		{"ready", "GET", "/ready", "", http.StatusOK},
		{"metrics", "GET", "/metrics", "", http.StatusOK},
		{"query", "POST", "/api/v1/query", `{"query":"meloxicam dose"}`, http.StatusOK},
		{"query rejected by validation", "POST", "/api/v1/query", `{"query":"` + strings.Repeat("x", 101) + `"}`, http.StatusBadRequest},
		{"history", "GET", "/api/v1/query/history", "", http.StatusOK},
		{"drugs without registry", "GET", "/api/v1/drugs", "", http.StatusServiceUnavailable},
		{"quality without report", "GET", "/api/v1/quality", "", http.StatusNotFound},
		{"feedback unknown query", "POST", "/api/v1/feedback", `{"query_id":"q-1","helpful":true}`, http.StatusNotFound},
		{"runs", "GET", "/api/v1/runs", "", http.StatusOK},
		{"reload", "POST", "/api/v1/corpus/reload", "", http.StatusOK},
		{"dose", "POST", "/api/v1/calculate/dose", `{"drug":"meloxicam","weight_kg":10,"mg_per_kg":0.1}`, http.StatusOK},
		{"cri", "POST", "/api/v1/calculate/cri", `{"weight_kg":10,"bag_ml":500,"flow_ml_per_hr":20,"drugs":[{"name":"lidocaine","dose":2,"dose_unit":"mg/kg/hr"}]}`, http.StatusOK},
		{"interactions", "POST", "/api/v1/interactions", `{"drugs":["meloxicam","prednisolone"]}`, http.StatusOK},
		{"websocket needs upgrade", "GET", "/api/v1/ws/query", "", http.StatusUpgradeRequired},
		{"unknown route", "GET", "/api/v1/documents", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := srv.App.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

func TestCorsOrigins(t *testing.T) {
	assert.Equal(t, "*", corsOrigins(nil))
	assert.Equal(t, "https://a.example, https://b.example", corsOrigins([]string{" https://a.example", "", "https://b.example"}))
}
