package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/internal/vector"
	"github.com/vet-kb/backend/pkg/circuitbreaker"
	"github.com/vet-kb/backend/pkg/logger"
	"github.com/vet-kb/backend/pkg/retry"
)

const (
	fieldChunkID   = "chunk_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldDocID     = "document_id"
	fieldPageStart = "page_start"
	fieldPageEnd   = "page_end"
	fieldFocus     = "focus_area"
	fieldSpecies   = "species"
	fieldDrugs     = "drugs"
	fieldUpdatedAt = "updated_at"

	maxTextLength = 8192
)

var outputFields = []string{fieldChunkID, fieldText, fieldDocID, fieldPageStart, fieldPageEnd, fieldFocus, fieldSpecies, fieldDrugs}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	retryConfig := retry.DefaultConfig()
	retryConfig.Logger = logger.GetLogger()
	retryConfig.Classify = models.IsRetryable

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("zilliz", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
			OnStateChange:    metrics.BreakerStateChanged,
		}),
		retryConfig: retryConfig,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// EnsureCollection creates and loads the chunk collection when it is missing.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	varchar := func(name string, max int, primary bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: primary,
			TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", max)},
		}
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Veterinary drug reference chunks",
		Fields: []*entity.Field{
			varchar(fieldChunkID, 64, true),
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar(fieldText, maxTextLength, false),
			varchar(fieldDocID, 64, false),
			{Name: fieldPageStart, DataType: entity.FieldTypeInt64},
			{Name: fieldPageEnd, DataType: entity.FieldTypeInt64},
			varchar(fieldFocus, 64, false),
			varchar(fieldSpecies, 256, false),
			varchar(fieldDrugs, 2048, false),
			{Name: fieldUpdatedAt, DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert writes records keyed by chunk id. Embeddings are stored unit
// length; the index scores them with the COSINE metric.
func (z *Client) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	n := len(records)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	texts := make([]string, n)
	docIDs := make([]string, n)
	pageStarts := make([]int64, n)
	pageEnds := make([]int64, n)
	focus := make([]string, n)
	species := make([]string, n)
	drugs := make([]string, n)
	updated := make([]int64, n)

	now := time.Now().Unix()
	for i, r := range records {
		if len(r.Embedding) != z.vectorDim {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, collection expects %d", r.ChunkID, len(r.Embedding), z.vectorDim)
		}
		ids[i] = r.ChunkID
		embeddings[i] = vector.Normalize(append([]float32(nil), r.Embedding...))
		texts[i] = truncate(r.Text, maxTextLength)
		docIDs[i] = r.DocumentID
		pageStarts[i] = int64(r.PageStart)
		pageEnds[i] = int64(r.PageEnd)
		focus[i] = r.FocusArea
		species[i] = vector.JoinTags(r.Species)
		drugs[i] = truncate(vector.JoinTags(r.Drugs), 2048)
		updated[i] = now
	}

	err := z.call(ctx, "upsert", func() error {
		_, err := z.client.Upsert(
			ctx,
			z.collectionName,
			"",
			entity.NewColumnVarChar(fieldChunkID, ids),
			entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
			entity.NewColumnVarChar(fieldText, texts),
			entity.NewColumnVarChar(fieldDocID, docIDs),
			entity.NewColumnInt64(fieldPageStart, pageStarts),
			entity.NewColumnInt64(fieldPageEnd, pageEnds),
			entity.NewColumnVarChar(fieldFocus, focus),
			entity.NewColumnVarChar(fieldSpecies, species),
			entity.NewColumnVarChar(fieldDrugs, drugs),
			entity.NewColumnInt64(fieldUpdatedAt, updated),
		)
		if err != nil {
			return err
		}
		return z.client.Flush(ctx, z.collectionName, false)
	})
	if err != nil {
		return err
	}

	logger.Info("Chunks upserted into vector DB", zap.Int("count", n))
	return nil
}

// Delete removes chunks by primary key.
func (z *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := z.call(ctx, "delete", func() error {
		if err := z.client.DeleteByPks(ctx, z.collectionName, "", entity.NewColumnVarChar(fieldChunkID, ids)); err != nil {
			return err
		}
		return z.client.Flush(ctx, z.collectionName, false)
	})
	if err != nil {
		return err
	}

	logger.Info("Chunks deleted from vector DB", zap.Int("count", len(ids)))
	return nil
}

func (z *Client) Query(ctx context.Context, vec []float32, k int, filter vector.Filter) ([]vector.Match, error) {
	expr := filterExpr(filter)
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}
	query := vector.Normalize(append([]float32(nil), vec...))

	var searchResult []client.SearchResult
	err = z.call(ctx, "search", func() error {
		var err error
		searchResult, err = z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			expr,
			outputFields,
			[]entity.Vector{entity.FloatVector(query)},
			fieldEmbedding,
			entity.COSINE,
			k,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]vector.Match, 0, k)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			rec := vector.Record{
				ChunkID:    columnString(sr, fieldChunkID, i),
				Text:       columnString(sr, fieldText, i),
				DocumentID: columnString(sr, fieldDocID, i),
				PageStart:  int(columnInt(sr, fieldPageStart, i)),
				PageEnd:    int(columnInt(sr, fieldPageEnd, i)),
				FocusArea:  columnString(sr, fieldFocus, i),
				Species:    vector.SplitTags(columnString(sr, fieldSpecies, i)),
				Drugs:      vector.SplitTags(columnString(sr, fieldDrugs, i)),
			}
			results = append(results, vector.Match{Record: rec, Score: sr.Scores[i]})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", k),
		zap.Int("results", len(results)),
		zap.String("filters", expr),
	)
	return results, nil
}

func (z *Client) call(ctx context.Context, op string, fn func() error) error {
	err := z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			if err := fn(); err != nil {
				return &models.ExternalServiceError{Service: "zilliz", Op: op, Retryable: retryable(ctx, err), Cause: err}
			}
			return nil
		})
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ExternalCalls.WithLabelValues("zilliz", op, status).Inc()
	if err != nil {
		var ext *models.ExternalServiceError
		if !errors.As(err, &ext) {
			err = &models.ExternalServiceError{Service: "zilliz", Op: op, Cause: err}
		}
	}
	return err
}

// retryable reports transient gRPC failures. Errors without a gRPC status
// come from the SDK's own response checks (missing collection, schema
// mismatch) and are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

func filterExpr(f vector.Filter) string {
	var parts []string
	if f.FocusArea != "" {
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, fieldFocus, escape(f.FocusArea)))
	}
	if f.Species != "" {
		parts = append(parts, fmt.Sprintf(`%s like "%%|%s|%%"`, fieldSpecies, escape(f.Species)))
	}
	return strings.Join(parts, " && ")
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func columnString(sr client.SearchResult, name string, i int) string {
	col := sr.Fields.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func columnInt(sr client.SearchResult, name string, i int) int64 {
	col := sr.Fields.GetColumn(name)
	if col == nil {
		return 0
	}
	v, err := col.Get(i)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
