package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/query"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

// Answerer runs retrieval queries. *query.Engine implements it.
type Answerer interface {
	Answer(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error)
	AnswerWithProgress(ctx context.Context, req models.QueryRequest, progress query.ProgressFunc) (*models.QueryResult, error)
}

type HistoryReader interface {
	GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)
}

type QueryHandler struct {
	queryEngine Answerer
	history     HistoryReader
}

func NewQueryHandler(queryEngine Answerer, history HistoryReader) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
		history:     history,
	}
}

type queryRequest struct {
	Query     string `json:"query"`
	Species   string `json:"species"`
	FocusArea string `json:"focus_area"`
	UserID    string `json:"user_id"`
}

func (r queryRequest) toModel(c *fiber.Ctx) models.QueryRequest {
	userID := r.UserID
	if userID == "" {
		userID = c.Get("X-User-ID")
	}
	return models.QueryRequest{
		Query:     r.Query,
		Species:   r.Species,
		FocusArea: models.FocusArea(r.FocusArea),
		UserID:    userID,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.queryEngine.Answer(c.Context(), req.toModel(c))
	if errors.Is(err, query.ErrEmptyQuery) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(result)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 100",
			})
		}
		limit = n
	}

	records, err := h.history.GetQueryHistory(c.Context(), c.Query("user_id"), limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}
	if records == nil {
		records = []models.QueryRecord{}
	}

	return c.JSON(fiber.Map{
		"history": records,
		"count":   len(records),
	})
}
