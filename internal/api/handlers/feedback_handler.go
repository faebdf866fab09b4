package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

type FeedbackStore interface {
	QueryExists(ctx context.Context, id string) (bool, error)
	StoreFeedback(ctx context.Context, feedback *models.Feedback) error
}

type FeedbackHandler struct {
	store FeedbackStore
}

func NewFeedbackHandler(store FeedbackStore) *FeedbackHandler {
	return &FeedbackHandler{store: store}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		QueryID string `json:"query_id"`
		Helpful *bool  `json:"helpful"`
		Comment string `json:"comment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.QueryID = strings.TrimSpace(req.QueryID)
	if req.QueryID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id and helpful are required",
		})
	}

	exists, err := h.store.QueryExists(c.Context(), req.QueryID)
	if err != nil {
		logger.Error("Failed to look up query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown query_id",
		})
	}

	fb := &models.Feedback{QueryID: req.QueryID, Helpful: *req.Helpful, Comment: req.Comment}
	if err := h.store.StoreFeedback(c.Context(), fb); err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}
	metrics.FeedbackTotal.WithLabelValues(strconv.FormatBool(fb.Helpful)).Inc()

	return c.Status(fiber.StatusCreated).JSON(fb)
}
