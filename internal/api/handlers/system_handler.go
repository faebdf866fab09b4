package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

// Runtime is the part of the application the system endpoints drive.
type Runtime interface {
	Ready(ctx context.Context) error
	LoadRegistry(ctx context.Context) error
	Warm(ctx context.Context) error
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
}

type SystemHandler struct {
	runtime  Runtime
	registry *registry.Handle
	runs     RunLister
}

func NewSystemHandler(runtime Runtime, reg *registry.Handle, runs RunLister) *SystemHandler {
	return &SystemHandler{runtime: runtime, registry: reg, runs: runs}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *SystemHandler) Ready(c *fiber.Ctx) error {
	if err := h.runtime.Ready(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"error":  err.Error(),
		})
	}
	drugs := 0
	if reg := h.registry.Load(); reg != nil {
		drugs = reg.Len()
	}
	return c.JSON(fiber.Map{
		"status": "ready",
		"drugs":  drugs,
	})
}

// ReloadCorpus picks up artifacts written by a build from another process.
func (h *SystemHandler) ReloadCorpus(c *fiber.Ctx) error {
	if err := h.runtime.LoadRegistry(c.Context()); err != nil {
		logger.Error("Failed to reload registry", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reload registry",
		})
	}
	if err := h.runtime.Warm(c.Context()); err != nil {
		logger.Error("Failed to warm vector store", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to warm vector store",
		})
	}

	drugs := 0
	if reg := h.registry.Load(); reg != nil {
		drugs = reg.Len()
	}
	logger.Info("Corpus reloaded", zap.Int("drugs", drugs))
	return c.JSON(fiber.Map{
		"message": "Corpus reloaded",
		"drugs":   drugs,
	})
}

// ListRuns returns the most recent corpus builds, newest first.
func (h *SystemHandler) ListRuns(c *fiber.Ctx) error {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 100",
			})
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}
