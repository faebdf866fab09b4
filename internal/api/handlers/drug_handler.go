package handlers

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/artifact"
	"github.com/vet-kb/backend/internal/quality"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

// DrugHandler serves the registry and its quality report.
type DrugHandler struct {
	registry  *registry.Handle
	artifacts artifact.Store
}

func NewDrugHandler(reg *registry.Handle, artifacts artifact.Store) *DrugHandler {
	return &DrugHandler{registry: reg, artifacts: artifacts}
}

func (h *DrugHandler) ListDrugs(c *fiber.Ctx) error {
	reg := h.registry.Load()
	if reg == nil {
		return registryMissing(c)
	}

	category := models.Category(c.Query("category"))
	if category != "" && !category.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown category",
		})
	}
	var confirmed *bool
	if raw := c.Query("confirmed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "confirmed must be true or false",
			})
		}
		confirmed = &v
	}
	prefix := strings.ToLower(strings.TrimSpace(c.Query("prefix")))

	drugs := []models.ValidatedDrug{}
	for _, d := range reg.Drugs() {
		if category != "" && d.Category != category {
			continue
		}
		if confirmed != nil && d.Confirmed != *confirmed {
			continue
		}
		if prefix != "" && !strings.HasPrefix(d.CanonicalName, prefix) {
			continue
		}
		drugs = append(drugs, d)
	}

	return c.JSON(fiber.Map{
		"drugs": drugs,
		"count": len(drugs),
		"total": reg.Len(),
	})
}

func (h *DrugHandler) GetDrug(c *fiber.Ctx) error {
	reg := h.registry.Load()
	if reg == nil {
		return registryMissing(c)
	}
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil {
		name = c.Params("name")
	}

	drug, ok := reg.Lookup(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Drug not found",
			"name":  name,
		})
	}
	return c.JSON(drug)
}

func (h *DrugHandler) GetQuality(c *fiber.Ctx) error {
	payload, err := artifact.LoadReport(c.Context(), h.artifacts)
	if errors.Is(err, artifact.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No quality report yet",
		})
	}
	if err != nil {
		logger.Error("Failed to load quality report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load quality report",
		})
	}

	assessments := payload.Assessments
	if c.QueryBool("flagged") {
		flagged := make([]quality.ChunkAssessment, 0, payload.Report.FlaggedChunks)
		for _, a := range assessments {
			if a.Flagged() {
				flagged = append(flagged, a)
			}
		}
		assessments = flagged
	}

	return c.JSON(fiber.Map{
		"report":      payload.Report,
		"assessments": assessments,
	})
}

func registryMissing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "Drug registry not loaded",
	})
}
