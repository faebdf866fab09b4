package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vet-kb/backend/internal/dosing"
	"github.com/vet-kb/backend/internal/metrics"
)

// DosingHandler serves the dose, infusion and interaction calculators.
type DosingHandler struct {
	calc *dosing.Calculator
}

func NewDosingHandler(calc *dosing.Calculator) *DosingHandler {
	return &DosingHandler{calc: calc}
}

func (h *DosingHandler) CalculateDose(c *fiber.Ctx) error {
	var req dosing.DoseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	res, err := h.calc.Dose(req)
	if err != nil {
		return calculationFailed(c, "dose", err)
	}
	metrics.CalculationsTotal.WithLabelValues("dose", "ok").Inc()
	return c.JSON(res)
}

func (h *DosingHandler) CalculateCRI(c *fiber.Ctx) error {
	var req dosing.CRIRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	res, err := h.calc.CRI(req)
	if err != nil {
		return calculationFailed(c, "cri", err)
	}
	metrics.CalculationsTotal.WithLabelValues("cri", "ok").Inc()
	return c.JSON(res)
}

func (h *DosingHandler) CheckInteractions(c *fiber.Ctx) error {
	var req struct {
		Drugs []string `json:"drugs"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Drugs) < 2 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least two drugs are required",
		})
	}
	interactions := h.calc.Interactions(req.Drugs)
	if interactions == nil {
		interactions = []dosing.Interaction{}
	}
	metrics.CalculationsTotal.WithLabelValues("interactions", "ok").Inc()
	return c.JSON(fiber.Map{
		"drugs":        req.Drugs,
		"interactions": interactions,
	})
}

func calculationFailed(c *fiber.Ctx, kind string, err error) error {
	metrics.CalculationsTotal.WithLabelValues(kind, "rejected").Inc()
	if errors.Is(err, dosing.ErrInvalidInput) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Calculation failed",
	})
}
