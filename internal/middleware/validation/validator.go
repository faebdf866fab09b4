package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/storage/models"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

const maxSpeciesLength = 64

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	QueryPath           string
	Logger              *zap.Logger
}

// Middleware rejects malformed query submissions before they reach the
// engine. Dosage questions legitimately contain words like "select" or
// "drop", so only markup is screened; storage uses bound parameters.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/api/v1/query"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if strings.TrimRight(c.Path(), "/") != cfg.QueryPath {
			return c.Next()
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		query, ok := req["query"].(string)
		if !ok || strings.TrimSpace(query) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required and must be a string",
			})
		}

		if utf8.RuneCountInString(query) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query exceeds maximum length",
			})
		}

		if containsXSS(query) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("query", query),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid query content",
			})
		}

		if raw, present := req["focus_area"]; present && raw != nil {
			focus, ok := raw.(string)
			if !ok || (focus != "" && !models.FocusArea(focus).Valid()) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Unknown focus_area",
				})
			}
		}

		if raw, present := req["species"]; present && raw != nil {
			species, ok := raw.(string)
			if !ok || len(species) > maxSpeciesLength || containsXSS(species) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid species",
				})
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}
