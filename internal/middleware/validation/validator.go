package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var scriptPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQueryLength int
	MaxFieldLength int
	MaxValueLength int
	Logger         *zap.Logger
}

// Middleware validates search and write-path request bodies before they reach
// handlers. Handlers still do their own required-field checks; this layer
// rejects oversized or hostile input early.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxFieldLength == 0 {
		cfg.MaxFieldLength = 200
	}
	if cfg.MaxValueLength == 0 {
		cfg.MaxValueLength = 5000
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "application/json") {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		switch {
		case strings.HasSuffix(path, "/search"):
			return validateSearch(c, cfg)
		case strings.HasSuffix(path, "/sources"):
			return validateSource(c, cfg)
		case strings.HasSuffix(path, "/facts"):
			return validateFact(c, cfg)
		}

		return c.Next()
	}
}

func validateSearch(c *fiber.Ctx, cfg Config) error {
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

	if len(query) > cfg.MaxQueryLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query exceeds maximum length",
		})
	}

	if scriptPattern.MatchString(query) {
		cfg.Logger.Warn("Rejected query with markup injection",
			zap.String("ip", c.IP()),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid query content",
		})
	}

	return c.Next()
}

func validateSource(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	ref, ok := req["ref"].(string)
	if !ok || ref == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ref is required and must be a string",
		})
	}

	if !isValidURL(ref) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ref must be an http or https URL",
		})
	}

	return c.Next()
}

func validateFact(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	field, _ := req["field"].(string)
	value, _ := req["value"].(string)

	if len(field) > cfg.MaxFieldLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "field exceeds maximum length",
		})
	}
	if len(value) > cfg.MaxValueLength {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "value exceeds maximum length",
		})
	}
	if scriptPattern.MatchString(value) {
		cfg.Logger.Warn("Rejected fact value with markup injection",
			zap.String("ip", c.IP()),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid value content",
		})
	}

	return c.Next()
}

func isValidURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
