package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/internal/storage/sqlite"
	"github.com/talentgraph/backend/pkg/logger"
)

type FeedbackHandler struct {
	store *sqlite.Client
}

func NewFeedbackHandler(store *sqlite.Client) *FeedbackHandler {
	return &FeedbackHandler{store: store}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		QueryID string `json:"query_id"`
		Helpful *bool  `json:"helpful"`
		Comment string `json:"comment"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.QueryID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id and helpful are required",
		})
	}

	fb := &models.Feedback{
		QueryID: req.QueryID,
		Helpful: *req.Helpful,
		Comment: req.Comment,
	}

	if err := h.store.StoreFeedback(fb); err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}

	helpful := "false"
	score := 0.0
	if *req.Helpful {
		helpful = "true"
		score = 1.0
	}
	metrics.UserSatisfaction.WithLabelValues(helpful).Set(score)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "recorded",
	})
}
