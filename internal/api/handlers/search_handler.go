package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/query"
	"github.com/talentgraph/backend/internal/storage/sqlite"
	"github.com/talentgraph/backend/pkg/logger"
)

type SearchHandler struct {
	engine  *query.Engine
	store   *sqlite.Client
	timeout time.Duration
}

func NewSearchHandler(engine *query.Engine, store *sqlite.Client, timeout time.Duration) *SearchHandler {
	return &SearchHandler{
		engine:  engine,
		store:   store,
		timeout: timeout,
	}
}

func (h *SearchHandler) HandleSearch(c *fiber.Ctx) error {
	var req struct {
		Query    string `json:"query"`
		CallerID string `json:"caller_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()

	result, err := h.engine.Search(ctx, req.Query, req.CallerID)
	if err != nil {
		logger.Error("Search failed", zap.Error(err))
		switch {
		case errors.Is(err, query.ErrQueryTimeout):
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
				"error": "Query timed out",
			})
		case errors.Is(err, query.ErrRetrievalUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Retrieval backend unavailable",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process query",
			})
		}
	}

	results := make([]fiber.Map, 0, len(result.Matches))
	for _, m := range result.Matches {
		fragment := ""
		citations := make([]fiber.Map, 0, len(m.SupportingChunks))
		for i, chunk := range m.SupportingChunks {
			if i == 0 {
				fragment = chunk.Text
			}
			citations = append(citations, fiber.Map{
				"chunk_id":         chunk.ChunkID,
				"snapshot_version": m.CitedSnapshotVersion,
				"score":            chunk.Score,
			})
		}
		results = append(results, fiber.Map{
			"owner_id":        m.OwnerID,
			"score":           m.Score,
			"answer_fragment": fragment,
			"citations":       citations,
		})
	}

	return c.JSON(fiber.Map{
		"query_id":      result.QueryID,
		"answer":        result.Answer,
		"unsynthesized": result.Unsynthesized,
		"results":       results,
	})
}

func (h *SearchHandler) GetQueryHistory(c *fiber.Ctx) error {
	callerID := c.Query("caller_id")
	if callerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "caller_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	records, err := h.store.GetQueryHistory(callerID, limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}

	return c.JSON(fiber.Map{
		"caller_id": callerID,
		"history":   records,
	})
}
