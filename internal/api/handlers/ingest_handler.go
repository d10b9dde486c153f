package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/pipeline"
	"github.com/talentgraph/backend/internal/storage/sqlite"
	"github.com/talentgraph/backend/pkg/logger"
)

var validSourceTypes = map[string]bool{
	"resume":       true,
	"repo-history": true,
	"endorsement":  true,
	"article":      true,
}

type IngestHandler struct {
	pipeline *pipeline.Pipeline
	store    *sqlite.Client
}

func NewIngestHandler(p *pipeline.Pipeline, store *sqlite.Client) *IngestHandler {
	return &IngestHandler{
		pipeline: p,
		store:    store,
	}
}

// AddSource registers a source and starts its first ingest. Returns 202: the
// profile rebuild completes asynchronously.
func (h *IngestHandler) AddSource(c *fiber.Ctx) error {
	var req struct {
		OwnerID string `json:"owner_id"`
		Type    string `json:"type"`
		Ref     string `json:"ref"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.OwnerID == "" || req.Ref == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id and ref are required",
		})
	}
	if !validSourceTypes[req.Type] {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown source type",
		})
	}

	src, err := h.pipeline.AddSource(c.Context(), req.OwnerID, req.Type, req.Ref)
	if err != nil {
		logger.Error("Failed to add source", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add source",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"source_id": src.ID,
		"owner_id":  src.OwnerID,
		"type":      src.Type,
		"status":    src.Status,
	})
}

func (h *IngestHandler) ListSources(c *fiber.Ctx) error {
	ownerID := c.Params("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	sources, err := h.store.ListSourcesByOwner(ownerID)
	if err != nil {
		logger.Error("Failed to list sources", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sources",
		})
	}

	out := make([]fiber.Map, 0, len(sources))
	for _, src := range sources {
		out = append(out, fiber.Map{
			"source_id":  src.ID,
			"type":       src.Type,
			"ref":        src.Ref,
			"status":     src.Status,
			"last_error": src.LastError,
		})
	}

	return c.JSON(fiber.Map{
		"owner_id": ownerID,
		"sources":  out,
	})
}

// EditFact records a user-declared correction and returns the snapshot it
// produced. Unlike AddSource this is synchronous: the caller needs to see the
// corrected value.
func (h *IngestHandler) EditFact(c *fiber.Ctx) error {
	var req struct {
		OwnerID string `json:"owner_id"`
		Field   string `json:"field"`
		Value   string `json:"value"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.OwnerID == "" || req.Field == "" || req.Value == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id, field and value are required",
		})
	}

	snap, err := h.pipeline.EditFact(c.Context(), req.OwnerID, req.Field, req.Value)
	if err != nil {
		logger.Error("Failed to edit fact", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to apply fact edit",
		})
	}

	return c.JSON(fiber.Map{
		"owner_id": snap.OwnerID,
		"version":  snap.Version,
		"field":    req.Field,
		"value":    req.Value,
	})
}

// RefreshOwner re-fetches every declared source and rebuilds the profile.
func (h *IngestHandler) RefreshOwner(c *fiber.Ctx) error {
	ownerID := c.Params("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	snap, err := h.pipeline.RefreshOwner(c.Context(), ownerID)
	if err != nil {
		logger.Error("Failed to refresh owner", zap.String("owner_id", ownerID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to refresh sources",
		})
	}

	if snap == nil {
		return c.JSON(fiber.Map{
			"owner_id": ownerID,
			"changed":  false,
		})
	}

	return c.JSON(fiber.Map{
		"owner_id": ownerID,
		"changed":  true,
		"version":  snap.Version,
	})
}
