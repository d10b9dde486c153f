package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/storage/sqlite"
	"github.com/talentgraph/backend/pkg/logger"
)

type ProfileHandler struct {
	store *sqlite.Client
}

func NewProfileHandler(store *sqlite.Client) *ProfileHandler {
	return &ProfileHandler{store: store}
}

// GetProfile serves the owner's current snapshot, or a specific historical
// version when ?version= is given. Snapshots are append-only, so any version
// ever committed stays retrievable.
func (h *ProfileHandler) GetProfile(c *fiber.Ctx) error {
	ownerID := c.Params("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	versionParam := c.Query("version")
	if versionParam != "" {
		version, err := strconv.ParseInt(versionParam, 10, 64)
		if err != nil || version < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid version",
			})
		}

		snap, err := h.store.GetSnapshot(ownerID, version)
		if err != nil {
			logger.Error("Failed to load snapshot", zap.String("owner_id", ownerID), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load profile",
			})
		}
		if snap == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Profile version not found",
			})
		}
		return c.JSON(snap)
	}

	snap, err := h.store.GetCurrentSnapshot(ownerID)
	if err != nil {
		logger.Error("Failed to load profile", zap.String("owner_id", ownerID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load profile",
		})
	}
	if snap == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Profile not found",
		})
	}

	return c.JSON(snap)
}
