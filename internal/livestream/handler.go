package livestream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type LivestreamHandler struct {
	coordinator *Coordinator
	viewers     *ViewerSessions
	repo        SessionRepository
}

func NewLivestreamHandler(coordinator *Coordinator, viewers *ViewerSessions, repo SessionRepository) *LivestreamHandler {
	return &LivestreamHandler{coordinator: coordinator, viewers: viewers, repo: repo}
}

func (h *LivestreamHandler) StartStream(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}
	var req StartStreamRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	stream, err := h.coordinator.Start(c.Context(), userID.Hex(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotBroadcaster):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Only instructors can broadcast",
			})
		case errors.Is(err, ErrSessionBusy):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "A session transition is already in progress",
			})
		case errors.Is(err, ErrStartCancelled):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Start was cancelled",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start stream",
		})
	}

	return c.Status(fiber.StatusOK).JSON(stream)
}

func (h *LivestreamHandler) StopStream(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	if err := h.coordinator.Stop(c.Context(), userID.Hex()); err != nil {
		if errors.Is(err, ErrNotSessionOwner) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Only the broadcaster can stop this stream",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to stop stream",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetActiveStream reports the single most recent active session, if any.
func (h *LivestreamHandler) GetActiveStream(c *fiber.Ctx) error {
	stream, err := h.coordinator.PollActiveSession(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query active stream",
		})
	}
	if stream == nil {
		return c.JSON(fiber.Map{"active": false})
	}
	return c.JSON(fiber.Map{"active": true, "stream": stream})
}

// JoinStream runs the viewer-side join flow and reports whether media is
// flowing or the viewer is still waiting for a broadcaster.
func (h *LivestreamHandler) JoinStream(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	state, err := h.viewers.Join(c.Context(), c.Params("token"), userID.Hex())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to join stream",
		})
	}
	return c.JSON(fiber.Map{"state": state})
}

func (h *LivestreamHandler) GetSessionState(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"state": h.coordinator.State()})
}

func (h *LivestreamHandler) ListRecordings(c *fiber.Ctx) error {
	recordings, err := h.repo.ListRecordings(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list recordings",
		})
	}
	return c.JSON(recordings)
}
