package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// IngestGateway hands out capture sources keyed by capture key. The RTMP
// ingest implements it in production.
type IngestGateway interface {
	OpenSource(captureKey string) CaptureSource
	Release(captureKey string)
}

type CaptureHandler struct {
	coordinator *Coordinator
	store       Store
	ingest      IngestGateway
	sensors     func() []SensorSource
	ingestAddr  string
}

func NewCaptureHandler(coordinator *Coordinator, store Store, ingest IngestGateway, sensors func() []SensorSource, ingestAddr string) *CaptureHandler {
	return &CaptureHandler{
		coordinator: coordinator,
		store:       store,
		ingest:      ingest,
		sensors:     sensors,
		ingestAddr:  ingestAddr,
	}
}

func (h *CaptureHandler) StartCapture(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	captureKey := uuid.NewString()
	source := h.ingest.OpenSource(captureKey)

	sess, degraded, err := h.coordinator.Start(c.Context(), userID, captureKey, source, h.sensors())
	if err != nil {
		h.ingest.Release(captureKey)
		switch {
		case errors.Is(err, ErrInvalidTransition):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "A capture session is already active",
			})
		case errors.Is(err, ErrCaptureUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Capture source unavailable",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to start capture",
			})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(StartCaptureResponse{
		Session:    sess,
		CaptureKey: captureKey,
		IngestURL:  fmt.Sprintf("%s/%s", h.ingestAddr, captureKey),
		Degraded:   degraded,
	})
}

func (h *CaptureHandler) StopCapture(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	current := h.coordinator.Current()
	if current == nil || current.ID != sessionID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No such active session",
		})
	}

	sess, err := h.coordinator.Stop(c.Context())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session is not recording",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to stop capture",
		})
	}

	return c.JSON(sess)
}

func (h *CaptureHandler) LogEvent(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	current := h.coordinator.Current()
	if current == nil || current.ID != sessionID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No such active session",
		})
	}

	var req LogEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ev, err := h.coordinator.LogEvent(req.EventTypeID, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session is not recording",
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown event type",
		})
	}

	// Persistence is queued; the stamped event is already authoritative.
	return c.Status(fiber.StatusAccepted).JSON(ev)
}

func (h *CaptureHandler) CaptureStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state":            h.coordinator.State(),
		"session":          h.coordinator.Current(),
		"degraded_sensors": h.coordinator.Degraded(),
	})
}

func (h *CaptureHandler) EventTypes(c *fiber.Ctx) error {
	return c.JSON(h.coordinator.EventTypes())
}

func (h *CaptureHandler) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.store.ListSessions(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}
	return c.JSON(sessions)
}

func (h *CaptureHandler) GetSession(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	sess, err := h.store.GetSession(c.Context(), sessionID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}
	return c.JSON(sess)
}

func (h *CaptureHandler) ListSessionEvents(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	events, err := h.store.ListEvents(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list session events",
		})
	}
	return c.JSON(events)
}

func (h *CaptureHandler) ListSessionSamples(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	samples, err := h.store.ListSamples(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list session samples",
		})
	}
	return c.JSON(samples)
}

// ExportSessionEvents serves the session's events as a CSV download.
func (h *CaptureHandler) ExportSessionEvents(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	events, err := h.store.ListEvents(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list session events",
		})
	}

	var buf bytes.Buffer
	if err := WriteEventsCSV(&buf, events); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export session events",
		})
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="events-%s.csv"`, sessionID.Hex()))
	return c.Send(buf.Bytes())
}

// DownloadArtifact streams the finished media artifact from the blob store.
func (h *CaptureHandler) DownloadArtifact(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	sess, err := h.store.GetSession(c.Context(), sessionID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}
	if sess.ArtifactRef == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session has no artifact",
		})
	}

	stream, err := h.store.DownloadArtifact(c.Context(), sess)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to open artifact",
		})
	}

	c.Set(fiber.HeaderContentType, sess.ContentType)
	return c.SendStream(stream)
}

// DeleteSession removes a finished session and everything captured with it.
// The active session cannot be deleted out from under the coordinator.
func (h *CaptureHandler) DeleteSession(c *fiber.Ctx) error {
	sessionID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	if current := h.coordinator.Current(); current != nil && current.ID == sessionID && !h.coordinator.State().terminal() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Session is still active",
		})
	}

	if err := h.store.DeleteSession(c.Context(), sessionID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete session",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
