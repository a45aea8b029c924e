package session

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// newAnnotationEvent stamps a logged action against the session clock.
// Pure construction: it never blocks and never fails; persistence is the
// caller's concern.
func newAnnotationEvent(sessionID primitive.ObjectID, et EventType, metadata map[string]any, clock *sessionClock, at time.Time) AnnotationEvent {
	return AnnotationEvent{
		ID:          primitive.NewObjectID(),
		SessionID:   sessionID,
		EventTypeID: et.ID,
		Label:       et.Label,
		Timestamp:   at,
		OffsetMS:    clock.OffsetMillis(at),
		Metadata:    metadata,
		CreatedAt:   at,
	}
}
