package session

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusRecording Status = "RECORDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Session is one bounded recording attempt. It is mutated only by the
// Coordinator and never changes again once its status is terminal.
type Session struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OwnerID     primitive.ObjectID `bson:"owner_id" json:"owner_id"`
	CaptureKey  string             `bson:"capture_key" json:"capture_key"`
	Status      Status             `bson:"status" json:"status"`
	StartedAt   time.Time          `bson:"started_at" json:"started_at"`
	EndedAt     *time.Time         `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	DurationSec int64              `bson:"duration_seconds" json:"duration_seconds"`
	ArtifactRef string             `bson:"artifact_ref,omitempty" json:"artifact_ref,omitempty"`
	ContentType string             `bson:"content_type,omitempty" json:"content_type,omitempty"`
	ChunkCount  int                `bson:"chunk_count" json:"chunk_count"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at"`
}

// AnnotationEvent is one discrete logged action, stamped with the
// millisecond offset from the owning session's start instant.
type AnnotationEvent struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID   primitive.ObjectID `bson:"session_id" json:"session_id"`
	EventTypeID string             `bson:"event_type_id" json:"event_type_id"`
	Label       string             `bson:"label" json:"label"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
	OffsetMS    int64              `bson:"offset_ms" json:"offset_ms"`
	Metadata    map[string]any     `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// SensorSample is one reading from one sensor source. Seq increases
// monotonically per source; interleaving across sources is unordered.
type SensorSample struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID  primitive.ObjectID `bson:"session_id" json:"session_id"`
	SensorType string             `bson:"sensor_type" json:"sensor_type"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
	OffsetMS   int64              `bson:"offset_ms" json:"offset_ms"`
	Seq        int64              `bson:"seq" json:"seq"`
	Payload    map[string]any     `bson:"payload" json:"payload"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}

// EventType is one entry of the configured annotation-button catalog.
type EventType struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type StartCaptureResponse struct {
	Session    *Session `json:"session"`
	CaptureKey string   `json:"capture_key"`
	IngestURL  string   `json:"ingest_url"`
	Degraded   []string `json:"degraded_sensors,omitempty"`
}

type LogEventRequest struct {
	EventTypeID string         `json:"event_type_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
