package session

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionUpdate carries the fields the coordinator may change on a session
// record. Nil fields are left untouched.
type SessionUpdate struct {
	Status      *Status
	EndedAt     *time.Time
	DurationSec *int64
	ArtifactRef *string
	ContentType *string
	ChunkCount  *int
}

// Store is the persistence gateway: a record store for sessions, events and
// samples plus a blob store for finished artifacts.
type Store interface {
	CreateSession(ctx context.Context, ownerID primitive.ObjectID, captureKey string, startedAt time.Time) (*Session, error)
	UpdateSession(ctx context.Context, id primitive.ObjectID, update SessionUpdate) error
	DeleteSession(ctx context.Context, id primitive.ObjectID) error
	AppendEvent(ctx context.Context, ev AnnotationEvent) error
	AppendSample(ctx context.Context, s SensorSample) error
	UploadArtifact(ctx context.Context, sessionID primitive.ObjectID, data []byte, contentType string) (string, error)
	DownloadArtifact(ctx context.Context, sess *Session) (io.ReadCloser, error)
	GetSession(ctx context.Context, id primitive.ObjectID) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	ListEvents(ctx context.Context, sessionID primitive.ObjectID) ([]AnnotationEvent, error)
	ListSamples(ctx context.Context, sessionID primitive.ObjectID) ([]SensorSample, error)
}

type MongoStore struct {
	sessions *mongo.Collection
	events   *mongo.Collection
	samples  *mongo.Collection
	fs       *gridfs.Bucket
}

func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	fs, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GridFS bucket")
	}

	return &MongoStore{
		sessions: db.Collection("sessions"),
		events:   db.Collection("events"),
		samples:  db.Collection("samples"),
		fs:       fs,
	}, nil
}

// EnsureIndexes creates the indexes the listing queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "capture_key", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "offset_ms", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.samples.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "offset_ms", Value: 1}},
	})
	return err
}

func (s *MongoStore) CreateSession(ctx context.Context, ownerID primitive.ObjectID, captureKey string, startedAt time.Time) (*Session, error) {
	sess := &Session{
		ID:         primitive.NewObjectID(),
		OwnerID:    ownerID,
		CaptureKey: captureKey,
		Status:     StatusRecording,
		StartedAt:  startedAt,
		CreatedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *MongoStore) UpdateSession(ctx context.Context, id primitive.ObjectID, update SessionUpdate) error {
	set := bson.M{"updated_at": time.Now()}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.EndedAt != nil {
		set["ended_at"] = *update.EndedAt
	}
	if update.DurationSec != nil {
		set["duration_seconds"] = *update.DurationSec
	}
	if update.ArtifactRef != nil {
		set["artifact_ref"] = *update.ArtifactRef
	}
	if update.ContentType != nil {
		set["content_type"] = *update.ContentType
	}
	if update.ChunkCount != nil {
		set["chunk_count"] = *update.ChunkCount
	}

	result, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return errors.Errorf("session %s not found", id.Hex())
	}
	return nil
}

// DeleteSession removes the session and cascades to its events, samples,
// and artifact blob.
func (s *MongoStore) DeleteSession(ctx context.Context, id primitive.ObjectID) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.events.DeleteMany(ctx, bson.M{"session_id": id}); err != nil {
		return errors.Wrap(err, "failed to delete session events")
	}
	if _, err := s.samples.DeleteMany(ctx, bson.M{"session_id": id}); err != nil {
		return errors.Wrap(err, "failed to delete session samples")
	}
	if sess.ArtifactRef != "" {
		fileID, err := primitive.ObjectIDFromHex(sess.ArtifactRef)
		if err == nil {
			if err := s.fs.Delete(fileID); err != nil && err != gridfs.ErrFileNotFound {
				return errors.Wrap(err, "failed to delete session artifact")
			}
		}
	}
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errors.Wrap(err, "failed to delete session record")
	}
	return nil
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev AnnotationEvent) error {
	_, err := s.events.InsertOne(ctx, ev)
	return err
}

func (s *MongoStore) AppendSample(ctx context.Context, sample SensorSample) error {
	_, err := s.samples.InsertOne(ctx, sample)
	return err
}

// UploadArtifact stores the assembled media in GridFS and returns the blob
// reference (file id hex).
func (s *MongoStore) UploadArtifact(ctx context.Context, sessionID primitive.ObjectID, data []byte, contentType string) (string, error) {
	fileID := primitive.NewObjectID()
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"session_id":   sessionID,
		"content_type": contentType,
	})
	uploadStream, err := s.fs.OpenUploadStreamWithID(fileID, sessionID.Hex()+".flv", opts)
	if err != nil {
		return "", errors.Wrap(err, "failed to open upload stream")
	}

	if _, err := uploadStream.Write(data); err != nil {
		uploadStream.Close()
		return "", errors.Wrap(err, "failed to write artifact to GridFS")
	}
	if err := uploadStream.Close(); err != nil {
		return "", errors.Wrap(err, "failed to close artifact upload stream")
	}
	return fileID.Hex(), nil
}

func (s *MongoStore) DownloadArtifact(ctx context.Context, sess *Session) (io.ReadCloser, error) {
	if sess.ArtifactRef == "" {
		return nil, errors.Errorf("session %s has no artifact", sess.ID.Hex())
	}
	fileID, err := primitive.ObjectIDFromHex(sess.ArtifactRef)
	if err != nil {
		return nil, errors.Wrap(err, "invalid artifact reference")
	}
	stream, err := s.fs.OpenDownloadStream(fileID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact download stream")
	}
	return stream, nil
}

func (s *MongoStore) GetSession(ctx context.Context, id primitive.ObjectID) (*Session, error) {
	var sess Session
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) ListSessions(ctx context.Context) ([]Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	cursor, err := s.sessions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListEvents returns a session's events ordered by offset ascending.
// Persistence order may differ from logging order, so consumers must rely
// on this sort, not arrival order.
func (s *MongoStore) ListEvents(ctx context.Context, sessionID primitive.ObjectID) ([]AnnotationEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "offset_ms", Value: 1}})
	cursor, err := s.events.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []AnnotationEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *MongoStore) ListSamples(ctx context.Context, sessionID primitive.ObjectID) ([]SensorSample, error) {
	opts := options.Find().SetSort(bson.D{{Key: "offset_ms", Value: 1}})
	cursor, err := s.samples.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var samples []SensorSample
	if err := cursor.All(ctx, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}
