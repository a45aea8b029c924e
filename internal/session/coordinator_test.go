package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[primitive.ObjectID]*Session
	events    []AnnotationEvent
	samples   []SensorSample
	artifacts map[string][]byte

	createErr error
	updateErr error
	appendErr error
	uploadErr error

	updates []SessionUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[primitive.ObjectID]*Session),
		artifacts: make(map[string][]byte),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, ownerID primitive.ObjectID, captureKey string, startedAt time.Time) (*Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	sess := &Session{
		ID:         primitive.NewObjectID(),
		OwnerID:    ownerID,
		CaptureKey: captureKey,
		Status:     StatusRecording,
		StartedAt:  startedAt,
		CreatedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
	f.mu.Lock()
	f.sessions[sess.ID] = sess
	f.mu.Unlock()
	return sess, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, id primitive.ObjectID, update SessionUpdate) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	f.updates = append(f.updates, update)
	if update.Status != nil {
		sess.Status = *update.Status
	}
	if update.EndedAt != nil {
		sess.EndedAt = update.EndedAt
	}
	if update.DurationSec != nil {
		sess.DurationSec = *update.DurationSec
	}
	if update.ArtifactRef != nil {
		sess.ArtifactRef = *update.ArtifactRef
	}
	if update.ContentType != nil {
		sess.ContentType = *update.ContentType
	}
	if update.ChunkCount != nil {
		sess.ChunkCount = *update.ChunkCount
	}
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, id primitive.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return mongo.ErrNoDocuments
	}
	delete(f.sessions, id)
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].SessionID == id {
			f.events = append(f.events[:i], f.events[i+1:]...)
		}
	}
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, ev AnnotationEvent) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) AppendSample(ctx context.Context, s SensorSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeStore) UploadArtifact(ctx context.Context, sessionID primitive.ObjectID, data []byte, contentType string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	ref := primitive.NewObjectID().Hex()
	f.mu.Lock()
	f.artifacts[ref] = data
	f.mu.Unlock()
	return ref, nil
}

func (f *fakeStore) DownloadArtifact(ctx context.Context, sess *Session) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.artifacts[sess.ArtifactRef]
	if !ok {
		return nil, errors.New("artifact not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) GetSession(ctx context.Context, id primitive.ObjectID) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	return sess, nil
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) ListEvents(ctx context.Context, sessionID primitive.ObjectID) ([]AnnotationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AnnotationEvent
	for _, ev := range f.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSamples(ctx context.Context, sessionID primitive.ObjectID) ([]SensorSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SensorSample
	for _, s := range f.samples {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

var testCatalog = []EventType{
	{ID: "incision", Label: "Incision"},
	{ID: "suture", Label: "Suture"},
}

func TestCoordinatorSessionLifecycle(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	src := &scriptedSource{finalChunk: []byte("flv-tail")}
	sensor := &scriptedSensor{name: "motion"}

	sess, degraded, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, []SensorSource{sensor})
	if err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	if len(degraded) != 0 {
		t.Errorf("Start() degraded = %v, want none", degraded)
	}
	if c.State() != StateRecording {
		t.Fatalf("state = %s, want RECORDING", c.State())
	}
	if !sess.StartedAt.Equal(base) {
		t.Errorf("session started_at = %v, want %v", sess.StartedAt, base)
	}

	src.emit([]byte("flv-head "))

	current = base.Add(1500 * time.Millisecond)
	ev1, err := c.LogEvent("incision", map[string]any{"depth": 3})
	if err != nil {
		t.Fatalf("LogEvent() unexpected error = %v", err)
	}
	if ev1.OffsetMS != 1500 {
		t.Errorf("first event offset = %d, want 1500", ev1.OffsetMS)
	}
	if ev1.Label != "Incision" {
		t.Errorf("first event label = %q, want Incision", ev1.Label)
	}

	current = base.Add(2 * time.Second)
	sensor.push(map[string]any{"x": 0.4})

	current = base.Add(4200 * time.Millisecond)
	ev2, err := c.LogEvent("suture", nil)
	if err != nil {
		t.Fatalf("LogEvent() unexpected error = %v", err)
	}
	if ev2.OffsetMS != 4200 {
		t.Errorf("second event offset = %d, want 4200", ev2.OffsetMS)
	}

	current = base.Add(6300 * time.Millisecond)
	done, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() unexpected error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("stopped session status = %s, want COMPLETED", done.Status)
	}
	if done.DurationSec != 6 {
		t.Errorf("duration = %d, want 6 (whole seconds)", done.DurationSec)
	}
	if done.ArtifactRef == "" {
		t.Error("stopped session has no artifact reference")
	}
	if done.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2", done.ChunkCount)
	}
	if c.State() != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", c.State())
	}

	c.Flush()
	if got := store.eventCount(); got != 2 {
		t.Errorf("persisted events = %d, want 2", got)
	}
	samples, _ := store.ListSamples(context.Background(), sess.ID)
	if len(samples) != 1 {
		t.Fatalf("persisted samples = %d, want 1", len(samples))
	}
	if samples[0].OffsetMS != 2000 || samples[0].Seq != 1 {
		t.Errorf("sample offset/seq = %d/%d, want 2000/1", samples[0].OffsetMS, samples[0].Seq)
	}

	artifact := store.artifacts[done.ArtifactRef]
	if string(artifact) != "flv-head flv-tail" {
		t.Errorf("artifact = %q, want the chunks concatenated in order", artifact)
	}
	if !sensor.cancelled {
		t.Error("sensor subscription was not cancelled on stop")
	}
}

func TestCoordinatorRejectsOutOfTurnOperations(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	if _, err := c.LogEvent("incision", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("LogEvent() while idle error = %v, want ErrInvalidTransition", err)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stop() while idle error = %v, want ErrInvalidTransition", err)
	}

	src := &scriptedSource{}
	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, nil); err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-2", &scriptedSource{}, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start() while recording error = %v, want ErrInvalidTransition", err)
	}
}

func TestCoordinatorStartRequiresSource(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	_, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", nil, nil)
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable", err)
	}
	if len(store.sessions) != 0 {
		t.Error("a session record was created despite the missing source")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", c.State())
	}
}

func TestCoordinatorCreateFailureReturnsToIdle(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("connection refused")
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	_, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", &scriptedSource{}, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Start() error = %v, want ErrPersistence", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want IDLE after create failure", c.State())
	}

	// Recovery: the next start succeeds once the store does.
	store.createErr = nil
	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-2", &scriptedSource{}, nil); err != nil {
		t.Errorf("Start() after recovery unexpected error = %v", err)
	}
}

func TestCoordinatorPipelineStartFailureFailsSession(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	src := &scriptedSource{startErr: errors.New("no publisher")}
	_, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, nil)
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", c.State())
	}

	sess := c.Current()
	if sess == nil {
		t.Fatal("Current() = nil, the failed session record should remain")
	}
	if sess.Status != StatusFailed {
		t.Errorf("session status = %s, want FAILED", sess.Status)
	}
	if sess.EndedAt == nil {
		t.Error("failed session has no end instant")
	}
}

func TestCoordinatorSensorFailuresDegradeOnly(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	working := &scriptedSensor{name: "motion"}
	broken := &scriptedSensor{name: "location", activateErr: errors.New("no provider")}

	_, degraded, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", &scriptedSource{}, []SensorSource{working, broken})
	if err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	if len(degraded) != 1 || degraded[0] != "location" {
		t.Errorf("degraded = %v, want [location]", degraded)
	}
	if got := c.Degraded(); len(got) != 1 || got[0] != "location" {
		t.Errorf("Degraded() = %v, want [location]", got)
	}
	if c.State() != StateRecording {
		t.Errorf("state = %s, a degraded sensor must not block recording", c.State())
	}
}

// trippingSensor activates successfully but runs a side effect first, used
// to kill the capture source while sensor activation is still in progress.
type trippingSensor struct {
	name      string
	trip      func()
	cancelled bool
}

func (s *trippingSensor) Name() string {
	return s.name
}

func (s *trippingSensor) Activate(ctx context.Context, deliver func(map[string]any)) (Subscription, error) {
	if s.trip != nil {
		s.trip()
	}
	return &trippingSubscription{sensor: s}, nil
}

type trippingSubscription struct {
	sensor *trippingSensor
}

func (s *trippingSubscription) Cancel() error {
	s.sensor.cancelled = true
	return nil
}

func TestCoordinatorStartAbortsWhenSourceDiesDuringActivation(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	src := &scriptedSource{}
	saboteur := &trippingSensor{
		name: "motion",
		trip: func() { src.fail(errors.New("publisher disconnected")) },
	}

	_, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, []SensorSource{saboteur})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED (the late transition must not revive a dead start)", c.State())
	}
	if !saboteur.cancelled {
		t.Error("sensor subscription was not cancelled after the aborted start")
	}

	sess := c.Current()
	if sess == nil {
		t.Fatal("Current() = nil, the failed session record should remain")
	}
	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %s, want FAILED", stored.Status)
	}
	if stored.EndedAt == nil {
		t.Error("failed session has no end instant")
	}

	// The terminal FAILED record must stay terminal: Stop cannot finalize it.
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Stop() error = %v, want ErrInvalidTransition", err)
	}
	stored, _ = store.GetSession(context.Background(), sess.ID)
	if stored.Status != StatusFailed {
		t.Errorf("stored status after Stop() = %s, FAILED must never become COMPLETED", stored.Status)
	}
}

func TestCoordinatorDropsWritesAfterClose(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)

	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", &scriptedSource{}, nil); err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}

	c.Close()

	// Logging against a closed coordinator stamps the event but must drop
	// the queued write instead of sending on the closed channel.
	ev, err := c.LogEvent("incision", nil)
	if err != nil {
		t.Fatalf("LogEvent() after Close unexpected error = %v", err)
	}
	if ev == nil {
		t.Fatal("LogEvent() after Close returned no event")
	}
	if got := store.eventCount(); got != 0 {
		t.Errorf("persisted events = %d, want 0 after Close", got)
	}

	// Close is idempotent.
	c.Close()
}

func TestCoordinatorMediaFailureMidSession(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	src := &scriptedSource{}
	sess, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, nil)
	if err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}

	current = base.Add(time.Second)
	if _, err := c.LogEvent("incision", nil); err != nil {
		t.Fatalf("LogEvent() unexpected error = %v", err)
	}

	current = base.Add(3 * time.Second)
	src.fail(errors.New("publisher disconnected"))

	if c.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED after the source died", c.State())
	}

	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %s, want FAILED", stored.Status)
	}
	if stored.EndedAt == nil {
		t.Error("failed session has no end instant")
	}

	// Events logged before the failure are never discarded.
	c.Flush()
	if got := store.eventCount(); got != 1 {
		t.Errorf("persisted events = %d, want 1", got)
	}
}

func TestCoordinatorUploadFailureFailsSession(t *testing.T) {
	store := newFakeStore()
	store.uploadErr = errors.New("gridfs unavailable")
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	src := &scriptedSource{}
	_, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", src, nil)
	if err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	if _, err := c.LogEvent("suture", nil); err != nil {
		t.Fatalf("LogEvent() unexpected error = %v", err)
	}

	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Stop() error = %v, want ErrPersistence", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", c.State())
	}

	c.Flush()
	if got := store.eventCount(); got != 1 {
		t.Errorf("persisted events = %d, events must survive an upload failure", got)
	}
}

func TestCoordinatorRejectsUnknownEventType(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", &scriptedSource{}, nil); err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}

	if _, err := c.LogEvent("coffee-break", nil); err == nil {
		t.Error("LogEvent() with an uncatalogued type must fail")
	}
	c.Flush()
	if got := store.eventCount(); got != 0 {
		t.Errorf("persisted events = %d, want 0", got)
	}
}

func TestCoordinatorRestartsAfterTerminalState(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, testCatalog)
	defer c.Close()

	if _, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-1", &scriptedSource{}, nil); err != nil {
		t.Fatalf("first Start() unexpected error = %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() unexpected error = %v", err)
	}

	next, _, err := c.Start(context.Background(), primitive.NewObjectID(), "key-2", &scriptedSource{}, nil)
	if err != nil {
		t.Fatalf("Start() from COMPLETED unexpected error = %v", err)
	}
	if next.CaptureKey != "key-2" {
		t.Errorf("new session capture key = %q, want key-2", next.CaptureKey)
	}
	if len(store.sessions) != 2 {
		t.Errorf("store holds %d sessions, want 2", len(store.sessions))
	}
}
