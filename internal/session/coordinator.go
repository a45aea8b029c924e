package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateStarting  State = "STARTING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// terminal states describe the finished session; a new session may be
// started from them.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Notifier surfaces state transitions and non-fatal failures to the
// operator so they are observable without reading server logs.
type Notifier interface {
	Report(event string, err error)
}

type logNotifier struct{}

func (logNotifier) Report(event string, err error) {
	if err != nil {
		log.Printf("Coordinator: %s: %v", event, err)
		return
	}
	log.Printf("Coordinator: %s", event)
}

const (
	writeAttempts   = 3
	writeQueueDepth = 256
)

type queuedWrite struct {
	desc string
	op   func(ctx context.Context) error
}

// Coordinator owns the lifecycle of one capture session at a time: it
// creates the session record, anchors the media pipeline and sensor
// multiplexer to the same start instant, and finalizes or fails the
// session. Only one session may be active per Coordinator.
type Coordinator struct {
	mu          sync.Mutex
	state       State
	store       Store
	notifier    Notifier
	catalog     map[string]EventType
	maxBuffered int64
	monitor     *Monitor
	now         func() time.Time

	sess     *Session
	clock    *sessionClock
	pipeline *MediaPipeline
	mux      *SensorMux

	writes    chan queuedWrite
	wg        sync.WaitGroup
	closed    bool
	closeOnce sync.Once
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithMonitor(m *Monitor) Option {
	return func(c *Coordinator) { c.monitor = m }
}

// WithMaxBufferedBytes caps the in-memory chunk buffer; zero means no cap.
func WithMaxBufferedBytes(n int64) Option {
	return func(c *Coordinator) { c.maxBuffered = n }
}

func NewCoordinator(store Store, catalog []EventType, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:    StateIdle,
		store:    store,
		notifier: logNotifier{},
		catalog:  make(map[string]EventType, len(catalog)),
		now:      time.Now,
		writes:   make(chan queuedWrite, writeQueueDepth),
	}
	for _, et := range catalog {
		c.catalog[et.ID] = et
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.drainWrites()
	return c
}

// Start creates the session record, then starts the media pipeline and
// sensor multiplexer anchored to the record's start instant. If record
// creation fails nothing is started; if the media pipeline fails to start
// after the record exists, the session is marked failed. Sensor activation
// failures degrade those sources only; their names are returned.
func (c *Coordinator) Start(ctx context.Context, ownerID primitive.ObjectID, captureKey string, source CaptureSource, sensors []SensorSource) (*Session, []string, error) {
	if source == nil {
		return nil, nil, errors.Wrap(ErrCaptureUnavailable, "no media source supplied")
	}

	c.mu.Lock()
	if c.state != StateIdle && !c.state.terminal() {
		st := c.state
		c.mu.Unlock()
		err := errors.Wrapf(ErrInvalidTransition, "cannot start a session from %s", st)
		c.notifier.Report("start rejected", err)
		return nil, nil, err
	}
	c.state = StateStarting
	c.mu.Unlock()

	sess, err := c.store.CreateSession(ctx, ownerID, captureKey, c.now())
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		werr := errors.Wrap(ErrPersistence, err.Error())
		c.notifier.Report("session create failed", werr)
		return nil, nil, werr
	}

	clock := newSessionClock(sess.StartedAt)
	pipeline := newMediaPipeline(source, c.maxBuffered, c.mediaFailed)
	if c.monitor != nil {
		sessionID := sess.ID.Hex()
		c.monitor.Attach(sessionID)
		pipeline.setTee(func(data []byte, at time.Time) {
			c.monitor.WriteChunk(sessionID, data)
		})
	}

	c.mu.Lock()
	c.sess = sess
	c.clock = clock
	c.pipeline = pipeline
	c.mux = nil
	c.mu.Unlock()

	if err := pipeline.Start(ctx); err != nil {
		c.failSession(ctx, err)
		return nil, nil, err
	}

	mux := newSensorMux(clock, c.sampleSink, c.now)
	degraded := mux.Activate(ctx, sensors)

	// The source may have died while sensors were activating; only a session
	// still STARTING may move to RECORDING. A terminal state stays terminal.
	c.mu.Lock()
	if c.state != StateStarting {
		c.mu.Unlock()
		mux.Deactivate()
		err := errors.Wrap(ErrCaptureUnavailable, "capture source failed during startup")
		c.notifier.Report("start aborted", err)
		return nil, nil, err
	}
	c.mux = mux
	c.state = StateRecording
	c.mu.Unlock()

	if len(degraded) > 0 {
		c.notifier.Report("sensors degraded: "+strings.Join(degraded, ","), nil)
	}
	c.notifier.Report("recording", nil)
	return sess, degraded, nil
}

// LogEvent stamps an annotation against the session clock and queues it for
// persistence without blocking on the round trip. Valid only while
// recording; out-of-turn calls are reported, not fatal.
func (c *Coordinator) LogEvent(typeID string, metadata map[string]any) (*AnnotationEvent, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		st := c.state
		c.mu.Unlock()
		err := errors.Wrapf(ErrInvalidTransition, "cannot log an event while %s", st)
		c.notifier.Report("event rejected", err)
		return nil, err
	}
	et, ok := c.catalog[typeID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.Errorf("unknown event type %q", typeID)
	}
	// Stamp under the lock so offsets are non-decreasing in logging order.
	ev := newAnnotationEvent(c.sess.ID, et, metadata, c.clock, c.now())
	c.mu.Unlock()

	c.enqueue("append event", func(ctx context.Context) error {
		return c.store.AppendEvent(ctx, ev)
	})
	return &ev, nil
}

// Stop finalizes the media artifact, uploads it, persists the completed
// session, and releases the sensor sources. Any failure along the way marks
// the session failed; already-persisted events and samples are never
// discarded.
func (c *Coordinator) Stop(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		st := c.state
		c.mu.Unlock()
		err := errors.Wrapf(ErrInvalidTransition, "cannot stop a session from %s", st)
		c.notifier.Report("stop rejected", err)
		return nil, err
	}
	c.state = StateStopping
	sess := c.sess
	pipeline := c.pipeline
	mux := c.mux
	clock := c.clock
	c.mu.Unlock()

	data, contentType, chunkCount, ferr := pipeline.Finalize()
	now := c.now()
	duration := int64(now.Sub(clock.T0()) / time.Second)

	if ferr != nil {
		c.failSession(ctx, ferr)
		return nil, ferr
	}

	ref, err := c.store.UploadArtifact(ctx, sess.ID, data, contentType)
	if err != nil {
		werr := errors.Wrap(ErrPersistence, err.Error())
		c.failSession(ctx, werr)
		return nil, werr
	}

	st := StatusCompleted
	update := SessionUpdate{
		Status:      &st,
		EndedAt:     &now,
		DurationSec: &duration,
		ArtifactRef: &ref,
		ContentType: &contentType,
		ChunkCount:  &chunkCount,
	}
	if err := c.store.UpdateSession(ctx, sess.ID, update); err != nil {
		werr := errors.Wrap(ErrPersistence, err.Error())
		c.failSession(ctx, werr)
		return nil, werr
	}

	mux.Deactivate()
	if c.monitor != nil {
		c.monitor.Detach(sess.ID.Hex())
	}

	c.mu.Lock()
	sess.Status = StatusCompleted
	sess.EndedAt = &now
	sess.DurationSec = duration
	sess.ArtifactRef = ref
	sess.ContentType = contentType
	sess.ChunkCount = chunkCount
	c.state = StateCompleted
	c.mu.Unlock()

	c.notifier.Report("completed", nil)
	return sess, nil
}

// mediaFailed handles the capture source dying mid-session. The session is
// failed once; captured events and samples stay persisted.
func (c *Coordinator) mediaFailed(cause error) {
	c.mu.Lock()
	if c.state != StateRecording && c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.notifier.Report("capture failed", cause)
	c.failSession(context.Background(), cause)
}

// failSession moves to FAILED and persists the terminal status with an end
// instant. It never deletes anything already captured.
func (c *Coordinator) failSession(ctx context.Context, cause error) {
	c.mu.Lock()
	sess := c.sess
	mux := c.mux
	clock := c.clock
	c.state = StateFailed
	c.mu.Unlock()

	if mux != nil {
		mux.Deactivate()
	}
	if sess == nil {
		return
	}

	now := c.now()
	duration := int64(0)
	if clock != nil {
		duration = int64(now.Sub(clock.T0()) / time.Second)
	}
	st := StatusFailed
	update := SessionUpdate{Status: &st, EndedAt: &now, DurationSec: &duration}
	if err := c.store.UpdateSession(ctx, sess.ID, update); err != nil {
		c.notifier.Report("persisting failed status", errors.Wrap(ErrPersistence, err.Error()))
	}

	c.mu.Lock()
	sess.Status = StatusFailed
	sess.EndedAt = &now
	sess.DurationSec = duration
	c.mu.Unlock()

	if c.monitor != nil {
		c.monitor.Detach(sess.ID.Hex())
	}
	c.notifier.Report("failed", cause)
}

// sampleSink receives normalized readings from the multiplexer and queues
// them for persistence, fire-and-forget.
func (c *Coordinator) sampleSink(r SensorReading) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	sessionID := c.sess.ID
	c.mu.Unlock()

	sample := SensorSample{
		ID:         primitive.NewObjectID(),
		SessionID:  sessionID,
		SensorType: r.Source,
		Timestamp:  r.At,
		OffsetMS:   r.OffsetMS,
		Seq:        r.Seq,
		Payload:    r.Payload,
		CreatedAt:  r.At,
	}
	c.enqueue("append sample", func(ctx context.Context) error {
		return c.store.AppendSample(ctx, sample)
	})
}

// enqueue dispatches a persistence write without blocking the caller. The
// queue is bounded; when full or after Close the write is dropped and
// reported rather than allowed to pile up in-flight.
func (c *Coordinator) enqueue(desc string, op func(ctx context.Context) error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.notifier.Report("dropped "+desc, errors.Wrap(ErrPersistence, "coordinator closed"))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	select {
	case c.writes <- queuedWrite{desc: desc, op: op}:
	default:
		c.wg.Done()
		c.notifier.Report("dropped "+desc, errors.Wrap(ErrPersistence, "write queue full"))
	}
}

func (c *Coordinator) drainWrites() {
	for w := range c.writes {
		var err error
		for attempt := 1; attempt <= writeAttempts; attempt++ {
			if err = w.op(context.Background()); err == nil {
				break
			}
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err != nil {
			c.notifier.Report(w.desc+" failed", errors.Wrap(ErrPersistence, err.Error()))
		}
		c.wg.Done()
	}
}

// Flush waits for every queued write to settle. Stop does not call this;
// in-flight writes complete or fail on their own after stopping.
func (c *Coordinator) Flush() {
	c.wg.Wait()
}

// Close stops accepting writes, flushes the queue, and stops the
// dispatcher. Writes enqueued after Close are dropped and reported, never
// sent on the closed channel.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.wg.Wait()
		close(c.writes)
	})
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the session the coordinator is holding, active or
// finished. Nil before the first start.
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Degraded lists sensor sources that failed to activate for the current
// session.
func (c *Coordinator) Degraded() []string {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return nil
	}
	return mux.Degraded()
}

// EventTypes returns the configured annotation catalog.
func (c *Coordinator) EventTypes() []EventType {
	types := make([]EventType, 0, len(c.catalog))
	for _, et := range c.catalog {
		types = append(types, et)
	}
	return types
}
