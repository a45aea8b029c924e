package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// Subscription is a cancellable handle to an activated sensor source.
type Subscription interface {
	Cancel() error
}

// SensorSource is a configured, enableable capability (motion, rotation,
// location). Activation failure for one source never affects the others.
type SensorSource interface {
	Name() string
	// Activate starts delivery of raw readings to deliver. Readings arrive
	// asynchronously at whatever rate the underlying source provides.
	Activate(ctx context.Context, deliver func(payload map[string]any)) (Subscription, error)
}

// SensorReading is a normalized reading: source name, raw payload, and the
// millisecond offset from the session clock. Seq is per-source monotonic.
type SensorReading struct {
	Source   string
	Payload  map[string]any
	At       time.Time
	OffsetMS int64
	Seq      int64
}

// SensorMux owns the enabled sensor sources for one session, normalizing
// every reading and invoking the sink exactly once per reading in arrival
// order. Cross-source interleaving is whatever order the sources deliver.
type SensorMux struct {
	mu       sync.Mutex
	clock    *sessionClock
	sink     func(SensorReading)
	subs     map[string]Subscription
	seqs     map[string]int64
	active   bool
	degraded []string
	now      func() time.Time
}

func newSensorMux(clock *sessionClock, sink func(SensorReading), now func() time.Time) *SensorMux {
	if now == nil {
		now = time.Now
	}
	return &SensorMux{
		clock: clock,
		sink:  sink,
		subs:  make(map[string]Subscription),
		seqs:  make(map[string]int64),
		now:   now,
	}
}

// Activate attempts to start every source. Failures are isolated: the
// session proceeds with whatever activated, and the names of the sources
// that did not are returned as degraded capabilities.
func (m *SensorMux) Activate(ctx context.Context, sources []SensorSource) []string {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	var degraded []string
	for _, src := range sources {
		name := src.Name()
		sub, err := src.Activate(ctx, m.deliverFunc(name))
		if err != nil {
			log.Printf("SensorMux: failed to activate %q, continuing without it: %v", name, err)
			degraded = append(degraded, name)
			continue
		}
		m.mu.Lock()
		m.subs[name] = sub
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()
	return degraded
}

func (m *SensorMux) deliverFunc(name string) func(map[string]any) {
	return func(payload map[string]any) {
		m.mu.Lock()
		if !m.active {
			m.mu.Unlock()
			return
		}
		m.seqs[name]++
		seq := m.seqs[name]
		at := m.now()
		reading := SensorReading{
			Source:   name,
			Payload:  payload,
			At:       at,
			OffsetMS: m.clock.OffsetMillis(at),
			Seq:      seq,
		}
		sink := m.sink
		m.mu.Unlock()

		sink(reading)
	}
}

// Degraded lists the sources that failed to activate.
func (m *SensorMux) Degraded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.degraded...)
}

// Deactivate stops every started source. Best-effort: one stop failing does
// not keep the rest subscribed.
func (m *SensorMux) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	subs := m.subs
	m.subs = make(map[string]Subscription)
	m.mu.Unlock()

	for name, sub := range subs {
		if err := sub.Cancel(); err != nil {
			log.Printf("SensorMux: failed to cancel %q: %v", name, err)
		}
	}
}
