package session

import "time"

// sessionClock anchors every recorded item to the session start instant.
// All offsets produced from the same clock share the same origin.
type sessionClock struct {
	t0 time.Time
}

func newSessionClock(t0 time.Time) *sessionClock {
	return &sessionClock{t0: t0}
}

func (c *sessionClock) T0() time.Time {
	return c.t0
}

// OffsetMillis converts an instant into milliseconds since t0. Instants
// before t0 (clock skew on a remote reading) clamp to zero so offsets are
// never negative.
func (c *sessionClock) OffsetMillis(at time.Time) int64 {
	ms := at.Sub(c.t0).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
