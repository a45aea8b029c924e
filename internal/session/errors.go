package session

import (
	"github.com/pkg/errors"
)

// Failure kinds surfaced by the coordinator. Callers match them with
// errors.Is; wrapped context carries the specifics.
var (
	// ErrCaptureUnavailable means a media or sensor source could not be
	// acquired or died. Fatal for the media source, per-source degradation
	// for sensors.
	ErrCaptureUnavailable = errors.New("capture source unavailable")

	// ErrPersistence means a record or blob operation failed. Fatal during
	// session create and finalize, reported-only during event/sample logging.
	ErrPersistence = errors.New("persistence operation failed")

	// ErrInvalidTransition means the coordinator was asked to do something
	// its current state does not allow, e.g. stop() while idle.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
