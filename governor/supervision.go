package governor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies why a supervised run stopped early
type Outcome int

const (
	// OutcomeNone means the run has not been stopped by the governor or the caller
	OutcomeNone Outcome = iota
	// OutcomeTimeout means the wall-clock timeout fired
	OutcomeTimeout
	// OutcomeResourceExceeded means a CPU or memory ceiling was breached
	OutcomeResourceExceeded
	// OutcomeCancelled means the caller cancelled the run
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTimeout:
		return "timeout"
	case OutcomeResourceExceeded:
		return "resource_exceeded"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Supervision tracks one run under its wall-clock deadline
type Supervision struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	limits  Limits
	started time.Time
}

// Context is cancelled when the run must stop: on timeout, on a reported
// breach or when the caller's context is cancelled.
func (s *Supervision) Context() context.Context {
	return s.ctx
}

// Limits returns the limits the run is supervised under
func (s *Supervision) Limits() Limits {
	return s.limits
}

// Elapsed returns the time since supervision started
func (s *Supervision) Elapsed() time.Duration {
	return time.Since(s.started)
}

// Exceed reports a CPU or memory breach and stops the run. Only the first
// stop reason is kept.
func (s *Supervision) Exceed(resource string) {
	s.cancel(fmt.Errorf("%w: %s", ErrResourceExceeded, resource))
}

// Outcome reports why the run was stopped, or OutcomeNone if it was not
func (s *Supervision) Outcome() Outcome {
	if s.ctx.Err() == nil {
		return OutcomeNone
	}
	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, ErrWallClock):
		return OutcomeTimeout
	case errors.Is(cause, ErrResourceExceeded):
		return OutcomeResourceExceeded
	default:
		return OutcomeCancelled
	}
}

// Release stops the wall-clock timer and frees the supervision context
func (s *Supervision) Release() {
	s.timer.Stop()
	s.cancel(nil)
}
