package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a turn-level failure for the application
// boundary. Raw parser or provider errors never cross that boundary;
// they arrive wrapped in a TurnError with one of these kinds.
type ErrorKind string

const (
	// KindTurnFailed covers an invocation failure that exhausted its
	// retries, or any other error that aborted a running turn.
	KindTurnFailed ErrorKind = "turn_failed"
	// KindTurnCancelled marks a turn cancelled between layer steps.
	KindTurnCancelled ErrorKind = "turn_cancelled"
	// KindConcurrencyViolation marks an attempt to start a session's
	// next turn while the previous one is still open. Rejected, never
	// queued: callers serialize per session.
	KindConcurrencyViolation ErrorKind = "concurrency_violation"
	// KindRoutingUnresolved marks a routing decision outside the
	// declared target set. Compile catches configuration mistakes; this
	// kind only surfaces if a route function misbehaves at runtime.
	KindRoutingUnresolved ErrorKind = "routing_unresolved"
)

var ErrTurnOpen = errors.New("pipeline: previous turn for session is still open")

type TurnError struct {
	Kind      ErrorKind
	TurnID    string
	SessionID string
	Err       error
}

func (e *TurnError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("turn %s (session %s): %s: %v", e.TurnID, e.SessionID, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsTurnError unwraps err to its TurnError, if any.
func AsTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
