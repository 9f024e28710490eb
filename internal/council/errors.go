package council

import (
	"errors"
	"fmt"
)

// FailureKind classifies why one agent produced no message in a round.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureProviderError   FailureKind = "provider_error"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureInvalidResponse FailureKind = "invalid_response"
)

// AgentFailure records one participant's failed attempt. It is
// non-fatal: the round completes with the successful subset.
type AgentFailure struct {
	AgentID string      `json:"agent_id"`
	Kind    FailureKind `json:"kind"`
	Reason  string      `json:"reason"`
}

func (e *AgentFailure) Error() string {
	return fmt.Sprintf("agent %s failed (%s): %s", e.AgentID, e.Kind, e.Reason)
}

// InvalidStateError reports an operation not valid for the session's
// current state, e.g. executing a round on a complete session.
type InvalidStateError struct {
	SessionID string
	State     SessionState
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s: %s not valid in state %q", e.SessionID, e.Op, e.State)
}

// ConcurrentExecutionError reports an attempt to start a round while
// one is already in flight for the same session.
type ConcurrentExecutionError struct {
	SessionID string
}

func (e *ConcurrentExecutionError) Error() string {
	return fmt.Sprintf("session %s: a round is already executing", e.SessionID)
}

// ValidationError reports malformed input, rejected before any
// execution begins.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown session ID.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// PersistenceError reports a store failure. Callers see it only after
// in-memory state has been kept at the last durably committed round.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// IsConcurrentExecution reports whether err is a ConcurrentExecutionError.
func IsConcurrentExecution(err error) bool {
	var e *ConcurrentExecutionError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}
