package fuzztarget

import (
	"errors"
	"fmt"
)

// Common delivery-layer errors.
var (
	// ErrTargetStuck indicates the transport can no longer accept writes
	// for the current operation; the driver should run target recovery
	ErrTargetStuck = errors.New("target stuck")

	// ErrNotStarted indicates an operation was attempted before Start
	ErrNotStarted = errors.New("target not started")

	// ErrInvalidTiming indicates a sending delay not strictly below the
	// feedback timeout
	ErrInvalidTiming = errors.New("sending delay must be smaller than feedback timeout")

	// ErrUnknownInterface indicates a dynamic interface removal for an
	// endpoint that was never registered
	ErrUnknownInterface = errors.New("unknown dynamic interface")

	// ErrReservedFeedbackID indicates a user-supplied feedback reference
	// colliding with the auto-generated namespace
	ErrReservedFeedbackID = errors.New("feedback id collides with generated ids")
)

// Feedback error codes recorded in the store when delivery degrades
// without aborting the operation.
const (
	// ErrCodeNone means the last operation completed without incident.
	ErrCodeNone = 0
	// ErrCodeConnFailed means a client interface could not be dialed.
	ErrCodeConnFailed = -1
	// ErrCodeNoPeer means a server-mode interface saw no peer within the
	// sending delay.
	ErrCodeNoPeer = -2
	// ErrCodeHandleError means a feedback handle failed mid-collection.
	ErrCodeHandleError = -3
)

// ConfigurationError reports an invalid configuration call: a malformed
// socket tuple or inconsistent timing. It is raised synchronously at
// configuration time and is always fatal to the call.
type ConfigurationError struct {
	Op  string // configuration operation that failed
	Err error  // underlying error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func newConfigurationError(op string, err error) *ConfigurationError {
	return &ConfigurationError{Op: op, Err: err}
}

// TargetStuckError is the fatal per-operation condition: an established
// handle stopped accepting writes or the peer closed mid-write. It is
// propagated to the driver and never retried internally.
type TargetStuckError struct {
	Addr string // endpoint that stopped responding
	Err  error  // underlying error, nil for a zero-byte write
}

func (e *TargetStuckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("target stuck on %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("target stuck on %s: connection broken", e.Addr)
}

func (e *TargetStuckError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrTargetStuck
}

// Is lets errors.Is(err, ErrTargetStuck) match independently of the
// wrapped cause.
func (e *TargetStuckError) Is(target error) bool {
	return target == ErrTargetStuck
}
