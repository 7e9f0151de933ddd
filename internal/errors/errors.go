package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// Status is the stable numeric status code exposed at API boundaries.
// The core range starts at 0, the fabric range at 1024. Values are part of
// the public contract and must never be renumbered.
type Status int32

const (
	StatusOK               Status = 0
	StatusUnknown          Status = 1
	StatusFlowNotFound     Status = 2
	StatusTooLate          Status = 3
	StatusTooEarly         Status = 4
	StatusInvalidReader    Status = 5
	StatusInvalidWriter    Status = 6
	StatusTimeout          Status = 7
	StatusInvalidArg       Status = 8
	StatusConflict         Status = 9
	StatusPermissionDenied Status = 10
	StatusFlowInvalid      Status = 11
)

const (
	StatusStrLen Status = 1024 + iota
	StatusInterrupted
	StatusNoFabric
	StatusInvalidState
	StatusInternal
	StatusNotReady
	StatusNotFound
	StatusExists
)

// String returns the lowercase identifier used in logs and tooling output.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	case StatusFlowNotFound:
		return "flow_not_found"
	case StatusTooLate:
		return "too_late"
	case StatusTooEarly:
		return "too_early"
	case StatusInvalidReader:
		return "invalid_reader"
	case StatusInvalidWriter:
		return "invalid_writer"
	case StatusTimeout:
		return "timeout"
	case StatusInvalidArg:
		return "invalid_arg"
	case StatusConflict:
		return "conflict"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusFlowInvalid:
		return "flow_invalid"
	case StatusStrLen:
		return "strlen"
	case StatusInterrupted:
		return "interrupted"
	case StatusNoFabric:
		return "no_fabric"
	case StatusInvalidState:
		return "invalid_state"
	case StatusInternal:
		return "internal"
	case StatusNotReady:
		return "not_ready"
	case StatusNotFound:
		return "not_found"
	case StatusExists:
		return "exists"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// coreMarker is implemented by all flow-layer error types so we can classify them.
type coreMarker interface {
	error
	isCore()
}

// FlowError is a flow-layer error (open, map, lock, stale mapping, etc).
type FlowError struct {
	Op     string // high-level operation (e.g. "flow.open", "grain.map")
	Status Status
	Err    error // underlying cause (may be nil)
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("flow error: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("flow error: %s: %s: %v", e.Op, e.Status, e.Err)
}
func (e *FlowError) Unwrap() error { return e.Err }
func (e *FlowError) isCore()       {}

// StateError indicates a handle state-machine violation (double open grain,
// commit without open, setup called twice, ...). Status is StatusInvalidState
// or StatusConflict.
type StateError struct {
	Op     string
	Status Status
	Err    error
}

func (e *StateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("state error: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("state error: %s: %s: %v", e.Op, e.Status, e.Err)
}
func (e *StateError) Unwrap() error { return e.Err }
func (e *StateError) isCore()       {}

// RangeError indicates a requested index fell outside the ring window.
// Status is StatusTooEarly or StatusTooLate.
type RangeError struct {
	Op     string
	Status Status
	Index  uint64
	Head   uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range error: %s: %s (index=%d head=%d)", e.Op, e.Status, e.Index, e.Head)
}
func (e *RangeError) isCore() {}

// FabricError is an error from the fabrics layer. Status is from the fabric
// range (>= 1024).
type FabricError struct {
	Op     string
	Status Status
	Target string // offending target address, when known
	Err    error
}

func (e *FabricError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("fabric error: %s: %s (target=%s): %v", e.Op, e.Status, e.Target, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("fabric error: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("fabric error: %s: %s: %v", e.Op, e.Status, e.Err)
}
func (e *FabricError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded a deadline.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context
// deadline exceeded, or any error type exposing Timeout() bool.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return StatusOf(err) == StatusTimeout
}

// IsTooEarly reports whether err carries StatusTooEarly.
func IsTooEarly(err error) bool { return StatusOf(err) == StatusTooEarly }

// IsTooLate reports whether err carries StatusTooLate.
func IsTooLate(err error) bool { return StatusOf(err) == StatusTooLate }

// IsFlowInvalid reports whether err carries StatusFlowInvalid (stale mapping).
func IsFlowInvalid(err error) bool { return StatusOf(err) == StatusFlowInvalid }

// IsNotReady reports whether err carries StatusNotReady.
func IsNotReady(err error) bool { return StatusOf(err) == StatusNotReady }

// IsCoreError returns true if the error chain contains any flow-layer error.
func IsCoreError(err error) bool {
	if err == nil {
		return false
	}
	var cm coreMarker
	return stdErrors.As(err, &cm)
}

// statusCarrier is implemented by error types that carry a Status directly.
type statusCarrier interface{ status() Status }

func (e *FlowError) status() Status    { return e.Status }
func (e *StateError) status() Status   { return e.Status }
func (e *RangeError) status() Status   { return e.Status }
func (e *FabricError) status() Status  { return e.Status }
func (e *TimeoutError) status() Status { return StatusTimeout }

// StatusOf translates an error chain to its stable numeric status.
// nil maps to StatusOK; unrecognized errors map to StatusUnknown.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var sc statusCarrier
	if stdErrors.As(err, &sc) {
		return sc.status()
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusUnknown
}

// Constructors (encourage contextual wrapping with %w when used by callers).

func NewFlowError(op string, st Status, cause error) error {
	return &FlowError{Op: op, Status: st, Err: cause}
}

func NewStateError(op string, cause error) error {
	return &StateError{Op: op, Status: StatusInvalidState, Err: cause}
}

func NewConflictError(op string, cause error) error {
	return &StateError{Op: op, Status: StatusConflict, Err: cause}
}

func NewInvalidArgError(op string, cause error) error {
	return &FlowError{Op: op, Status: StatusInvalidArg, Err: cause}
}

func NewTooEarlyError(op string, index, head uint64) error {
	return &RangeError{Op: op, Status: StatusTooEarly, Index: index, Head: head}
}

func NewTooLateError(op string, index, head uint64) error {
	return &RangeError{Op: op, Status: StatusTooLate, Index: index, Head: head}
}

func NewFlowInvalidError(op string, cause error) error {
	return &FlowError{Op: op, Status: StatusFlowInvalid, Err: cause}
}

func NewFabricError(op string, st Status, cause error) error {
	return &FabricError{Op: op, Status: st, Err: cause}
}

func NewFabricTargetError(op string, st Status, target string, cause error) error {
	return &FabricError{Op: op, Status: st, Target: target, Err: cause}
}

func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}
