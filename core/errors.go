package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the control plane's taxonomy. Every error
// that crosses a subsystem boundary carries a Kind so that callers (and the
// HTTP layer) can react without string matching.
type Kind string

const (
	// KindValidation marks bad input rejected at a boundary.
	KindValidation Kind = "validation"
	// KindConflict marks a uniqueness or state violation.
	KindConflict Kind = "conflict"
	// KindNotFound marks a missing resource.
	KindNotFound Kind = "not_found"
	// KindExternalUnavailable marks an unreachable downstream service or queue.
	KindExternalUnavailable Kind = "external_unavailable"
	// KindTimeout marks a deadline exceeded on an external call.
	KindTimeout Kind = "timeout"
	// KindConfiguration marks invalid or missing environment configuration.
	// Configuration errors are fatal at startup and must never surface at
	// request time.
	KindConfiguration Kind = "configuration"
	// KindInternal marks an invariant violation.
	KindInternal Kind = "internal"
)

// Standard sentinel errors for comparison using errors.Is().
var (
	ErrWorkflowNotFound  = errors.New("workflow definition not found")
	ErrRunNotFound       = errors.New("workflow run not found")
	ErrTriggerNotFound   = errors.New("event trigger not found")
	ErrDeliveryNotFound  = errors.New("trigger delivery not found")
	ErrScheduleNotFound  = errors.New("workflow schedule not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrModuleNotFound    = errors.New("module not found")
	ErrEventNotFound     = errors.New("event not found")
	ErrJobNotFound       = errors.New("job definition not found")
	ErrMountNotFound     = errors.New("backend mount not found")
	ErrDuplicateQueueKey = errors.New("queue key already registered")
	ErrQueueUnavailable  = errors.New("queue connection unavailable")
	ErrInlineModeActive  = errors.New("queue manager running in inline mode")
	ErrRunKeyConflict    = errors.New("run key already in use by a non-terminal run")
	ErrTerminalRun       = errors.New("workflow run already terminal")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
)

// Error is the structured error type shared by all subsystems. It wraps an
// underlying cause and records the failing operation for log correlation.
type Error struct {
	Kind    Kind   // taxonomy classification
	Op      string // operation that failed, e.g. "triggers.Evaluate"
	Message string // human-readable message
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation builds a validation-kind error.
func NewValidation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// NewValidationf builds a validation-kind error with a formatted message.
func NewValidationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewConflict builds a conflict-kind error.
func NewConflict(op, message string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message, Err: err}
}

// NewNotFound builds a not-found-kind error wrapping the matching sentinel.
func NewNotFound(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: "resource not found", Err: err}
}

// NewExternal builds an external-unavailable-kind error.
func NewExternal(op, message string, err error) *Error {
	return &Error{Kind: KindExternalUnavailable, Op: op, Message: message, Err: err}
}

// NewTimeout builds a timeout-kind error.
func NewTimeout(op, message string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: message, Err: err}
}

// NewConfiguration builds a configuration-kind error.
func NewConfiguration(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

// NewInternal builds an internal-kind error.
func NewInternal(op, message string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from err. Errors that do not carry a
// Kind are classified as internal; nil classifies as the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrQueueUnavailable):
		return KindExternalUnavailable
	case errors.Is(err, ErrRunKeyConflict), errors.Is(err, ErrDuplicateQueueKey):
		return KindConflict
	}
	return KindInternal
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrTriggerNotFound) ||
		errors.Is(err, ErrDeliveryNotFound) ||
		errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrModuleNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrMountNotFound)
}

// IsRetriable reports whether err describes a transient condition that a
// retry policy may act on. Timeouts and unreachable downstreams retry;
// validation, conflict and invariant errors do not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindExternalUnavailable, KindTimeout:
		return true
	}
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// IsConflict reports whether err represents a uniqueness or state violation.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
