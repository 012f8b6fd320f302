// Package errs defines the error taxonomy shared across the control plane.
package errs

import "errors"

// Kind classifies an error for retry and telemetry purposes.
type Kind string

const (
	KindInvalidParams  Kind = "invalid_params"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindBufferOverflow Kind = "buffer_overflow"
	KindCircuitOpen    Kind = "circuit_open"
	KindTransport      Kind = "transport_error"
	KindModelLoad      Kind = "model_load_error"
	KindModelNotLoaded Kind = "model_not_loaded"
	KindGeneration     Kind = "generation_error"
	KindTokenizer      Kind = "tokenizer_error"
	KindGuidance       Kind = "guidance_error"
	KindRuntime        Kind = "runtime_error"
	KindInternal       Kind = "internal_error"
	KindServer         Kind = "server_error"
	KindParse          Kind = "parse_error"
	KindMethodNotFound Kind = "method_not_found"
	KindSlaViolation   Kind = "sla_violation"
	KindResourceExhausted Kind = "resource_exhausted"
	KindWorkerUnavailable Kind = "worker_unavailable"
	KindWorkerOverloaded  Kind = "worker_overloaded"
)

// retryable holds the kinds that a retry policy may legally reattempt.
var retryable = map[Kind]bool{
	KindTimeout:           true,
	KindTransport:         true,
	KindWorkerUnavailable: true,
	KindWorkerOverloaded:  true,
}

// Retryable reports whether an error of this kind may be retried.
func (k Kind) Retryable() bool { return retryable[k] }

// Error is the control plane's typed error, carrying a Kind, a message,
// optional structured details, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a Kind-only sentinel built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" || (t.Kind == e.Kind && t.Message == e.Message)
}

// New builds an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured details and returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinel errors for conditions checked structurally rather than by Kind.
var (
	ErrAlreadyCompleted = errors.New("request already completed")
	ErrNoHandle         = errors.New("no handle loaded for model")
	ErrDuplicateHandle  = errors.New("handle already exists for descriptor id")
	ErrStreamClosed     = errors.New("stream entry closed")
)
