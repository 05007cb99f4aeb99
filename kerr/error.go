// Package kerr defines the error taxonomy shared across kvcore's storage
// abstraction, transaction manager, and public API. It is the Go-native
// rendering of a C-ABI error channel: instead of a NUL-terminated string
// returned by reference, every fallible call returns a plain Go error whose
// concrete type is *Error.
package kerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an Error so callers can branch on failure category
// without parsing messages.
type Kind uint8

const (
	// OpenFailure means the engine could not initialize.
	OpenFailure Kind = iota
	// InvalidArgument means malformed inputs: stride/length mismatch,
	// unknown collection, out-of-range option, etc.
	InvalidArgument
	// NotFound means a named resource (a collection) was addressed that
	// does not exist. Missing keys are not an error - see tape.LenMissing.
	NotFound
	// Conflict means a transaction failed OCC validation at commit time.
	Conflict
	// Unsupported means the driver lacks a requested capability.
	Unsupported
	// IO means the underlying storage reported an I/O error.
	IO
	// Corruption means the engine reported data damage.
	Corruption
	// OutOfMemory means an arena or internal allocation failed.
	OutOfMemory
	// Internal means an unexpected condition the caller cannot act on.
	Internal
)

func (k Kind) String() string {
	switch k {
	case OpenFailure:
		return "OPEN_FAILURE"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case Unsupported:
		return "UNSUPPORTED"
	case IO:
		return "IO"
	case Corruption:
		return "CORRUPTION"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by every kvcore call that can
// fail. Its Kind lets callers make retry/abort decisions: Conflict
// preserves transaction state for retry, while every other kind aborts
// the transaction.
type Error struct {
	Kind    Kind
	Message string
	// Cause is the underlying driver or stdlib error, if any. Not part of
	// the message so that Kind-based branching doesn't need string
	// parsing, but preserved for %+v / logging.
	Cause error
	// ID correlates one occurrence of an opaque failure (IO, Corruption,
	// OutOfMemory, Internal, OpenFailure) between what an RPC client sees
	// and what the server logged, without leaking driver internals into
	// the message a caller might match on.
	ID string
}

// needsCorrelationID reports whether kind is opaque enough that a caller
// across a process boundary would want a stable handle to find the
// matching server-side log line.
func needsCorrelationID(kind Kind) bool {
	switch kind {
	case IO, Corruption, OutOfMemory, Internal, OpenFailure:
		return true
	default:
		return false
	}
}

func (e *Error) Error() string {
	var msg string
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.ID)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	e := &Error{Kind: kind, Message: msg}
	if needsCorrelationID(kind) {
		e.ID = uuid.NewString()
	}
	return e
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	e := &Error{Kind: kind, Message: msg, Cause: cause}
	if needsCorrelationID(kind) {
		e.ID = uuid.NewString()
	}
	return e
}

// Is lets errors.Is match on Kind alone, so callers can write
// errors.Is(err, kerr.New(kerr.Conflict, "")) without caring about message text.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and
// Internal otherwise. Useful at API boundaries that must always report
// some Kind.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
