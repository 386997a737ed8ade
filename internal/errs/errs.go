// Package errs defines the error-kind taxonomy shared across the
// circuit-lifecycle subsystems: invalid-argument, invalid-state,
// constraint-violation, resource-unavailable, and internal failures.
// Callers switch on Kind rather than matching error strings.
package errs

import "fmt"

// Kind classifies an error for uniform handling at actor boundaries.
type Kind int

const (
	// KindInvalidArgument covers malformed payloads, bad ids, unknown
	// nodes. Reported to the caller, not logged above debug.
	KindInvalidArgument Kind = iota
	// KindInvalidState covers operations that violate a state-machine
	// contract, e.g. voting on an unknown proposal.
	KindInvalidState
	// KindConstraintViolation covers storage uniqueness/foreign-key
	// conflicts, tagged with a ViolationType.
	KindConstraintViolation
	// KindUnavailable covers transient resource exhaustion (pool, full
	// channel); the peer manager retries automatically.
	KindUnavailable
	// KindInternal covers unexpected I/O, serialization, or poisoned
	// locks; logged at error and, in actors, fatal to the thread.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ViolationType further tags a KindConstraintViolation error.
type ViolationType int

const (
	ViolationNone ViolationType = iota
	ViolationUnique
	ViolationForeignKey
	ViolationNotFound
)

func (v ViolationType) String() string {
	switch v {
	case ViolationUnique:
		return "unique"
	case ViolationForeignKey:
		return "foreign_key"
	case ViolationNotFound:
		return "not_found"
	default:
		return "none"
	}
}

// Error is the concrete error type carried across every package in this
// module. It wraps an underlying cause (which may be nil) with a Kind
// and, for constraint violations, a ViolationType.
type Error struct {
	Kind      Kind
	Violation ViolationType
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.NotFound) style sentinel comparisons on
// Kind+Violation alone, ignoring Msg/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Violation == t.Violation
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func Constraint(v ViolationType, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConstraintViolation, Violation: v, Msg: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound is a convenience constructor for the common
// constraint-violation/not-found combination.
func NotFound(format string, args ...interface{}) *Error {
	return Constraint(ViolationNotFound, format, args...)
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// defaulting to KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is a tiny local shim over errors.As to avoid importing the
// standard errors package purely for this one call site's symmetry
// with Unwrap above.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
