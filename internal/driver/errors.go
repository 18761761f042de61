package driver

import "fmt"

// ErrorKind classifies a driver failure per the engine-wide error taxonomy.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrConflict         ErrorKind = "conflict"
	ErrCapacityExceeded ErrorKind = "capacity_exceeded"
	ErrPolicyDenied     ErrorKind = "policy_denied"
	ErrBackendUnavail   ErrorKind = "backend_unavailable"
	ErrUnsupported      ErrorKind = "unsupported"
	ErrIO               ErrorKind = "io_error"
	ErrTimeout          ErrorKind = "timeout"
	ErrCancelled        ErrorKind = "cancelled"
	ErrInvalidArgument  ErrorKind = "invalid_argument"
	ErrInternal         ErrorKind = "internal"
)

// Error is a driver-level failure carrying a classified kind, a
// human-readable message, and (when available) the raw backend stderr for
// diagnostics.
type Error struct {
	Kind    ErrorKind
	Message string
	Stderr  string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Stderr)
	}
	return e.Message
}

// New builds a classified driver Error.
func New(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under kind, preserving stderr if any.
func Wrap(kind ErrorKind, stderr string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Stderr: stderr}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal for
// unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if de, ok := err.(*Error); ok {
		return de.Kind
	}
	return ErrInternal
}
