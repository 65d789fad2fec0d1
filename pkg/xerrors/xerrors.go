package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies gcsfs errors.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermission
	KindFailedPrecondition
	KindOutOfRange
	KindUnavailable
	KindAborted
	KindUnimplemented
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermission:
		return "permission denied"
	case KindFailedPrecondition:
		return "failed precondition"
	case KindOutOfRange:
		return "out of range"
	case KindUnavailable:
		return "unavailable"
	case KindAborted:
		return "aborted"
	case KindUnimplemented:
		return "unimplemented"
	case KindInternal:
		return "internal error"
	default:
		return "invalid argument"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Errorf creates a new error of the given kind from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of the outermost *Error in err's chain.
// Errors that carry no *Error report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetriable reports whether err describes a transient failure that a
// bounded retry loop may resolve.
func IsRetriable(err error) bool {
	return Is(err, KindUnavailable)
}
