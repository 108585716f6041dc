// Package errors defines the error taxonomy shared by every object-store
// backend and the resource manager. Low-level filesystem and SDK errors are
// wrapped into one of these kinds before they cross a package boundary.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a store error.
type Kind int

const (
	// KindNotFound means the requested object does not exist.
	KindNotFound Kind = iota + 1
	// KindStorageFault is an I/O or filesystem level failure.
	KindStorageFault
	// KindUnsupportedOperation is a write against a read-only manager.
	KindUnsupportedOperation
	// KindIOFailure is the catch-all raised by the resource manager and by
	// convenience readers.
	KindIOFailure
)

// String returns the human-readable name of a kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindStorageFault:
		return "StorageFault"
	case KindUnsupportedOperation:
		return "UnsupportedOperation"
	case KindIOFailure:
		return "IOFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified store error with a machine-readable code, a
// human-readable message, an HTTP-like status and an optional cause.
type Error struct {
	// Kind is the taxonomy bucket the error belongs to.
	Kind Kind
	// Code is a short machine-readable code (e.g. "NoSuchKey").
	Code string
	// Message describes what failed.
	Message string
	// HTTPStatus mirrors the status a real object store would answer with.
	HTTPStatus int
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%d): %s: %v", e.Kind, e.Code, e.HTTPStatus, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// match on the package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for errors.Is matching. They carry no code so that any error of
// the same kind matches.
var (
	ErrNotFound     = &Error{Kind: KindNotFound, HTTPStatus: 404}
	ErrStorageFault = &Error{Kind: KindStorageFault, HTTPStatus: 500}
	ErrUnsupported  = &Error{Kind: KindUnsupportedOperation, HTTPStatus: 405}
	ErrIOFailure    = &Error{Kind: KindIOFailure, HTTPStatus: 500}
)

// NotFound returns a 404 error for the given bucket and key.
func NotFound(bucket, key string) *Error {
	return &Error{
		Kind:       KindNotFound,
		Code:       "NoSuchKey",
		Message:    fmt.Sprintf("object not found: %s/%s", bucket, key),
		HTTPStatus: 404,
	}
}

// StorageFault returns a storage fault with the given cause (may be nil).
func StorageFault(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:       KindStorageFault,
		Code:       "StorageFault",
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: 500,
		Err:        cause,
	}
}

// Unsupported returns an UnsupportedOperation error for op.
func Unsupported(op string) *Error {
	return &Error{
		Kind:       KindUnsupportedOperation,
		Code:       "ReadOnly",
		Message:    fmt.Sprintf("%s is not permitted: resource manager is read-only", op),
		HTTPStatus: 405,
	}
}

// IOFailure wraps cause into an IOFailure.
func IOFailure(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:       KindIOFailure,
		Code:       "IOFailure",
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: 500,
		Err:        cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err is, or wraps, a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusOf returns the HTTP-like status carried by err, or 500 for
// unclassified errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return 500
}
