package registry

import (
	"errors"
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// ErrorKind classifies a failure independent of any particular
// transport. internal/ocierr maps these onto HTTP status codes and the
// JSON error envelope; task progress detail and the CLI use the same Kind
// strings for non-HTTP reporting.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindRange      ErrorKind = "range"
	KindUpstream   ErrorKind = "upstream"
	KindTransient  ErrorKind = "transient"
)

// Error is the common shape every component-level error satisfies so that
// internal/ocierr can translate it without a type switch per package.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, message string, detail interface{}) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinel errors for common not-found cases; callers use errors.Is against
// these or inspect a returned *Error's Kind directly.
var (
	ErrBlobUnknown      = &Error{Kind: KindNotFound, Message: "blob unknown"}
	ErrManifestUnknown  = &Error{Kind: KindNotFound, Message: "manifest unknown"}
	ErrTagUnknown       = &Error{Kind: KindNotFound, Message: "tag unknown"}
	ErrRepositoryUnknown = &Error{Kind: KindNotFound, Message: "repository unknown"}
	ErrUploadUnknown    = &Error{Kind: KindNotFound, Message: "upload unknown"}
	ErrNamespaceUnknown = &Error{Kind: KindNotFound, Message: "namespace unknown"}

	ErrDigestInvalid    = &Error{Kind: KindValidation, Message: "provided digest did not match computed digest"}
	ErrNameInvalid      = &Error{Kind: KindValidation, Message: "repository name did not match grammar"}
	ErrManifestInvalid  = &Error{Kind: KindValidation, Message: "manifest failed validation"}
	ErrSizeInvalid      = &Error{Kind: KindValidation, Message: "payload exceeded maximum size"}

	ErrUnauthorized = &Error{Kind: KindAuth, Message: "authentication required"}
	ErrDenied       = &Error{Kind: KindAuth, Message: "insufficient scope"}

	ErrRangeInvalid = &Error{Kind: KindRange, Message: "upload range is not contiguous with current state"}

	ErrUnsupported = &Error{Kind: KindValidation, Message: "the operation is unsupported"}
)

// IsNotFound reports whether err (or anything it wraps) carries Kind
// KindNotFound.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}

// DigestMismatchError reports that bytes received did not hash to the digest
// the caller asserted.
func DigestMismatchError(expected, actual digest.Digest) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "digest mismatch",
		Detail:  map[string]string{"expected": expected.String(), "actual": actual.String()},
	}
}
