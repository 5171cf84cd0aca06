// Package ocierr implements the Distribution v2 error envelope: a closed set
// of error codes, each carrying a fixed HTTP status, marshaled as
// {"errors":[{"code","message","detail"}]}.
//
// The code set and registration pattern mirror registry/api/errcode in the
// upstream project; this version folds Kind-based mapping from the shared
// *registry.Error type in on top, since every component in this module
// returns that type rather than a transport-specific error.
package ocierr

import "net/http"

// Code is one member of the closed Distribution v2 error code set.
type Code string

const (
	CodeUnknown        Code = "UNKNOWN"
	CodeUnsupported    Code = "UNSUPPORTED"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeDenied         Code = "DENIED"
	CodeTooManyRequests Code = "TOOMANYREQUESTS"

	CodeDigestInvalid   Code = "DIGEST_INVALID"
	CodeSizeInvalid     Code = "SIZE_INVALID"
	CodeRangeInvalid    Code = "RANGE_INVALID"
	CodeNameInvalid     Code = "NAME_INVALID"
	CodeTagInvalid      Code = "TAG_INVALID"
	CodeNameUnknown     Code = "NAME_UNKNOWN"
	CodeManifestUnknown Code = "MANIFEST_UNKNOWN"
	CodeManifestInvalid Code = "MANIFEST_INVALID"
	CodeBlobUnknown     Code = "BLOB_UNKNOWN"
	CodeUploadUnknown   Code = "BLOB_UPLOAD_UNKNOWN"
	CodePaginationInvalid Code = "PAGINATION_NUMBER_INVALID"
)

var statusByCode = map[Code]int{
	CodeUnknown:           http.StatusInternalServerError,
	CodeUnsupported:       http.StatusMethodNotAllowed,
	CodeUnauthorized:      http.StatusUnauthorized,
	CodeDenied:            http.StatusForbidden,
	CodeTooManyRequests:   http.StatusTooManyRequests,
	CodeDigestInvalid:     http.StatusBadRequest,
	CodeSizeInvalid:       http.StatusBadRequest,
	CodeRangeInvalid:      http.StatusRequestedRangeNotSatisfiable,
	CodeNameInvalid:       http.StatusBadRequest,
	CodeTagInvalid:        http.StatusBadRequest,
	CodeNameUnknown:       http.StatusNotFound,
	CodeManifestUnknown:   http.StatusNotFound,
	CodeManifestInvalid:   http.StatusBadRequest,
	CodeBlobUnknown:       http.StatusNotFound,
	CodeUploadUnknown:     http.StatusNotFound,
	CodePaginationInvalid: http.StatusBadRequest,
}

// HTTPStatusCode returns the fixed HTTP status for c, or 500 if c is not a
// recognized member of the set.
func (c Code) HTTPStatusCode() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Kind mirrors registry.ErrorKind's string values so non-HTTP callers (the
// CLI, TaskRuntime progress detail) can report a failure without importing
// net/http.
func (c Code) Kind() string {
	switch c {
	case CodeUnauthorized, CodeDenied:
		return "auth"
	case CodeNameUnknown, CodeManifestUnknown, CodeBlobUnknown, CodeUploadUnknown:
		return "not_found"
	case CodeRangeInvalid:
		return "range"
	case CodeTooManyRequests:
		return "transient"
	case CodeDigestInvalid, CodeSizeInvalid, CodeNameInvalid, CodeTagInvalid, CodeManifestInvalid, CodePaginationInvalid:
		return "validation"
	default:
		return "unknown"
	}
}
