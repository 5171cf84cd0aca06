package ocierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencrate/registry"
)

// Envelope is the JSON body every failing Registry response carries:
// {"errors":[{"code","message","detail"}]}.
type Envelope struct {
	Errors []Entry `json:"errors"`
}

// Entry is one error within an Envelope.
type Entry struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// FromError converts a *registry.Error (or a plain error, as a last resort)
// into an Entry carrying the most specific Code available.
func FromError(err error) Entry {
	var e *registry.Error
	if !errors.As(err, &e) {
		return Entry{Code: CodeUnknown, Message: err.Error()}
	}

	code := codeForSentinel(e)
	if code == "" {
		code = codeForKind(e.Kind)
	}
	return Entry{Code: code, Message: e.Message, Detail: e.Detail}
}

func codeForSentinel(e *registry.Error) Code {
	switch e {
	case registry.ErrBlobUnknown:
		return CodeBlobUnknown
	case registry.ErrManifestUnknown:
		return CodeManifestUnknown
	case registry.ErrTagUnknown:
		return CodeManifestUnknown
	case registry.ErrRepositoryUnknown:
		return CodeNameUnknown
	case registry.ErrUploadUnknown:
		return CodeUploadUnknown
	case registry.ErrDigestInvalid:
		return CodeDigestInvalid
	case registry.ErrNameInvalid:
		return CodeNameInvalid
	case registry.ErrManifestInvalid:
		return CodeManifestInvalid
	case registry.ErrSizeInvalid:
		return CodeSizeInvalid
	case registry.ErrUnauthorized:
		return CodeUnauthorized
	case registry.ErrDenied:
		return CodeDenied
	case registry.ErrRangeInvalid:
		return CodeRangeInvalid
	case registry.ErrUnsupported:
		return CodeUnsupported
	default:
		return ""
	}
}

func codeForKind(kind registry.ErrorKind) Code {
	switch kind {
	case registry.KindValidation:
		return CodeManifestInvalid
	case registry.KindAuth:
		return CodeUnauthorized
	case registry.KindNotFound:
		return CodeNameUnknown
	case registry.KindRange:
		return CodeRangeInvalid
	case registry.KindTransient:
		return CodeTooManyRequests
	default:
		return CodeUnknown
	}
}

// ServeJSON writes err (or errs, if more than one accumulated during a
// single request) into the envelope, setting status from the first entry's
// code and the standard Distribution response headers.
func ServeJSON(w http.ResponseWriter, errs ...error) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	if len(errs) == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return json.NewEncoder(w).Encode(Envelope{Errors: []Entry{{Code: CodeUnknown, Message: "no error detail"}}})
	}

	env := Envelope{Errors: make([]Entry, 0, len(errs))}
	for _, err := range errs {
		env.Errors = append(env.Errors, FromError(err))
	}

	w.WriteHeader(env.Errors[0].Code.HTTPStatusCode())
	return json.NewEncoder(w).Encode(env)
}
