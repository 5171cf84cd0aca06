package ocierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencrate/registry"
)

func TestServeJSONMapsSentinelErrors(t *testing.T) {
	for _, testcase := range []struct {
		err    error
		code   Code
		status int
	}{
		{registry.ErrBlobUnknown, CodeBlobUnknown, http.StatusNotFound},
		{registry.ErrManifestUnknown, CodeManifestUnknown, http.StatusNotFound},
		{registry.ErrRepositoryUnknown, CodeNameUnknown, http.StatusNotFound},
		{registry.ErrDigestInvalid, CodeDigestInvalid, http.StatusBadRequest},
		{registry.ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
		{registry.ErrDenied, CodeDenied, http.StatusForbidden},
		{registry.ErrRangeInvalid, CodeRangeInvalid, http.StatusRequestedRangeNotSatisfiable},
		{registry.ErrUnsupported, CodeUnsupported, http.StatusMethodNotAllowed},
		{registry.NewError(registry.KindTransient, "busy", nil), CodeTooManyRequests, http.StatusTooManyRequests},
		{errors.New("opaque"), CodeUnknown, http.StatusInternalServerError},
	} {
		rec := httptest.NewRecorder()
		if err := ServeJSON(rec, testcase.err); err != nil {
			t.Fatalf("ServeJSON(%v): %v", testcase.err, err)
		}
		if rec.Code != testcase.status {
			t.Errorf("ServeJSON(%v): status %d, expected %d", testcase.err, rec.Code, testcase.status)
		}
		var env Envelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding envelope for %v: %v", testcase.err, err)
		}
		if len(env.Errors) != 1 || env.Errors[0].Code != testcase.code {
			t.Errorf("ServeJSON(%v): envelope %+v, expected code %s", testcase.err, env, testcase.code)
		}
	}
}

func TestServeJSONStatusFromFirstError(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := ServeJSON(rec, registry.ErrDenied, registry.ErrBlobUnknown); err != nil {
		t.Fatalf("ServeJSON: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected the first error's status, got %d", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if len(env.Errors) != 2 {
		t.Fatalf("expected both errors serialized, got %+v", env.Errors)
	}
	if got := rec.Header().Get("Docker-Distribution-Api-Version"); got != "registry/2.0" {
		t.Fatalf("expected api-version header on error responses, got %q", got)
	}
}
