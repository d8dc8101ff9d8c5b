package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures that cross component boundaries.
type Kind string

const (
	KindBadRequest              Kind = "bad_request"
	KindUnsupportedJobType      Kind = "unsupported_job_type"
	KindVendorError             Kind = "vendor_error"
	KindMalformedVendorResponse Kind = "malformed_vendor_response"
	KindArtifactFetchFailed     Kind = "artifact_fetch_failed"
	KindArtifactPersistFailed   Kind = "artifact_persist_failed"
	KindDuplicateJobID          Kind = "duplicate_job_id"
	KindJobNotFound             Kind = "job_not_found"
	KindJobTerminal             Kind = "job_terminal"
	KindForbidden               Kind = "forbidden"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrBadRequest              = &Error{Kind: KindBadRequest}
	ErrUnsupportedJobType      = &Error{Kind: KindUnsupportedJobType}
	ErrVendor                  = &Error{Kind: KindVendorError}
	ErrMalformedVendorResponse = &Error{Kind: KindMalformedVendorResponse}
	ErrArtifactFetchFailed     = &Error{Kind: KindArtifactFetchFailed}
	ErrArtifactPersistFailed   = &Error{Kind: KindArtifactPersistFailed}
	ErrDuplicateJobID          = &Error{Kind: KindDuplicateJobID}
	ErrJobNotFound             = &Error{Kind: KindJobNotFound}
	ErrJobTerminal             = &Error{Kind: KindJobTerminal}
	ErrForbidden               = &Error{Kind: KindForbidden}
)

// Error is the typed error carried between the dispatcher, adapters, store and
// HTTP layer. Status and Body are only set for vendor errors.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Body    string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Kind == KindVendorError && e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can use the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the error kind onto the response status sent to callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest, KindUnsupportedJobType:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindJobNotFound:
		return http.StatusNotFound
	case KindDuplicateJobID:
		return http.StatusConflict
	case KindVendorError:
		// Vendor rejections of caller input surface as client errors.
		if e.Status >= 400 && e.Status < 500 && e.Status != http.StatusUnauthorized && e.Status != http.StatusForbidden && e.Status != http.StatusTooManyRequests {
			return e.Status
		}
		return http.StatusBadGateway
	case KindMalformedVendorResponse, KindArtifactFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func BadRequest(msg string, details map[string]string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg, Details: details}
}

func UnsupportedJobType(jobType string) *Error {
	return &Error{Kind: KindUnsupportedJobType, Message: fmt.Sprintf("unsupported job type %q", jobType)}
}

// Vendor wraps a non-2xx vendor response. body is kept verbatim for diagnostics.
func Vendor(vendor string, status int, body string) *Error {
	return &Error{Kind: KindVendorError, Message: vendor + " API error", Status: status, Body: body}
}

// VendorFailure wraps a transport-level vendor failure that produced no response.
func VendorFailure(vendor string, err error) *Error {
	return &Error{Kind: KindVendorError, Message: vendor + " request failed", Err: err}
}

func Malformed(msg string) *Error {
	return &Error{Kind: KindMalformedVendorResponse, Message: msg}
}

func FetchFailed(url string, err error) *Error {
	return &Error{Kind: KindArtifactFetchFailed, Message: "fetch " + url, Err: err}
}

func PersistFailed(key string, err error) *Error {
	return &Error{Kind: KindArtifactPersistFailed, Message: "persist " + key, Err: err}
}

func DuplicateJobID(id string) *Error {
	return &Error{Kind: KindDuplicateJobID, Message: fmt.Sprintf("job %s already exists", id)}
}

func JobNotFound(id string) *Error {
	return &Error{Kind: KindJobNotFound, Message: fmt.Sprintf("job %s not found", id)}
}

func JobTerminal(id string) *Error {
	return &Error{Kind: KindJobTerminal, Message: fmt.Sprintf("job %s already finished", id)}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
