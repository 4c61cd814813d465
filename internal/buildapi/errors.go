package buildapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/keithlinneman/buildgate/internal/appkeys"
	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/blobref"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/review"
)

// Error kinds reported for failures outside the archive package.
const (
	KindInvalidRequest      = "invalid_request"
	KindInvalidAppID        = "invalid_app_id"
	KindUnknownApp          = "unknown_app"
	KindSessionNotFound     = "session_not_found"
	KindBlobNotFound        = "blob_not_found"
	KindBlobBudgetExceeded  = "blob_budget_exceeded"
	KindStale               = "stale"
	KindInvalidReference    = "invalid_reference"
	KindInvalidSize         = "invalid_size"
	KindBuildNotFound       = "build_not_found"
	KindSignatureInvalid    = "signature_invalid"
	KindTooLarge            = "too_large"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindTimeout             = "timeout"
	KindInternal            = "internal"
)

// upstreamError marks a failure of a dependency (ssm, s3) that the client
// cannot fix.
type upstreamError struct {
	dep string
	err error
}

func (e *upstreamError) Error() string { return e.dep + ": " + e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// upstream tags err as a dependency failure unless it is one of the
// client-facing sentinels of that dependency.
func upstream(dep string, err error, known ...error) error {
	if err == nil {
		return nil
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &upstreamError{dep: dep, err: err}
}

// ErrorBody is the "error" member of a failed response.
type ErrorBody struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// classify maps err to an HTTP status and the body sent to the client.
// Messages of 5xx responses never include the underlying error.
func classify(err error) (int, ErrorBody) {
	var ae *archive.Error
	if errors.As(err, &ae) {
		body := ErrorBody{
			Kind:     string(ae.Kind),
			Message:  ae.Error(),
			Path:     ae.Path,
			Expected: ae.Expected,
			Actual:   ae.Actual,
		}
		switch ae.Kind {
		case archive.KindVerifyKeyMismatch:
			// the registered key is never echoed
			body.Expected = ""
			return http.StatusUnprocessableEntity, body
		case archive.KindLimitExceeded:
			return http.StatusRequestEntityTooLarge, body
		case archive.KindEntryNotFound:
			return http.StatusNotFound, body
		case archive.KindEntryReadFailed:
			if errors.Is(err, archive.ErrLimitExceeded) {
				return http.StatusRequestEntityTooLarge, body
			}
		}
		return http.StatusUnprocessableEntity, body
	}

	var mbe *http.MaxBytesError
	var ue *upstreamError
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, ErrorBody{Kind: KindInvalidRequest, Message: br.msg}
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, ErrorBody{Kind: KindTooLarge, Message: err.Error()}
	case errors.Is(err, appkeys.ErrInvalidAppID):
		return http.StatusBadRequest, ErrorBody{Kind: KindInvalidAppID, Message: err.Error()}
	case errors.Is(err, appkeys.ErrUnknownApp):
		return http.StatusNotFound, ErrorBody{Kind: KindUnknownApp, Message: err.Error()}
	case errors.Is(err, review.ErrSessionNotFound), errors.Is(err, review.ErrSessionClosed):
		return http.StatusNotFound, ErrorBody{Kind: KindSessionNotFound, Message: review.ErrSessionNotFound.Error()}
	case errors.Is(err, review.ErrStale):
		return http.StatusConflict, ErrorBody{Kind: KindStale, Message: err.Error()}
	case errors.Is(err, blobref.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Kind: KindBlobNotFound, Message: err.Error()}
	case errors.Is(err, blobref.ErrBudgetExceeded):
		return http.StatusRequestEntityTooLarge, ErrorBody{Kind: KindBlobBudgetExceeded, Message: err.Error()}
	case errors.Is(err, buildstore.ErrInvalidRef):
		return http.StatusBadRequest, ErrorBody{Kind: KindInvalidReference, Message: err.Error()}
	case errors.Is(err, buildstore.ErrInvalidSize):
		return http.StatusBadRequest, ErrorBody{Kind: KindInvalidSize, Message: err.Error()}
	case errors.Is(err, buildstore.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, ErrorBody{Kind: KindTooLarge, Message: err.Error()}
	case errors.Is(err, buildstore.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Kind: KindBuildNotFound, Message: err.Error()}
	case errors.Is(err, buildstore.ErrSignature):
		return http.StatusUnprocessableEntity, ErrorBody{Kind: KindSignatureInvalid, Message: err.Error()}
	case errors.As(err, &ue):
		return http.StatusBadGateway, ErrorBody{Kind: KindUpstreamUnavailable, Message: ue.dep + " unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Kind: KindTimeout, Message: "request timed out"}
	}
	return http.StatusInternalServerError, ErrorBody{Kind: KindInternal, Message: "internal error"}
}

// badRequest is a client error that is not tied to a dependency.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }
