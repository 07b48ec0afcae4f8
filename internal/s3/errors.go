package s3

import (
	"errors"
	"net/http"

	"github.com/zombar/coldstore/internal/meta"
)

// Wire-level errors that do not come from the core.
var (
	ErrMalformedXML   = errors.New("malformed xml")
	ErrInvalidRequest = errors.New("invalid request")
)

// apiError is an S3 error code and its HTTP status.
type apiError struct {
	Status int
	Code   string
}

// toAPIError maps a core error to its S3 representation.
func toAPIError(err error) apiError {
	switch {
	case errors.Is(err, ErrMalformedXML):
		return apiError{http.StatusBadRequest, "MalformedXML"}
	case errors.Is(err, ErrInvalidRequest):
		return apiError{http.StatusBadRequest, "InvalidRequest"}
	case errors.Is(err, meta.ErrObjectNotFound):
		return apiError{http.StatusNotFound, "NoSuchKey"}
	case errors.Is(err, meta.ErrInvalidObjectState):
		return apiError{http.StatusForbidden, "InvalidObjectState"}
	case errors.Is(err, meta.ErrConflictingState):
		return apiError{http.StatusConflict, "OperationAborted"}
	case errors.Is(err, meta.ErrCacheTooSmall):
		return apiError{http.StatusBadRequest, "EntityTooLarge"}
	case errors.Is(err, meta.ErrQueueFull):
		return apiError{http.StatusServiceUnavailable, "SlowDown"}
	case errors.Is(err, meta.ErrMetadataUnavailable), errors.Is(err, meta.ErrTapeOffline):
		return apiError{http.StatusServiceUnavailable, "ServiceUnavailable"}
	}
	return apiError{http.StatusInternalServerError, "InternalError"}
}

// classifyStatus converts an HTTP status to the metric status label.
func classifyStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusForbidden:
		return "invalid_state"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "error"
}
