package httpapi

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
)

// Error codes returned in the error body
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeDeviceAccessDenied  = "DEVICE_ACCESS_DENIED"
	CodeDeviceLimitExceeded = "DEVICE_LIMIT_EXCEEDED"
	CodeConflictNotFound    = "CONFLICT_NOT_FOUND"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadyResolved     = "CONFLICT_ALREADY_RESOLVED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// writeError writes the standard error body with the status' default code
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeErrorCode(w, r, status, defaultCode(status), msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:          code,
		Message:       msg,
		CorrelationID: GetCorrelationID(r.Context()),
	}})
}

// writeServiceError maps domain errors to HTTP responses. Anything
// unrecognized is an infrastructure failure and is logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncservice.ErrValidation),
		errors.Is(err, device.ErrInvalidInfo),
		errors.Is(err, conflict.ErrUnknownStrategy):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, device.ErrInvalidDeviceAccess),
		errors.Is(err, device.ErrAccessDenied):
		writeErrorCode(w, r, http.StatusForbidden, CodeDeviceAccessDenied, err.Error())
	case errors.Is(err, device.ErrDeviceLimitExceeded):
		writeErrorCode(w, r, http.StatusForbidden, CodeDeviceLimitExceeded, err.Error())
	case errors.Is(err, syncservice.ErrConflictNotFound):
		writeErrorCode(w, r, http.StatusNotFound, CodeConflictNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyResolved):
		writeErrorCode(w, r, http.StatusConflict, CodeAlreadyResolved, err.Error())
	case errors.Is(err, device.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
