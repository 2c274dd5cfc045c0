// Package api holds the HTTP handlers for one-shot commands and sessions.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/models"
)

// Error kinds returned in ErrorResponse.Kind.
const (
	KindInvalidRequest  = "invalid_request"
	KindUnknownSession  = "unknown_session"
	KindEmptyOutput     = "empty_output"
	KindParseError      = "parse_error"
	KindTooManySessions = "too_many_sessions"
	KindTimeout         = "timeout"
	KindSpawnError      = "spawn_error"
	KindWriteError      = "write_error"
	KindInternal        = "internal"
)

const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("write response")
	}
}

func WriteError(w http.ResponseWriter, status int, kind, msg string) {
	WriteJSON(w, status, models.ErrorResponse{Error: msg, Kind: kind})
}

// WriteErr maps err onto a status code and error body.
func WriteErr(w http.ResponseWriter, err error) {
	status, body := ErrorResponseFor(err)
	WriteJSON(w, status, body)
}

func ErrorResponseFor(err error) (int, models.ErrorResponse) {
	body := models.ErrorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, errdefs.ErrInvalidCommand), errors.Is(err, errdefs.ErrInvalidAPIMode):
		body.Kind = KindInvalidRequest
		return http.StatusBadRequest, body
	case errors.Is(err, errdefs.ErrUnknownSession):
		body.Kind = KindUnknownSession
		body.Reason = UnknownSessionReason(err)
		return http.StatusNotFound, body
	case errors.Is(err, errdefs.ErrEmptyOutput):
		body.Kind = KindEmptyOutput
		return http.StatusBadGateway, body
	case errors.Is(err, errdefs.ErrParse):
		body.Kind = KindParseError
		return http.StatusBadGateway, body
	case errors.Is(err, errdefs.ErrTooManySessions):
		body.Kind = KindTooManySessions
		return http.StatusTooManyRequests, body
	case errors.Is(err, context.DeadlineExceeded):
		body.Kind = KindTimeout
		return http.StatusGatewayTimeout, body
	case errors.Is(err, errdefs.ErrWrite):
		body.Kind = KindWriteError
		return http.StatusConflict, body
	case errors.Is(err, errdefs.ErrSpawn):
		body.Kind = KindSpawnError
		return http.StatusInternalServerError, body
	default:
		body.Kind = KindInternal
		return http.StatusInternalServerError, body
	}
}

// UnknownSessionReason says why a session id is not running.
func UnknownSessionReason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrSessionClosed):
		return "closed"
	case errors.Is(err, errdefs.ErrSessionExited):
		return "exited"
	default:
		return "not_found"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, KindInvalidRequest, "invalid JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		WriteError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return false
	}
	return true
}
