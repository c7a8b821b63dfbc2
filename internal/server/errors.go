package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/idempotency"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"role cpso cannot approve a request in status submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"submitted\"}"`
}

// apiError is the {"error":{code,message,details}} envelope every failure is written as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// failure describes how one engine error kind is reported over HTTP.
type failure struct {
	status  int
	code    string
	message string
	details func(error) map[string]any
}

var failures = map[engine.FailureKind]failure{
	engine.KindForbidden: {
		status: http.StatusForbidden,
		code:   "forbidden",
		details: func(err error) map[string]any {
			var fe auth.ForbiddenError
			errors.As(err, &fe)
			return map[string]any{"operation": fe.Operation, "status": fe.Status, "role": fe.Role}
		},
	},
	engine.KindValidation: {
		status: http.StatusUnprocessableEntity,
		code:   "validation_failed",
		details: func(err error) map[string]any {
			var ve *engine.ValidationError
			errors.As(err, &ve)
			return map[string]any{"fields": ve.Fields}
		},
	},
	engine.KindNotFound:      {status: http.StatusNotFound, code: "not_found"},
	engine.KindConflict:      {status: http.StatusConflict, code: "conflict", message: "request was modified concurrently; reload and retry"},
	engine.KindAlreadySigned: {status: http.StatusConflict, code: "already_signed"},
}

// statusCodes names errors huma raises itself, before a handler runs.
var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = statusCodes[status]
	}
	if code == "" {
		code = "http_" + strconv.Itoa(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError maps an engine or repository error onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, idempotency.ErrKeyReused) {
		return newAPIError(http.StatusUnprocessableEntity, "idempotency_key_reused", err.Error(), nil)
	}
	f, ok := failures[engine.Classify(err)]
	if !ok {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	msg := f.message
	if msg == "" {
		msg = err.Error()
	}
	var details map[string]any
	if f.details != nil {
		details = f.details(err)
	}
	return newAPIError(f.status, f.code, msg, details)
}

func requireAdmin(actor auth.Actor) huma.StatusError {
	if actor.IsAdmin() {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "admin role required", map[string]any{"role": actor.EffectiveRole()})
}
