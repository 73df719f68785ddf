// Package transport contains the admin HTTP server: liveness, readiness,
// metrics and running-instance listing endpoints plus the middleware chain in
// front of them.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/loom/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrLocked:                 http.StatusConflict,
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrDefinitionNotFound:     http.StatusNotFound,
	model.ErrDefinitionNotPublished: http.StatusConflict,
	model.ErrConfiguration:          http.StatusUnprocessableEntity,
	model.ErrPossibleInfiniteLoop:   http.StatusUnprocessableEntity,
	model.ErrInstanceNotActive:      http.StatusConflict,
	model.ErrTaskNotOpen:            http.StatusConflict,
	model.ErrNotImplemented:         http.StatusNotImplemented,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that do not wrap an ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
