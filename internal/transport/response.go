// Package transport contains the HTTP router, middleware chain and request
// handlers of the process flow service.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/model"
)

// statusClientClosedRequest is the de facto status for a request whose
// caller went away before it finished.
const statusClientClosedRequest = 499

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrFetchFailed:        http.StatusBadGateway,
	model.ErrStageNotFound:      http.StatusNotFound,
	model.ErrRequestCancelled:   statusClientClosedRequest,
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

// WriteError writes the first ErrorEnvelope in err's chain as a JSON response
// with the matching status code. Any other error becomes a generic 500. The
// envelope carries the trace id of r when one is recording.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if r != nil && out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details ...model.FieldError) {
	WriteError(w, r, model.NewValidationError(details...))
}
