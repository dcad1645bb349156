package server

import (
	"errors"
	"net/http"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/jobs"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/orchestrator"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/transform"
)

const (
	errTypeConfiguration  = "configuration_error"
	errTypeInvalidInput   = "invalid_input"
	errTypeLoad           = "load_error"
	errTypeInference      = "inference_error"
	errTypeNotFound       = "not_found"
	errTypeUnavailable    = "unavailable"
	errTypeAuthentication = "authentication_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError writes the structured error payload.
func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ}})
}

// classify maps a service error onto an HTTP status and error type.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, errTypeInvalidInput
	case errors.Is(err, modality.ErrUnknown), errors.Is(err, model.ErrUnknownKey):
		return http.StatusBadRequest, errTypeConfiguration
	case errors.Is(err, transform.ErrUnreadable),
		errors.Is(err, imgproc.ErrDegenerate),
		errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest, errTypeInvalidInput
	case errors.Is(err, model.ErrLoad):
		return http.StatusInternalServerError, errTypeLoad
	case errors.Is(err, records.ErrNotFound), errors.Is(err, orchestrator.ErrNotPending):
		return http.StatusNotFound, errTypeNotFound
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable, errTypeUnavailable
	default:
		return http.StatusInternalServerError, errTypeInference
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, typ := classify(err)
	writeError(w, status, err.Error(), typ)
}
