package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"mdquery/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var validation *domain.ValidationError
	var unsupported *domain.UnsupportedFeatureError
	var compilation *domain.CompilationError
	var execution *domain.ExecutionError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unsupported), errors.As(err, &compilation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &execution):
		return http.StatusBadGateway
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Code: status, Message: message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, httpStatusFromDomainError(err), err.Error())
}
