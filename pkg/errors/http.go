package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrTimeout:            http.StatusGatewayTimeout,
	ErrMalformedFrame:     http.StatusBadRequest,
	ErrConnect:            http.StatusBadGateway,
	ErrSessionSetupFailed: http.StatusBadGateway,
	ErrSend:               http.StatusBadGateway,
	ErrSessionClosed:      http.StatusServiceUnavailable,
	ErrStreamClosed:       http.StatusGone,
	ErrUnknownTool:        http.StatusNotFound,
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for sentinel, code := range errorStatusCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}
