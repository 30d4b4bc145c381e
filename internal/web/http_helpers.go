package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inercia/bulwark/internal/auth"
	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/scanner"
)

// writeJSON writes a JSON response with the given status code.
// It sets the Content-Type header to application/json.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeJSONOK writes a JSON response with status 200 OK.
func writeJSONOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

// writeJSONCreated writes a JSON response with status 201 Created.
func writeJSONCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, data)
}

// writeErrorJSON writes a {"error", "message"} body with the given status.
func writeErrorJSON(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// writeError maps err to a status code and writes it. Every handler reports
// failures through here.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeErrorJSON(w, status, code, err.Error())
}

// errorStatus returns the HTTP status and error code for err.
func errorStatus(err error) (int, string) {
	var (
		fwValidation   *firewall.ValidationError
		scanValidation *scanner.ValidationError
		resolution     *firewall.ResolutionError
	)
	switch {
	case errors.As(err, &fwValidation), errors.As(err, &scanValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, policy.ErrInvalid):
		return http.StatusBadRequest, "invalid_policy"
	case errors.As(err, &resolution):
		return http.StatusUnprocessableEntity, "resolution_failed"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, capture.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, capture.ErrPermission):
		return http.StatusForbidden, "capture_permission"
	case errors.Is(err, capture.ErrNoInterfaces), errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable, "capture_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// parseJSONBody decodes the request body as JSON into the given value.
// Returns true if successful, false if there was an error (error response already sent).
// An empty body leaves v unchanged.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return false
		}
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}
