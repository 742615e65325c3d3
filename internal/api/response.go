package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mapagov/helena/internal/flow"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/orchestrator"
	"github.com/mapagov/helena/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors are caught before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a JSON body into dst and validates its struct tags.
// On failure it writes a 400 and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Server.decodeJSON: invalid JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		slog.Warn("Server.decodeJSON: validation failed", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return false
	}
	return true
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return "Validation failed: " + strings.Join(parts, ", ")
}

// writeError maps domain errors to HTTP statuses. Internal detail is only
// included in development mode.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusInternalServerError, "Internal server error"
	var cfg *flow.ConfigurationError
	switch {
	case errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMessageTooLong),
		errors.Is(err, models.ErrIdentifierTooLong):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		status, message = http.StatusNotFound, "Session not found"
	case errors.Is(err, orchestrator.ErrSessionClosed):
		status, message = http.StatusConflict, "Session is closed"
	case errors.Is(err, orchestrator.ErrRequestConflict):
		status, message = http.StatusConflict, "Request id already used in another session"
	case errors.Is(err, store.ErrConflict):
		status, message = http.StatusConflict, "Concurrent modification, please retry"
	case errors.As(err, &cfg):
		message = "Internal configuration error"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Warn("Server.writeError: request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	if s.opts.DevMode && status >= http.StatusInternalServerError {
		writeJSONResponse(w, status, models.ErrorWithDetail(message, err.Error()))
		return
	}
	writeJSONResponse(w, status, models.Error(message))
}
