// Package api provides HTTP response utilities for Mada.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures
var (
	fallbackErrorResponse []byte
	fallbackTwiML         []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	doc, err := telephony.NewTwiMLRenderer("").Render(telephony.Directive{Kind: telephony.DirectiveHangup})
	if err != nil {
		panic(fmt.Sprintf("Failed to render fallback TwiML at startup: %v", err))
	}
	fallbackTwiML = []byte(doc)
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
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

// statusForError maps the error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidPatient):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as an error envelope. Internal errors are logged and
// their detail withheld from the caller.
func writeError(w http.ResponseWriter, op string, err error) {
	code := statusForError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		msg = "Internal server error"
	} else {
		slog.Warn("Server."+op+": request rejected", "status", code, "error", err)
	}
	writeJSONResponse(w, code, models.Error(msg))
}

// writeTwiML renders d and writes it with status 200.
func (s *Server) writeTwiML(w http.ResponseWriter, d telephony.Directive) {
	body := fallbackTwiML
	if doc, err := s.renderer.Render(d); err != nil {
		slog.Error("Server.writeTwiML: render failed", "kind", d.Kind, "error", err)
	} else {
		body = []byte(doc)
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeTwiML: failed to write TwiML", "error", err)
	}
}
