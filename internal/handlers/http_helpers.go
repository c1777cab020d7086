package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/middleware"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Details []string `json:"details,omitempty"`
}

// writeJSON encodes v as JSON with the provided status code and a JSON content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: msg}})
}

// statusFor maps a domain error kind onto the HTTP status clients see.
func statusFor(k models.Kind) int {
	switch k {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindValidationFailed, models.KindMediaConflict:
		return http.StatusBadRequest
	case models.KindImageValidationFailed:
		return http.StatusUnprocessableEntity
	case models.KindTokenUnavailable:
		return http.StatusPaymentRequired
	case models.KindStateConflict:
		return http.StatusConflict
	case models.KindExternalServiceFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeFailure renders err. Only domain errors expose their message; the cause and
// anything unexpected stay in the log.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var de *models.Error
	if !errors.As(err, &de) {
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	status := statusFor(de.Kind)
	if status >= http.StatusInternalServerError || de.Cause != nil {
		h.log.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", de.Code),
			zap.Error(de.Cause))
	}
	writeJSON(w, status, envelope{Error: &errorBody{
		Code:    de.Code,
		Message: de.Message,
		Field:   de.Field,
		Details: de.Details,
	}})
}

// pathVar returns the mux path var value (or empty string if missing).
func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// decodeJSON reads at most maxBodyBytes of JSON into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func badBody(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, models.CodeValidation, "request body is not valid JSON")
}

func userID(r *http.Request) string {
	return middleware.UserIDFrom(r.Context())
}
