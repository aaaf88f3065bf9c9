package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"baliseregistry/internal/service"
)

type errorResponse struct {
	Error    string `json:"error"`
	Reason   string `json:"reason,omitempty"`
	LockedBy string `json:"lockedBy,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrVersionNotFound),
		errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrNoConfirmedVersion):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrConcurrentModification):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *BaliseHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if conflict, ok := service.AsLockConflict(err); ok {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:    conflict.Error(),
			Reason:   string(conflict.Kind),
			LockedBy: conflict.Owner,
		})
		return
	}

	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeMessage(w, code, "internal server error")
		return
	}

	writeMessage(w, code, err.Error())
}
