package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vburojevic/wvctx/internal/domain"
)

// JSON wire protocol status codes.
const (
	statusSuccess        = 0
	statusNoSuchSession  = 6
	statusUnknownCommand = 9
	statusUnknownError   = 13
	statusNoSuchContext  = 35
)

type wireResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	Status    int    `json:"status"`
	Value     any    `json:"value"`
}

type wireError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeValue(w http.ResponseWriter, sessionID string, value any) {
	writeJSON(w, http.StatusOK, wireResponse{SessionID: sessionID, Status: statusSuccess, Value: value})
}

func writeStatus(w http.ResponseWriter, httpCode, status int, sessionID, message string) {
	writeJSON(w, httpCode, wireResponse{SessionID: sessionID, Status: status, Value: wireError{Message: message}})
}

// writeError maps core errors to wire statuses.
func writeError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, domain.ErrNoSuchContext):
		writeStatus(w, http.StatusBadRequest, statusNoSuchContext, sessionID, err.Error())
	case errors.Is(err, domain.ErrProxyNotActive):
		writeStatus(w, http.StatusNotImplemented, statusUnknownCommand, sessionID, err.Error())
	default:
		writeStatus(w, http.StatusInternalServerError, statusUnknownError, sessionID, err.Error())
	}
}
