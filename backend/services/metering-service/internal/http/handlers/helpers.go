package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/http/middleware"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a single JSON object into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return id, ok
}

// writeServiceError maps service and repository errors to status codes.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		verr *service.ValidationError
		dup  *repository.DuplicateError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("%s already registered", dup.Field), "field": dup.Field})
	case errors.Is(err, service.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, service.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account disabled")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrBorrowNotAllowed),
		errors.Is(err, service.ErrNeverFunded),
		errors.Is(err, service.ErrWithdrawNotAllowed),
		errors.Is(err, service.ErrWithdrawLimit),
		errors.Is(err, service.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case repository.IsTransient(err):
		logger.Warn("store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
