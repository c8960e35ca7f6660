package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/service"
)

// AuthHandlers serves registration, login and logout.
type AuthHandlers struct {
	accounts *service.Accounts
	logger   *zap.Logger
}

// NewAuthHandlers returns handler struct.
func NewAuthHandlers(accounts *service.Accounts, logger *zap.Logger) *AuthHandlers {
	return &AuthHandlers{accounts: accounts, logger: logger}
}

// Register handles POST /auth/register.
func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	account, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// Login handles POST /auth/login.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      result.Token,
		"token_type": "Bearer",
		"account":    result.Account,
		"monitoring": result.Monitoring,
	})
}

// Logout handles POST /auth/logout.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	h.accounts.Logout(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}
