package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/service"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// AccountHandlers serves the authenticated account's views and appliance control.
type AccountHandlers struct {
	accounts *service.Accounts
	logger   *zap.Logger
}

// NewAccountHandlers returns handler struct.
func NewAccountHandlers(accounts *service.Accounts, logger *zap.Logger) *AccountHandlers {
	return &AccountHandlers{accounts: accounts, logger: logger}
}

// Me handles GET /accounts/me.
func (h *AccountHandlers) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	snap, err := h.accounts.Snapshot(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Delete handles DELETE /accounts/me.
func (h *AccountHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := h.accounts.RemoveAccount(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Appliances handles GET /accounts/me/appliances.
func (h *AccountHandlers) Appliances(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	appliances, err := h.accounts.Appliances(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appliances": appliances})
}

// SetApplianceState handles PUT /accounts/me/appliances/{applianceID}/state.
func (h *AccountHandlers) SetApplianceState(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		On *bool `json:"on"`
	}
	if err := decodeJSON(r, &req); err != nil || req.On == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"on\": true|false}")
		return
	}

	appliance, err := h.accounts.SetApplianceState(r.Context(), id, chi.URLParam(r, "applianceID"), *req.On)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appliance)
}

// Transactions handles GET /accounts/me/transactions?limit=.
func (h *AccountHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTransactionLimit)
	}

	txs, err := h.accounts.Transactions(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	records := make([]models.Record, 0, len(txs))
	for i := range txs {
		records = append(records, txs[i].Record())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": records})
}
