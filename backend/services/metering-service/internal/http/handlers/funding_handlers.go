package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/service"
)

// FundingHandlers serves top-ups, emergency credit and withdrawals.
type FundingHandlers struct {
	funding *service.Funding
	logger  *zap.Logger
}

// NewFundingHandlers returns handler struct.
func NewFundingHandlers(funding *service.Funding, logger *zap.Logger) *FundingHandlers {
	return &FundingHandlers{funding: funding, logger: logger}
}

// Fund handles POST /accounts/me/fund.
func (h *FundingHandlers) Fund(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.funding.Fund(r.Context(), id, req.Amount, req.Reference)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	resp := map[string]interface{}{
		"fund":  result.Fund.Record(),
		"funds": result.Funds,
	}
	if result.DebtRepay != nil {
		resp["debt_repay"] = result.DebtRepay.Record()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Borrow handles POST /accounts/me/borrow.
func (h *FundingHandlers) Borrow(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	entry, err := h.funding.Borrow(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"borrow": entry.Record()})
}

// Withdraw handles POST /accounts/me/withdraw.
func (h *FundingHandlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount        decimal.Decimal `json:"amount"`
		BankName      string          `json:"bank_name"`
		AccountNumber string          `json:"account_number"`
		AccountName   string          `json:"account_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entry, err := h.funding.Withdraw(r.Context(), id, service.WithdrawRequest{
		Amount:        req.Amount,
		BankName:      req.BankName,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdraw": entry.Record()})
}
