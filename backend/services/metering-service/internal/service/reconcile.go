package service

import (
	"context"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

// Reconciliation compares the cached balance fields with a replay of the ledger.
type Reconciliation struct {
	AccountID        string                                     `json:"account_id"`
	Funds            decimal.Decimal                            `json:"funds"`
	Borrowed         decimal.Decimal                            `json:"borrowed"`
	ExpectedFunds    decimal.Decimal                            `json:"expected_funds"`
	ExpectedBorrowed decimal.Decimal                            `json:"expected_borrowed"`
	FundsDrift       decimal.Decimal                            `json:"funds_drift"`
	BorrowedDrift    decimal.Decimal                            `json:"borrowed_drift"`
	Totals           map[models.TransactionType]decimal.Decimal `json:"totals"`
}

// Consistent reports whether the cache matches the ledger exactly.
func (r *Reconciliation) Consistent() bool {
	return r.FundsDrift.IsZero() && r.BorrowedDrift.IsZero()
}

// Reconciler replays the ledger of an account.
type Reconciler struct {
	accounts repository.AccountStore
	ledger   *repository.Ledger
}

// NewReconciler builds a reconciler.
func NewReconciler(accounts repository.AccountStore, ledger *repository.Ledger) *Reconciler {
	return &Reconciler{accounts: accounts, ledger: ledger}
}

// Reconcile computes
//
//	funds    = fund + borrow - deduction - withdraw - debt_repay
//	borrowed = borrow - debt_repay
//
// from the ledger and reports the drift of the cached fields. Any non-zero drift points
// at a balance change whose ledger append was lost.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	acc, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	totals := make(map[models.TransactionType]decimal.Decimal, len(models.TransactionTypes()))
	for _, t := range models.TransactionTypes() {
		sum, err := r.ledger.AggregateSum(ctx, accountID, t)
		if err != nil {
			return nil, err
		}
		totals[t] = sum
	}

	expectedFunds := totals[models.TxFund].
		Add(totals[models.TxBorrow]).
		Sub(totals[models.TxDeduction]).
		Sub(totals[models.TxWithdraw]).
		Sub(totals[models.TxDebtRepay])
	expectedBorrowed := totals[models.TxBorrow].Sub(totals[models.TxDebtRepay])

	return &Reconciliation{
		AccountID:        accountID,
		Funds:            acc.Funds,
		Borrowed:         acc.Borrowed,
		ExpectedFunds:    expectedFunds,
		ExpectedBorrowed: expectedBorrowed,
		FundsDrift:       acc.Funds.Sub(expectedFunds),
		BorrowedDrift:    acc.Borrowed.Sub(expectedBorrowed),
		Totals:           totals,
	}, nil
}
