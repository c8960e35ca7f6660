package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/metrics"
	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

// BalanceStore is the part of the store the controller needs.
type BalanceStore interface {
	repository.BalanceStore
	AppendTransaction(ctx context.Context, tx *models.Transaction) error
}

// BalanceController owns every change to an account's funds. Debits are single
// conditional updates in the store; no lock is held in this process.
type BalanceController struct {
	store  BalanceStore
	atomic repository.AtomicRecorder
	logger *zap.Logger
}

// NewBalanceController builds the controller. When store also implements
// repository.AtomicRecorder, a balance change and its ledger entry commit together.
func NewBalanceController(store BalanceStore, logger *zap.Logger) *BalanceController {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BalanceController{store: store, logger: logger}
	if rec, ok := store.(repository.AtomicRecorder); ok {
		b.atomic = rec
	}
	return b
}

// TryDebit decrements funds by amount only when they cover it. prior is the balance
// before the debit; a refusal is reported as ok=false with a nil error.
func (b *BalanceController) TryDebit(ctx context.Context, accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return false, decimal.Zero, ErrInvalidAmount
	}
	return b.store.TryDebit(ctx, accountID, amount)
}

// Credit increments funds and returns the balance after.
func (b *BalanceController) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return b.store.Credit(ctx, accountID, amount)
}

// DebitWithEntry debits amount and appends entry with balance_after = prior - amount.
// Nothing is appended when the debit is refused.
func (b *BalanceController) DebitWithEntry(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return false, decimal.Zero, ErrInvalidAmount
	}
	if b.atomic != nil {
		ok, prior, err := b.atomic.DebitAndAppend(ctx, accountID, amount, entry)
		if err == nil && ok {
			metrics.Transactions.WithLabelValues(string(entry.Type)).Inc()
		}
		return ok, prior, err
	}

	ok, prior, err := b.store.TryDebit(ctx, accountID, amount)
	if err != nil || !ok {
		return ok, prior, err
	}
	entry.BalanceAfter = prior.Sub(amount)
	b.Record(ctx, entry)
	return true, prior, nil
}

// CreditWithEntry credits amount and appends entry with the resulting balance.
func (b *BalanceController) CreditWithEntry(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if b.atomic != nil {
		after, err := b.atomic.CreditAndAppend(ctx, accountID, amount, entry)
		if err == nil {
			metrics.Transactions.WithLabelValues(string(entry.Type)).Inc()
		}
		return after, err
	}

	after, err := b.store.Credit(ctx, accountID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = after
	b.Record(ctx, entry)
	return after, nil
}

// FundWithRepay credits amount with its fund entry and repays outstanding debt from it
// before anything else can spend it. repay is filled in and appended only when a
// positive amount was repaid.
//
// Without an AtomicRecorder the two steps are separate store calls. A repayment failure
// after the credit is logged and not returned; the debt stays for the next top-up.
func (b *BalanceController) FundWithRepay(ctx context.Context, accountID string, amount decimal.Decimal, fund, repay *models.Transaction) (repaid, fundsAfter decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	if b.atomic != nil {
		repaid, fundsAfter, err = b.atomic.FundAndRepay(ctx, accountID, amount, fund, repay)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		metrics.Transactions.WithLabelValues(string(fund.Type)).Inc()
		if repaid.IsPositive() {
			metrics.Transactions.WithLabelValues(string(repay.Type)).Inc()
		}
		return repaid, fundsAfter, nil
	}

	fundsAfter, err = b.CreditWithEntry(ctx, accountID, amount, fund)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	repaid, after, err := b.store.RepayDebt(ctx, accountID)
	if err != nil {
		b.logger.Warn("debt repayment after top-up failed, retried on the next top-up",
			zap.String("account_id", accountID),
			zap.String("funded", amount.String()),
			zap.Error(err),
		)
		return decimal.Zero, fundsAfter, nil
	}
	if !repaid.IsPositive() {
		return decimal.Zero, after, nil
	}
	repay.Amount = repaid
	repay.BalanceAfter = after
	b.Record(ctx, repay)
	return repaid, after, nil
}

// BorrowWithEntry sets funds and borrowed to amount when both are zero and appends
// entry. Nothing is appended when the borrow is refused.
func (b *BalanceController) BorrowWithEntry(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, error) {
	if !amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	if b.atomic != nil {
		ok, err := b.atomic.BorrowAndAppend(ctx, accountID, amount, entry)
		if err == nil && ok {
			metrics.Transactions.WithLabelValues(string(entry.Type)).Inc()
		}
		return ok, err
	}

	ok, err := b.store.ApplyBorrow(ctx, accountID, amount)
	if err != nil || !ok {
		return ok, err
	}
	entry.BalanceAfter = amount
	b.Record(ctx, entry)
	return true, nil
}

// Record appends an entry for a balance change that has already been applied. The
// change stays authoritative when the append fails; the gap is logged and counted so
// Reconcile can find it.
func (b *BalanceController) Record(ctx context.Context, entry *models.Transaction) {
	if err := b.store.AppendTransaction(context.WithoutCancel(ctx), entry); err != nil {
		metrics.LedgerAuditGaps.Inc()
		b.logger.Error("ledger append failed after balance change",
			zap.String("account_id", entry.AccountID),
			zap.String("type", string(entry.Type)),
			zap.String("amount", entry.Amount.String()),
			zap.String("transaction_id", entry.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.Transactions.WithLabelValues(string(entry.Type)).Inc()
}
