package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

const (
	borrowReason    = "emergency_credit"
	debtRepayReason = "debt_repay"
)

// FundingStore is the part of the store the funding operations need.
type FundingStore interface {
	BalanceStore
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	SetNotification(ctx context.Context, accountID, notification string) error
}

// WithdrawRequest carries the amount and the payout bank details.
type WithdrawRequest struct {
	Amount        decimal.Decimal
	BankName      string
	AccountNumber string
	AccountName   string
}

func (r WithdrawRequest) validate() error {
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.BankName) == "" {
		return invalid("bank_name", "required")
	}
	if strings.TrimSpace(r.AccountNumber) == "" {
		return invalid("account_number", "required")
	}
	if strings.TrimSpace(r.AccountName) == "" {
		return invalid("account_name", "required")
	}
	return nil
}

// FundResult reports a top-up and the debt repaid from it.
type FundResult struct {
	Fund      *models.Transaction `json:"fund"`
	DebtRepay *models.Transaction `json:"debt_repay,omitempty"`
	Funds     decimal.Decimal     `json:"funds"`
}

// Funding implements top-ups, emergency borrowing and withdrawals.
type Funding struct {
	store   FundingStore
	balance *BalanceController
	policy  *Policy
	locker  Locker
	clock   Clock
	logger  *zap.Logger
}

// NewFunding builds the funding operations. A nil locker falls back to an in-process one.
func NewFunding(store FundingStore, balance *BalanceController, policy *Policy, locker Locker, clock Clock, logger *zap.Logger) *Funding {
	if locker == nil {
		locker = newLocalLocker()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Funding{
		store:   store,
		balance: balance,
		policy:  policy,
		locker:  locker,
		clock:   clock,
		logger:  logger,
	}
}

func (f *Funding) activeAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := f.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Disabled {
		return nil, ErrAccountDisabled
	}
	return acc, nil
}

// Fund credits amount, records it and repays any outstanding debt from the new balance
// before it can be spent, then clears the insufficient-funds flag.
func (f *Funding) Fund(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*FundResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := f.activeAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := f.clock.Now()
	entry := models.NewTransaction(accountID, amount, models.FundMetadata{Reference: reference}, now)
	repay := models.NewTransaction(accountID, decimal.Zero, models.DebtRepayMetadata{Reason: debtRepayReason}, now)
	repaid, after, err := f.balance.FundWithRepay(ctx, accountID, amount, entry, repay)
	if err != nil {
		return nil, fmt.Errorf("fund: %w", err)
	}
	if err := f.store.SetNotification(ctx, accountID, ""); err != nil {
		f.logger.Warn("clear notification", zap.String("account_id", accountID), zap.Error(err))
	}

	result := &FundResult{Fund: entry, Funds: after}
	if repaid.IsPositive() {
		result.DebtRepay = repay
		f.logger.Info("debt repaid", zap.String("account_id", accountID), zap.String("amount", repaid.String()))
	}

	f.logger.Info("account funded",
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("funds", result.Funds.String()),
	)
	return result, nil
}

// DebtRepay moves min(funds, borrowed) out of both fields and records it. It returns a
// nil entry when there was nothing to repay.
func (f *Funding) DebtRepay(ctx context.Context, accountID string) (*models.Transaction, error) {
	repaid, after, err := f.store.RepayDebt(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !repaid.IsPositive() {
		return nil, nil
	}
	entry := models.NewTransaction(accountID, repaid, models.DebtRepayMetadata{Reason: debtRepayReason}, f.clock.Now())
	entry.BalanceAfter = after
	f.balance.Record(ctx, entry)

	f.logger.Info("debt repaid", zap.String("account_id", accountID), zap.String("amount", repaid.String()))
	return entry, nil
}

// Borrow advances the configured emergency credit to an empty, debt-free account that
// has been funded at least once.
func (f *Funding) Borrow(ctx context.Context, accountID string) (*models.Transaction, error) {
	acc, err := f.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !CanBorrow(acc) {
		return nil, ErrBorrowNotAllowed
	}
	funded, err := f.policy.HasFundedBefore(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !funded {
		return nil, ErrNeverFunded
	}

	amount := f.policy.Config().BorrowAmount
	entry := models.NewTransaction(accountID, amount, models.BorrowMetadata{Reason: borrowReason}, f.clock.Now())
	ok, err := f.balance.BorrowWithEntry(ctx, accountID, amount, entry)
	if err != nil {
		return nil, fmt.Errorf("borrow: %w", err)
	}
	if !ok {
		return nil, ErrBorrowNotAllowed
	}

	f.logger.Info("emergency credit advanced", zap.String("account_id", accountID), zap.String("amount", amount.String()))
	return entry, nil
}

// Withdraw pays out part of the account's own contributions. The eligibility checks and
// the debit run under the account lock so two withdrawals cannot both pass the cooldown.
func (f *Funding) Withdraw(ctx context.Context, accountID string, req WithdrawRequest) (*models.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock, err := f.locker.Lock(ctx, "withdraw:"+accountID)
	if err != nil {
		return nil, fmt.Errorf("withdraw: lock: %w", err)
	}
	defer unlock()

	acc, err := f.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	allowed, err := f.policy.CanWithdraw(ctx, acc)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrWithdrawNotAllowed
	}
	limit, err := f.policy.MaxWithdrawAmount(ctx, acc)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: requested %s, at most %s", ErrWithdrawLimit, req.Amount, limit)
	}

	meta := models.WithdrawMetadata{
		BankName:      strings.TrimSpace(req.BankName),
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		AccountName:   strings.TrimSpace(req.AccountName),
	}
	entry := models.NewTransaction(accountID, req.Amount, meta, f.clock.Now())
	ok, _, err := f.balance.DebitWithEntry(ctx, accountID, req.Amount, entry)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}

	f.logger.Info("withdrawal recorded", zap.String("account_id", accountID), zap.String("amount", req.Amount.String()))
	return entry, nil
}

var _ FundingStore = (repository.Store)(nil)
