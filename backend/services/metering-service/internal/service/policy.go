package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

const (
	DefaultWithdrawCooldownDays = 30
	DefaultWithdrawRatio        = 0.3
)

// PolicyConfig holds the tunables of the debt and withdrawal rules.
type PolicyConfig struct {
	BorrowAmount         decimal.Decimal
	WithdrawCooldownDays int
	WithdrawRatio        decimal.Decimal
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.WithdrawCooldownDays <= 0 {
		c.WithdrawCooldownDays = DefaultWithdrawCooldownDays
	}
	if !c.WithdrawRatio.IsPositive() {
		c.WithdrawRatio = decimal.NewFromFloat(DefaultWithdrawRatio)
	}
	return c
}

// Policy derives borrow and withdrawal eligibility from ledger aggregates. Nothing it
// decides on is cached.
type Policy struct {
	ledger *repository.Ledger
	clock  Clock
	cfg    PolicyConfig
}

// NewPolicy builds the policy over the two-tier ledger reader.
func NewPolicy(ledger *repository.Ledger, clock Clock, cfg PolicyConfig) *Policy {
	if clock == nil {
		clock = SystemClock()
	}
	return &Policy{ledger: ledger, clock: clock, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// CanBorrow reports whether the account has neither funds nor debt.
func CanBorrow(account *models.Account) bool {
	return account.Borrowed.IsZero() && account.Funds.IsZero()
}

// HasFundedBefore reports whether the account has at least one fund entry.
func (p *Policy) HasFundedBefore(ctx context.Context, accountID string) (bool, error) {
	return p.ledger.HasTransaction(ctx, accountID, models.TxFund)
}

// CanWithdraw is false within the cooldown after the last withdrawal, while debt is
// outstanding, or when there are no funds.
func (p *Policy) CanWithdraw(ctx context.Context, account *models.Account) (bool, error) {
	last, err := p.ledger.FindLatestTransaction(ctx, account.ID, models.TxWithdraw)
	switch {
	case err == nil:
		if wholeDays(p.clock.Now().Sub(last.Timestamp)) < p.cfg.WithdrawCooldownDays {
			return false, nil
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return false, err
	}
	return !account.HasDebt() && account.Funds.IsPositive(), nil
}

// MaxWithdrawAmount is min(ratio * (funded - debt repaid - withdrawn), funds), with the
// net contribution floored at zero.
func (p *Policy) MaxWithdrawAmount(ctx context.Context, account *models.Account) (decimal.Decimal, error) {
	funded, err := p.ledger.AggregateSum(ctx, account.ID, models.TxFund)
	if err != nil {
		return decimal.Zero, err
	}
	repaid, err := p.ledger.AggregateSum(ctx, account.ID, models.TxDebtRepay)
	if err != nil {
		return decimal.Zero, err
	}
	withdrawn, err := p.ledger.AggregateSum(ctx, account.ID, models.TxWithdraw)
	if err != nil {
		return decimal.Zero, err
	}
	available := decimal.Max(decimal.Zero, funded.Sub(repaid).Sub(withdrawn))
	allowed := p.cfg.WithdrawRatio.Mul(available)
	return decimal.Max(decimal.Zero, decimal.Min(allowed, account.Funds)), nil
}

// wholeDays truncates toward zero, so 29 days 23 hours counts as 29.
func wholeDays(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
