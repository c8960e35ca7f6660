// Package repository defines the ledger store contract shared by the memory, Postgres
// and Mongo backends, plus the two-tier read path used for policy decisions.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
)

var (
	// ErrNotFound represents a missing row or document.
	ErrNotFound = errors.New("repository: not found")
	// ErrAlreadyExists is returned when a unique field is taken.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrStoreUnavailable marks transient store failures (timeouts, lost connections).
	ErrStoreUnavailable = errors.New("repository: store unavailable")
	// ErrQueryFailed marks a sorted or aggregated query the backend could not serve.
	ErrQueryFailed = errors.New("repository: query failed")
)

// DuplicateError names the unique account field that collided on registration.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("repository: %s already registered", e.Field)
}

// Is makes DuplicateError match ErrAlreadyExists.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// IsTransient reports whether err is a StoreUnavailable/Timeout class failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrQueryFailed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AccountStore persists accounts together with their meter and appliances.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.Account, meter *models.Meter, appliances []models.Appliance) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	SetNotification(ctx context.Context, accountID, notification string) error
	// DisableAccount soft-disables the account, marks its meter deleted and removes
	// its appliances. The account and meter rows are retained for audit.
	DisableAccount(ctx context.Context, accountID string) error
}

// MeterStore reads meters and accumulates their energy totals.
type MeterStore interface {
	GetMeter(ctx context.Context, meterID string) (*models.Meter, error)
	IncrementMeterEnergy(ctx context.Context, meterID string, kwh decimal.Decimal) error
}

// ApplianceStore reads and mutates appliance state.
type ApplianceStore interface {
	GetAppliancesByMeter(ctx context.Context, meterID string) ([]models.Appliance, error)
	GetAppliance(ctx context.Context, applianceID string) (*models.Appliance, error)
	UpdateApplianceState(ctx context.Context, applianceID string, update models.ApplianceStateUpdate) error
	IncrementApplianceEnergy(ctx context.Context, applianceID string, kwh decimal.Decimal) error
	// TurnOffAll switches every appliance of the meter off and releases manual control.
	TurnOffAll(ctx context.Context, meterID string) error
}

// BalanceStore holds the atomic conditional updates over an account's funds.
type BalanceStore interface {
	// TryDebit decrements funds by amount only if funds >= amount, in one operation.
	// It returns the balance before the debit; ok is false and nothing changes when
	// funds are insufficient.
	TryDebit(ctx context.Context, accountID string, amount decimal.Decimal) (ok bool, prior decimal.Decimal, err error)
	// Credit atomically increments funds and returns the balance after.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)
	// ApplyBorrow sets funds and borrowed to amount only if both are currently zero.
	ApplyBorrow(ctx context.Context, accountID string, amount decimal.Decimal) (bool, error)
	// RepayDebt moves min(funds, borrowed) out of both fields and returns that amount
	// together with the funds left.
	RepayDebt(ctx context.Context, accountID string) (repaid, fundsAfter decimal.Decimal, err error)
}

// AtomicRecorder is implemented by stores that can make a balance change and its
// ledger entry one atomic unit. The store fills entry.BalanceAfter.
type AtomicRecorder interface {
	DebitAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (ok bool, prior decimal.Decimal, err error)
	CreditAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (decimal.Decimal, error)
	// FundAndRepay credits amount and appends fund, then moves min(funds, borrowed) out of
	// both fields and appends repay when that is positive. Nothing can spend the credit
	// in between. The store fills fund.BalanceAfter, repay.Amount and repay.BalanceAfter.
	FundAndRepay(ctx context.Context, accountID string, amount decimal.Decimal, fund, repay *models.Transaction) (repaid, fundsAfter decimal.Decimal, err error)
	// BorrowAndAppend applies ApplyBorrow and appends entry with it. Nothing is appended
	// when the borrow is refused.
	BorrowAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, error)
}

// LedgerStore is the append-only transaction log.
//
// SumByType, LatestByType and ListTransactions are the indexed tier and may fail when
// the backend cannot aggregate or sort. ScanTransactions is the bounded, unsorted tier
// that only filters and must keep working without any index.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx *models.Transaction) error
	SumByType(ctx context.Context, accountID string, txType models.TransactionType) (decimal.Decimal, error)
	LatestByType(ctx context.Context, accountID string, txType models.TransactionType) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
	HasTransaction(ctx context.Context, accountID string, txType models.TransactionType) (bool, error)
	// ScanTransactions returns at most limit entries in storage order, with no sort
	// applied. An empty txType matches every kind and a non-positive limit means all.
	ScanTransactions(ctx context.Context, accountID string, txType models.TransactionType, limit int) ([]models.Transaction, error)
}

// Store is implemented by every backend.
type Store interface {
	AccountStore
	MeterStore
	ApplianceStore
	BalanceStore
	LedgerStore
	Ping(ctx context.Context) error
	Close() error
}
