package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationInsufficientFunds marks an account whose meter was cut for lack of funds.
const NotificationInsufficientFunds = "insufficient_funds"

// Account is a registered user's funds, debt and meter-owning identity.
// Funds and Borrowed are a cache of the ledger and change only through the store's
// atomic balance operations.
type Account struct {
	ID               string          `db:"id" json:"id"`
	Username         string          `db:"username" json:"username"`
	Email            string          `db:"email" json:"email"`
	Phone            string          `db:"phone" json:"phone"`
	FullName         string          `db:"full_name" json:"full_name"`
	Address          string          `db:"address" json:"address"`
	PasswordHash     string          `db:"password_hash" json:"-"`
	Role             string          `db:"role" json:"role"`
	Funds            decimal.Decimal `db:"funds" json:"funds"`
	Borrowed         decimal.Decimal `db:"borrowed" json:"borrowed"`
	MeterID          string          `db:"meter_id" json:"meter_id"`
	LastNotification string          `db:"last_notification" json:"last_notification,omitempty"`
	Disabled         bool            `db:"disabled" json:"disabled"`
	RegisteredAt     time.Time       `db:"registered_at" json:"registered_at"`
}

// HasDebt reports whether a borrowed amount is still outstanding.
func (a *Account) HasDebt() bool {
	return a.Borrowed.IsPositive()
}

// MeterStatus is the lifecycle state of a meter.
type MeterStatus string

const (
	MeterActive  MeterStatus = "active"
	MeterDeleted MeterStatus = "deleted"
)

// Meter aggregates the energy drawn by all appliances of one account.
type Meter struct {
	ID             string          `db:"id" json:"meter_id"`
	AccountID      string          `db:"account_id" json:"account_id"`
	Address        string          `db:"address" json:"address"`
	Status         MeterStatus     `db:"status" json:"status"`
	TotalEnergyKWh decimal.Decimal `db:"total_energy_kwh" json:"total_energy_kwh"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
