package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is the business outcome of a refused debit.
	ErrInsufficientFunds = errors.New("metering: insufficient funds")
	// ErrBorrowNotAllowed is returned when funds or debt are not both zero.
	ErrBorrowNotAllowed = errors.New("metering: borrowing requires zero funds and no outstanding debt")
	// ErrNeverFunded blocks borrowing on accounts without any top-up.
	ErrNeverFunded = errors.New("metering: account has never been funded")
	// ErrWithdrawNotAllowed covers the cooldown, outstanding debt and empty balance.
	ErrWithdrawNotAllowed = errors.New("metering: withdrawal not allowed")
	// ErrWithdrawLimit is returned when the amount exceeds the withdrawable maximum.
	ErrWithdrawLimit = errors.New("metering: amount exceeds withdrawal limit")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("metering: amount must be positive")
	// ErrInvalidCredentials represents login failure.
	ErrInvalidCredentials = errors.New("metering: invalid credentials")
	// ErrAccountDisabled is returned for removed accounts.
	ErrAccountDisabled = errors.New("metering: account disabled")
	// ErrLeaseHeld means another replica is already metering the account.
	ErrLeaseHeld = errors.New("metering: monitor lease held elsewhere")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("metering: invalid %s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
