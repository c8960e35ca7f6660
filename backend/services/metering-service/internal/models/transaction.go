package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of ledger entry kinds.
type TransactionType string

const (
	TxFund      TransactionType = "fund"
	TxDeduction TransactionType = "deduction"
	TxWithdraw  TransactionType = "withdraw"
	TxBorrow    TransactionType = "borrow"
	TxDebtRepay TransactionType = "debt_repay"
)

// TransactionTypes lists every ledger entry kind.
func TransactionTypes() []TransactionType {
	return []TransactionType{TxFund, TxDeduction, TxWithdraw, TxBorrow, TxDebtRepay}
}

// Valid reports whether t is one of the known kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TxFund, TxDeduction, TxWithdraw, TxBorrow, TxDebtRepay:
		return true
	}
	return false
}

// Transaction is an immutable ledger fact. Amount is always a positive magnitude;
// the Type says which way it moved the balance. BalanceAfter is an audit snapshot only.
type Transaction struct {
	Seq          int64           `db:"seq"`
	ID           uuid.UUID       `db:"id"`
	AccountID    string          `db:"account_id"`
	Type         TransactionType `db:"type"`
	Amount       decimal.Decimal `db:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after"`
	Metadata     Metadata        `db:"metadata"`
	Timestamp    time.Time       `db:"timestamp"`
}

// NewTransaction builds a ledger entry of the kind carried by meta.
func NewTransaction(accountID string, amount decimal.Decimal, meta Metadata, at time.Time) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      meta.Kind(),
		Amount:    amount,
		Metadata:  meta,
		Timestamp: at.UTC(),
	}
}

// Record is the persisted interchange shape consumed by reporting and export tools.
type Record struct {
	ID           string            `json:"id,omitempty"`
	AccountID    string            `json:"account_id"`
	Type         TransactionType   `json:"type"`
	Amount       decimal.Decimal   `json:"amount"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	Metadata     map[string]string `json:"metadata"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Record converts the transaction to its interchange shape.
func (t Transaction) Record() Record {
	var fields map[string]string
	if t.Metadata != nil {
		fields = t.Metadata.Fields()
	}
	if fields == nil {
		fields = map[string]string{}
	}
	rec := Record{
		AccountID:    t.AccountID,
		Type:         t.Type,
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Metadata:     fields,
		Timestamp:    t.Timestamp,
	}
	if t.ID != uuid.Nil {
		rec.ID = t.ID.String()
	}
	return rec
}

// MarshalJSON encodes the transaction as a Record.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Record())
}

// UnmarshalJSON decodes a Record and rebuilds the typed metadata.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	meta, err := DecodeMetadata(rec.Type, rec.Metadata)
	if err != nil {
		return err
	}
	var id uuid.UUID
	if rec.ID != "" {
		if id, err = uuid.Parse(rec.ID); err != nil {
			return fmt.Errorf("transaction id: %w", err)
		}
	}
	*t = Transaction{
		ID:           id,
		AccountID:    rec.AccountID,
		Type:         rec.Type,
		Amount:       rec.Amount,
		BalanceAfter: rec.BalanceAfter,
		Metadata:     meta,
		Timestamp:    rec.Timestamp,
	}
	return nil
}
