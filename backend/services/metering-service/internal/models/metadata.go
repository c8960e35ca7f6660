package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Metadata is the kind-specific payload of a ledger entry. Each transaction type has
// exactly one metadata type, so the fields a kind requires are known statically.
type Metadata interface {
	Kind() TransactionType
	Fields() map[string]string
}

// FundMetadata accompanies a top-up.
type FundMetadata struct {
	Reference string
}

func (FundMetadata) Kind() TransactionType { return TxFund }

func (m FundMetadata) Fields() map[string]string {
	return map[string]string{"reference": m.Reference}
}

// DeductionMetadata accompanies a per-tick energy debit.
type DeductionMetadata struct {
	ApplianceID string
	EnergyKWh   decimal.Decimal
}

func (DeductionMetadata) Kind() TransactionType { return TxDeduction }

func (m DeductionMetadata) Fields() map[string]string {
	return map[string]string{
		"appliance_id": m.ApplianceID,
		"energy_kwh":   m.EnergyKWh.String(),
	}
}

// WithdrawMetadata carries the payout bank details.
type WithdrawMetadata struct {
	BankName      string
	AccountNumber string
	AccountName   string
}

func (WithdrawMetadata) Kind() TransactionType { return TxWithdraw }

func (m WithdrawMetadata) Fields() map[string]string {
	return map[string]string{
		"bank_name":      m.BankName,
		"account_number": m.AccountNumber,
		"account_name":   m.AccountName,
	}
}

// BorrowMetadata accompanies an emergency credit advance.
type BorrowMetadata struct {
	Reason string
}

func (BorrowMetadata) Kind() TransactionType { return TxBorrow }

func (m BorrowMetadata) Fields() map[string]string {
	return map[string]string{"reason": m.Reason}
}

// DebtRepayMetadata accompanies an automatic repayment from new funds.
type DebtRepayMetadata struct {
	Reason string
}

func (DebtRepayMetadata) Kind() TransactionType { return TxDebtRepay }

func (m DebtRepayMetadata) Fields() map[string]string {
	return map[string]string{"reason": m.Reason}
}

// DecodeMetadata rebuilds typed metadata from its persisted field map.
func DecodeMetadata(kind TransactionType, fields map[string]string) (Metadata, error) {
	switch kind {
	case TxFund:
		return FundMetadata{Reference: fields["reference"]}, nil
	case TxDeduction:
		energy := decimal.Zero
		if raw := fields["energy_kwh"]; raw != "" {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("deduction metadata: energy_kwh: %w", err)
			}
			energy = parsed
		}
		return DeductionMetadata{ApplianceID: fields["appliance_id"], EnergyKWh: energy}, nil
	case TxWithdraw:
		return WithdrawMetadata{
			BankName:      fields["bank_name"],
			AccountNumber: fields["account_number"],
			AccountName:   fields["account_name"],
		}, nil
	case TxBorrow:
		return BorrowMetadata{Reason: fields["reason"]}, nil
	case TxDebtRepay:
		return DebtRepayMetadata{Reason: fields["reason"]}, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", kind)
	}
}
