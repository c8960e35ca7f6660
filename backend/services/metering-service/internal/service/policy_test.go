package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
)

func (f *fixture) appendEntry(t *testing.T, accountID string, amount string, meta models.Metadata, at time.Time) {
	t.Helper()
	entry := models.NewTransaction(accountID, decimal.RequireFromString(amount), meta, at)
	if err := f.store.AppendTransaction(context.Background(), entry); err != nil {
		t.Fatalf("AppendTransaction() error: %v", err)
	}
}

func TestCanBorrow(t *testing.T) {
	tests := []struct {
		funds, borrowed string
		want            bool
	}{
		{"0", "0", true},
		{"0.01", "0", false},
		{"0", "500", false},
		{"10", "500", false},
	}
	for _, tt := range tests {
		acc := &models.Account{Funds: decimal.RequireFromString(tt.funds), Borrowed: decimal.RequireFromString(tt.borrowed)}
		if got := CanBorrow(acc); got != tt.want {
			t.Errorf("CanBorrow(funds=%s, borrowed=%s) = %v, want %v", tt.funds, tt.borrowed, got, tt.want)
		}
	}
}

func TestBorrowRequiresPriorFunding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	acc := f.addAccount(t, "a1", "0", "0")

	if !CanBorrow(acc) {
		t.Fatal("fresh account should pass the balance check")
	}
	funded, err := f.policy.HasFundedBefore(ctx, "a1")
	if err != nil || funded {
		t.Fatalf("HasFundedBefore() = %v, %v; want false", funded, err)
	}
	if _, err := f.funding.Borrow(ctx, "a1"); !errors.Is(err, ErrNeverFunded) {
		t.Fatalf("Borrow() error = %v, want ErrNeverFunded", err)
	}
	got := f.account(t, "a1")
	if !got.Funds.IsZero() || !got.Borrowed.IsZero() {
		t.Errorf("refused borrow changed balances: funds=%s borrowed=%s", got.Funds, got.Borrowed)
	}
}

func TestMaxWithdrawAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	acc := f.addAccount(t, "a1", "1600", "0")
	now := f.clock.Now()
	f.appendEntry(t, "a1", "1000", models.FundMetadata{}, now.Add(-48*time.Hour))
	f.appendEntry(t, "a1", "1000", models.FundMetadata{}, now.Add(-24*time.Hour))
	f.appendEntry(t, "a1", "400", models.DebtRepayMetadata{Reason: debtRepayReason}, now.Add(-24*time.Hour))

	got, err := f.policy.MaxWithdrawAmount(ctx, acc)
	if err != nil {
		t.Fatalf("MaxWithdrawAmount() error: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(480)) {
		t.Errorf("MaxWithdrawAmount() = %s, want 480", got)
	}

	acc.Funds = decimal.NewFromInt(100)
	got, _ = f.policy.MaxWithdrawAmount(ctx, acc)
	if !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("MaxWithdrawAmount() capped by funds = %s, want 100", got)
	}
}

func TestMaxWithdrawAmountFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	acc := f.addAccount(t, "a1", "50", "0")
	now := f.clock.Now()
	f.appendEntry(t, "a1", "100", models.FundMetadata{}, now)
	f.appendEntry(t, "a1", "150", models.WithdrawMetadata{BankName: "b", AccountNumber: "1", AccountName: "n"}, now)

	got, err := f.policy.MaxWithdrawAmount(ctx, acc)
	if err != nil {
		t.Fatalf("MaxWithdrawAmount() error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("MaxWithdrawAmount() = %s, want 0", got)
	}
}

func TestCanWithdrawCooldown(t *testing.T) {
	tests := []struct {
		name string
		ago  time.Duration
		want bool
	}{
		{"ten days", 10 * 24 * time.Hour, false},
		{"just under thirty days", 30*24*time.Hour - time.Hour, false},
		{"thirty days", 30 * 24 * time.Hour, true},
		{"ninety days", 90 * 24 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			acc := f.addAccount(t, "a1", "500", "0")
			f.appendEntry(t, "a1", "10", models.WithdrawMetadata{BankName: "b", AccountNumber: "1", AccountName: "n"}, f.clock.Now().Add(-tt.ago))

			got, err := f.policy.CanWithdraw(context.Background(), acc)
			if err != nil {
				t.Fatalf("CanWithdraw() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanWithdraw() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanWithdrawBalanceRules(t *testing.T) {
	tests := []struct {
		name            string
		funds, borrowed string
		want            bool
	}{
		{"funded, no history", "100", "0", true},
		{"outstanding debt", "100", "50", false},
		{"empty", "0", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			acc := f.addAccount(t, "a1", tt.funds, tt.borrowed)
			got, err := f.policy.CanWithdraw(context.Background(), acc)
			if err != nil {
				t.Fatalf("CanWithdraw() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanWithdraw() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWholeDays(t *testing.T) {
	if got := wholeDays(29*24*time.Hour + 23*time.Hour); got != 29 {
		t.Errorf("wholeDays(29d23h) = %d, want 29", got)
	}
	if got := wholeDays(-time.Hour); got != 0 {
		t.Errorf("wholeDays(-1h) = %d, want 0", got)
	}
}
