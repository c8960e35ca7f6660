package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

func seedAccount(t *testing.T, s *Store, id string, funds int64) {
	t.Helper()
	acc := &models.Account{
		ID:       id,
		Username: "user-" + id,
		Email:    id + "@example.com",
		Phone:    "+234" + id,
		Address:  id + " Allen Avenue",
		Funds:    decimal.NewFromInt(funds),
		MeterID:  "MTR-" + id,
	}
	meter := &models.Meter{ID: acc.MeterID, AccountID: id, Status: models.MeterActive}
	appliances := []models.Appliance{
		{ID: "APL-" + id + "-1", MeterID: acc.MeterID, Type: models.ApplianceFan, PowerRatingW: 60},
		{ID: "APL-" + id + "-2", MeterID: acc.MeterID, Type: models.ApplianceTV, PowerRatingW: 120},
	}
	if err := s.CreateAccount(context.Background(), acc, meter, appliances); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
}

func TestCreateAccountRejectsDuplicates(t *testing.T) {
	s := New()
	seedAccount(t, s, "a1", 0)

	tests := []struct {
		name  string
		acc   models.Account
		field string
	}{
		{"email", models.Account{ID: "x1", Email: "A1@example.com", Phone: "1", Username: "u1", Address: "ad1"}, "email"},
		{"phone", models.Account{ID: "x2", Email: "x2@e", Phone: "+234a1", Username: "u2", Address: "ad2"}, "phone"},
		{"username", models.Account{ID: "x3", Email: "x3@e", Phone: "3", Username: "user-a1", Address: "ad3"}, "username"},
		{"address", models.Account{ID: "x4", Email: "x4@e", Phone: "4", Username: "u4", Address: "a1 Allen Avenue"}, "address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := tt.acc
			err := s.CreateAccount(context.Background(), &acc, &models.Meter{ID: "MTR-" + acc.ID}, nil)
			var dup *repository.DuplicateError
			if !errors.As(err, &dup) {
				t.Fatalf("CreateAccount() error = %v, want DuplicateError", err)
			}
			if dup.Field != tt.field {
				t.Errorf("Field = %q, want %q", dup.Field, tt.field)
			}
			if !errors.Is(err, repository.ErrAlreadyExists) {
				t.Error("DuplicateError should match ErrAlreadyExists")
			}
		})
	}
}

func TestTryDebit(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 10)

	ok, prior, err := s.TryDebit(ctx, "a1", decimal.NewFromInt(4))
	if err != nil || !ok {
		t.Fatalf("TryDebit() = %v, %v", ok, err)
	}
	if !prior.Equal(decimal.NewFromInt(10)) {
		t.Errorf("prior = %s, want 10", prior)
	}

	ok, prior, err = s.TryDebit(ctx, "a1", decimal.NewFromInt(7))
	if err != nil {
		t.Fatalf("TryDebit() error: %v", err)
	}
	if ok {
		t.Fatal("TryDebit() should fail when funds are insufficient")
	}
	if !prior.Equal(decimal.NewFromInt(6)) {
		t.Errorf("prior = %s, want 6", prior)
	}

	if _, _, err := s.TryDebit(ctx, "missing", decimal.NewFromInt(1)); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("TryDebit() on missing account error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.TryDebit(ctx, "a1", decimal.NewFromInt(3))
			if err != nil {
				t.Errorf("TryDebit() error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	acc, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount() error: %v", err)
	}
	if succeeded != 33 {
		t.Errorf("succeeded = %d, want 33", succeeded)
	}
	if !acc.Funds.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Funds = %s, want 1", acc.Funds)
	}
}

func TestApplyBorrowAndRepayDebt(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 0)

	ok, err := s.ApplyBorrow(ctx, "a1", decimal.NewFromInt(500))
	if err != nil || !ok {
		t.Fatalf("ApplyBorrow() = %v, %v", ok, err)
	}
	if ok, _ := s.ApplyBorrow(ctx, "a1", decimal.NewFromInt(500)); ok {
		t.Fatal("second ApplyBorrow() should be refused")
	}

	if _, _, err := s.TryDebit(ctx, "a1", decimal.NewFromInt(450)); err != nil {
		t.Fatalf("TryDebit() error: %v", err)
	}
	if _, err := s.Credit(ctx, "a1", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("Credit() error: %v", err)
	}

	repaid, after, err := s.RepayDebt(ctx, "a1")
	if err != nil {
		t.Fatalf("RepayDebt() error: %v", err)
	}
	if !repaid.Equal(decimal.NewFromInt(500)) || !after.Equal(decimal.NewFromInt(550)) {
		t.Errorf("RepayDebt() = %s, %s; want 500, 550", repaid, after)
	}

	repaid, _, err = s.RepayDebt(ctx, "a1")
	if err != nil || !repaid.IsZero() {
		t.Errorf("RepayDebt() without debt = %s, %v; want 0", repaid, err)
	}
}

func TestFundAndRepayCommitsTogether(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 0)
	if ok, err := s.ApplyBorrow(ctx, "a1", decimal.NewFromInt(500)); err != nil || !ok {
		t.Fatalf("ApplyBorrow() = %v, %v", ok, err)
	}
	if _, _, err := s.TryDebit(ctx, "a1", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("TryDebit() error: %v", err)
	}

	now := time.Now()
	fund := models.NewTransaction("a1", decimal.NewFromInt(300), models.FundMetadata{Reference: "r1"}, now)
	repay := models.NewTransaction("a1", decimal.Zero, models.DebtRepayMetadata{}, now)
	repaid, after, err := s.FundAndRepay(ctx, "a1", decimal.NewFromInt(300), fund, repay)
	if err != nil {
		t.Fatalf("FundAndRepay() error: %v", err)
	}
	if !repaid.Equal(decimal.NewFromInt(300)) || !after.IsZero() {
		t.Errorf("FundAndRepay() = %s, %s; want 300, 0", repaid, after)
	}
	if !fund.BalanceAfter.Equal(decimal.NewFromInt(300)) {
		t.Errorf("fund balance_after = %s, want 300", fund.BalanceAfter)
	}
	if !repay.Amount.Equal(decimal.NewFromInt(300)) || !repay.BalanceAfter.IsZero() {
		t.Errorf("repay entry = %+v", repay)
	}
	acc, _ := s.GetAccount(ctx, "a1")
	if !acc.Borrowed.Equal(decimal.NewFromInt(200)) {
		t.Errorf("borrowed = %s, want 200", acc.Borrowed)
	}

	plain := models.NewTransaction("a1", decimal.NewFromInt(50), models.FundMetadata{}, now)
	unused := models.NewTransaction("a1", decimal.Zero, models.DebtRepayMetadata{}, now)
	if _, _, err := s.FundAndRepay(ctx, "a1", decimal.NewFromInt(50), plain, unused); err != nil {
		t.Fatalf("FundAndRepay() error: %v", err)
	}
	entries, _ := s.ScanTransactions(ctx, "a1", models.TxDebtRepay, 0)
	if len(entries) != 2 {
		t.Errorf("debt_repay entries = %d, want 2", len(entries))
	}

	if _, _, err := s.FundAndRepay(ctx, "missing", decimal.NewFromInt(1), plain, unused); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("FundAndRepay() on missing account error = %v, want ErrNotFound", err)
	}
}

func TestBorrowAndAppendSkipsRefusedEntry(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 0)

	entry := models.NewTransaction("a1", decimal.NewFromInt(500), models.BorrowMetadata{Reason: "emergency_credit"}, time.Now())
	ok, err := s.BorrowAndAppend(ctx, "a1", decimal.NewFromInt(500), entry)
	if err != nil || !ok {
		t.Fatalf("BorrowAndAppend() = %v, %v", ok, err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance_after = %s, want 500", entry.BalanceAfter)
	}

	again := models.NewTransaction("a1", decimal.NewFromInt(500), models.BorrowMetadata{}, time.Now())
	if ok, err := s.BorrowAndAppend(ctx, "a1", decimal.NewFromInt(500), again); err != nil || ok {
		t.Fatalf("second BorrowAndAppend() = %v, %v; want refused", ok, err)
	}
	entries, _ := s.ScanTransactions(ctx, "a1", models.TxBorrow, 0)
	if len(entries) != 1 {
		t.Errorf("borrow entries = %d, want 1", len(entries))
	}
}

func TestDebitAndAppendFillsBalanceAfter(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 10)

	entry := models.NewTransaction("a1", decimal.NewFromInt(4), models.DeductionMetadata{ApplianceID: "APL-a1-1"}, time.Now())
	ok, _, err := s.DebitAndAppend(ctx, "a1", decimal.NewFromInt(4), entry)
	if err != nil || !ok {
		t.Fatalf("DebitAndAppend() = %v, %v", ok, err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(6)) || entry.Seq != 1 {
		t.Errorf("entry = %+v", entry)
	}

	refused := models.NewTransaction("a1", decimal.NewFromInt(40), models.DeductionMetadata{}, time.Now())
	ok, _, err = s.DebitAndAppend(ctx, "a1", decimal.NewFromInt(40), refused)
	if err != nil || ok {
		t.Fatalf("DebitAndAppend() = %v, %v; want refused", ok, err)
	}
	entries, _ := s.ScanTransactions(ctx, "a1", "", 0)
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(entries))
	}
}

func TestLatestByTypeBreaksTiesBySeq(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := models.NewTransaction("a1", decimal.NewFromInt(1), models.FundMetadata{Reference: "first"}, at)
	second := models.NewTransaction("a1", decimal.NewFromInt(2), models.FundMetadata{Reference: "second"}, at)
	older := models.NewTransaction("a1", decimal.NewFromInt(3), models.FundMetadata{Reference: "older"}, at.Add(-time.Hour))
	for _, tx := range []*models.Transaction{first, second, older} {
		if err := s.AppendTransaction(ctx, tx); err != nil {
			t.Fatalf("AppendTransaction() error: %v", err)
		}
	}

	latest, err := s.LatestByType(ctx, "a1", models.TxFund)
	if err != nil {
		t.Fatalf("LatestByType() error: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %v, want second entry", latest.Metadata)
	}

	list, _ := s.ListTransactions(ctx, "a1", 2)
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("ListTransactions() order wrong: %+v", list)
	}

	if _, err := s.LatestByType(ctx, "a1", models.TxWithdraw); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("LatestByType() error = %v, want ErrNotFound", err)
	}
}

func TestDisableAccountRemovesAppliances(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "a1", 10)

	if err := s.DisableAccount(ctx, "a1"); err != nil {
		t.Fatalf("DisableAccount() error: %v", err)
	}
	acc, _ := s.GetAccount(ctx, "a1")
	if !acc.Disabled {
		t.Error("account should be disabled")
	}
	meter, _ := s.GetMeter(ctx, "MTR-a1")
	if meter.Status != models.MeterDeleted {
		t.Errorf("meter status = %q, want deleted", meter.Status)
	}
	apps, _ := s.GetAppliancesByMeter(ctx, "MTR-a1")
	if len(apps) != 0 {
		t.Errorf("appliances left = %d, want 0", len(apps))
	}
}
