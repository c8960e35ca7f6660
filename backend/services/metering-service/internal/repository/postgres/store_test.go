package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"prepaidmeter/backend/libs/db"
	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("METERING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("METERING_TEST_POSTGRES_DSN not set")
	}
	conn, err := db.NewPostgresDB(context.Background(), dsn, db.Pool{MaxOpen: 4})
	if err != nil {
		t.Fatalf("NewPostgresDB() error: %v", err)
	}
	if err := Migrate(context.Background(), conn); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn)
}

func createAccount(t *testing.T, s *Store, funds int64) *models.Account {
	t.Helper()
	suffix := uuid.NewString()[:8]
	now := time.Now().UTC()
	acc := &models.Account{
		ID:           "acc-" + suffix,
		Username:     "user-" + suffix,
		Email:        suffix + "@example.com",
		Phone:        "+234" + suffix,
		Address:      suffix + " Allen Avenue",
		PasswordHash: "x",
		Role:         "user",
		Funds:        decimal.NewFromInt(funds),
		MeterID:      "MTR-" + suffix,
		RegisteredAt: now,
	}
	meter := &models.Meter{ID: acc.MeterID, AccountID: acc.ID, Address: acc.Address, Status: models.MeterActive, CreatedAt: now}
	appliances := []models.Appliance{
		{ID: "APL-" + suffix, MeterID: acc.MeterID, Type: models.ApplianceFan, Location: "bedroom", PowerRatingW: 60, CreatedAt: now},
	}
	if err := s.CreateAccount(context.Background(), acc, meter, appliances); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	return acc
}

func TestPostgresDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	acc := createAccount(t, s, 0)

	dup := *acc
	dup.ID = acc.ID + "-2"
	dup.Email = "other-" + acc.Email
	dup.Phone = acc.Phone + "9"
	dup.Address = acc.Address + " 2"
	dup.MeterID = acc.MeterID + "-2"
	err := s.CreateAccount(context.Background(), &dup, &models.Meter{ID: dup.MeterID, AccountID: dup.ID, Status: models.MeterActive}, nil)

	var dupErr *repository.DuplicateError
	if !errors.As(err, &dupErr) || dupErr.Field != "username" {
		t.Fatalf("CreateAccount() error = %v, want duplicate username", err)
	}
}

func TestPostgresConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := createAccount(t, s, 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := models.NewTransaction(acc.ID, decimal.NewFromInt(1), models.DeductionMetadata{ApplianceID: "APL"}, time.Now())
			if _, _, err := s.DebitAndAppend(ctx, acc.ID, decimal.NewFromInt(1), entry); err != nil {
				t.Errorf("DebitAndAppend() error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("GetAccount() error: %v", err)
	}
	if !got.Funds.IsZero() {
		t.Errorf("Funds = %s, want 0", got.Funds)
	}
	sum, err := s.SumByType(ctx, acc.ID, models.TxDeduction)
	if err != nil {
		t.Fatalf("SumByType() error: %v", err)
	}
	if !sum.Equal(decimal.NewFromInt(10)) {
		t.Errorf("deductions = %s, want 10", sum)
	}
}

func TestPostgresBorrowAndRepay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := createAccount(t, s, 0)

	ok, err := s.ApplyBorrow(ctx, acc.ID, decimal.NewFromInt(500))
	if err != nil || !ok {
		t.Fatalf("ApplyBorrow() = %v, %v", ok, err)
	}
	if _, err := s.Credit(ctx, acc.ID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Credit() error: %v", err)
	}
	repaid, after, err := s.RepayDebt(ctx, acc.ID)
	if err != nil {
		t.Fatalf("RepayDebt() error: %v", err)
	}
	if !repaid.Equal(decimal.NewFromInt(500)) || !after.Equal(decimal.NewFromInt(100)) {
		t.Errorf("RepayDebt() = %s, %s; want 500, 100", repaid, after)
	}
}

func TestPostgresFundAndRepay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := createAccount(t, s, 0)

	borrow := models.NewTransaction(acc.ID, decimal.NewFromInt(500), models.BorrowMetadata{Reason: "emergency_credit"}, time.Now())
	if ok, err := s.BorrowAndAppend(ctx, acc.ID, decimal.NewFromInt(500), borrow); err != nil || !ok {
		t.Fatalf("BorrowAndAppend() = %v, %v", ok, err)
	}
	if _, _, err := s.TryDebit(ctx, acc.ID, decimal.NewFromInt(500)); err != nil {
		t.Fatalf("TryDebit() error: %v", err)
	}

	fund := models.NewTransaction(acc.ID, decimal.NewFromInt(800), models.FundMetadata{Reference: "r1"}, time.Now())
	repay := models.NewTransaction(acc.ID, decimal.Zero, models.DebtRepayMetadata{}, time.Now())
	repaid, after, err := s.FundAndRepay(ctx, acc.ID, decimal.NewFromInt(800), fund, repay)
	if err != nil {
		t.Fatalf("FundAndRepay() error: %v", err)
	}
	if !repaid.Equal(decimal.NewFromInt(500)) || !after.Equal(decimal.NewFromInt(300)) {
		t.Errorf("FundAndRepay() = %s, %s; want 500, 300", repaid, after)
	}
	if !fund.BalanceAfter.Equal(decimal.NewFromInt(800)) || !repay.BalanceAfter.Equal(decimal.NewFromInt(300)) {
		t.Errorf("balance_after fund=%s repay=%s, want 800 and 300", fund.BalanceAfter, repay.BalanceAfter)
	}

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("GetAccount() error: %v", err)
	}
	if !got.Borrowed.IsZero() || !got.Funds.Equal(decimal.NewFromInt(300)) {
		t.Errorf("account funds=%s borrowed=%s, want 300 and 0", got.Funds, got.Borrowed)
	}
	entries, err := s.ScanTransactions(ctx, acc.ID, "", 0)
	if err != nil || len(entries) != 3 {
		t.Errorf("ScanTransactions() = %d entries, %v; want 3", len(entries), err)
	}
}

func TestPostgresLedgerReads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := createAccount(t, s, 0)
	at := time.Now().UTC().Truncate(time.Microsecond)

	first := models.NewTransaction(acc.ID, decimal.NewFromInt(100), models.WithdrawMetadata{BankName: "GTB"}, at)
	second := models.NewTransaction(acc.ID, decimal.NewFromInt(50), models.WithdrawMetadata{BankName: "Zenith"}, at)
	for _, tx := range []*models.Transaction{first, second} {
		if err := s.AppendTransaction(ctx, tx); err != nil {
			t.Fatalf("AppendTransaction() error: %v", err)
		}
	}

	latest, err := s.LatestByType(ctx, acc.ID, models.TxWithdraw)
	if err != nil {
		t.Fatalf("LatestByType() error: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}
	meta, ok := latest.Metadata.(models.WithdrawMetadata)
	if !ok || meta.BankName != "Zenith" {
		t.Errorf("metadata = %#v", latest.Metadata)
	}

	scanned, err := s.ScanTransactions(ctx, acc.ID, "", 0)
	if err != nil {
		t.Fatalf("ScanTransactions() error: %v", err)
	}
	if len(scanned) != 2 || scanned[0].ID != first.ID {
		t.Errorf("ScanTransactions() = %+v", scanned)
	}
}
