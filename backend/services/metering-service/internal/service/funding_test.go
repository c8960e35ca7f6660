package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/repository/memory"
)

func bank(amount string) WithdrawRequest {
	return WithdrawRequest{
		Amount:        decimal.RequireFromString(amount),
		BankName:      "First Bank",
		AccountNumber: "0123456789",
		AccountName:   "Ada Obi",
	}
}

func TestFundRepaysDebtFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "400")

	result, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(1000), "ref-1")
	if err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if result.DebtRepay == nil || !result.DebtRepay.Amount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("DebtRepay = %+v, want 400", result.DebtRepay)
	}
	if !result.Funds.Equal(decimal.NewFromInt(600)) {
		t.Errorf("result funds = %s, want 600", result.Funds)
	}

	acc := f.account(t, "a1")
	if !acc.Funds.Equal(decimal.NewFromInt(600)) || !acc.Borrowed.IsZero() {
		t.Errorf("account funds=%s borrowed=%s, want 600 and 0", acc.Funds, acc.Borrowed)
	}

	txs := f.entries(t, "a1", "")
	if len(txs) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(txs))
	}
	if txs[0].Type != models.TxFund || !txs[0].Amount.Equal(decimal.NewFromInt(1000)) || !txs[0].BalanceAfter.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("first entry = %+v", txs[0])
	}
	if txs[1].Type != models.TxDebtRepay || !txs[1].BalanceAfter.Equal(decimal.NewFromInt(600)) {
		t.Errorf("second entry = %+v", txs[1])
	}
}

func TestFundClearsNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")
	if err := f.store.SetNotification(ctx, "a1", models.NotificationInsufficientFunds); err != nil {
		t.Fatal(err)
	}
	if _, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(5), ""); err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if got := f.account(t, "a1").LastNotification; got != "" {
		t.Errorf("LastNotification = %q, want cleared", got)
	}
}

func TestFundRejectsNonPositive(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")
	for _, amount := range []string{"0", "-5"} {
		if _, err := f.funding.Fund(context.Background(), "a1", decimal.RequireFromString(amount), ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Fund(%s) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if txs := f.entries(t, "a1", ""); len(txs) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(txs))
	}
}

func TestBorrowFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")

	if _, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(100), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.funding.Borrow(ctx, "a1"); !errors.Is(err, ErrBorrowNotAllowed) {
		t.Fatalf("Borrow() with funds error = %v, want ErrBorrowNotAllowed", err)
	}

	if ok, _, err := f.store.TryDebit(ctx, "a1", decimal.NewFromInt(100)); err != nil || !ok {
		t.Fatalf("TryDebit() = %v, %v", ok, err)
	}

	entry, err := f.funding.Borrow(ctx, "a1")
	if err != nil {
		t.Fatalf("Borrow() error: %v", err)
	}
	if entry.Type != models.TxBorrow || !entry.Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("borrow entry = %+v", entry)
	}
	acc := f.account(t, "a1")
	if !acc.Funds.Equal(decimal.NewFromInt(500)) || !acc.Borrowed.Equal(decimal.NewFromInt(500)) {
		t.Errorf("after borrow funds=%s borrowed=%s", acc.Funds, acc.Borrowed)
	}

	if _, err := f.funding.Borrow(ctx, "a1"); !errors.Is(err, ErrBorrowNotAllowed) {
		t.Errorf("second Borrow() error = %v, want ErrBorrowNotAllowed", err)
	}

	result, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(200), "")
	if err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if result.DebtRepay == nil || !result.DebtRepay.Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("repaid = %+v, want 500", result.DebtRepay)
	}
	acc = f.account(t, "a1")
	if !acc.Funds.Equal(decimal.NewFromInt(200)) || !acc.Borrowed.IsZero() {
		t.Errorf("after repay funds=%s borrowed=%s, want 200 and 0", acc.Funds, acc.Borrowed)
	}
}

func TestWithdrawFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")
	if _, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(1000), ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.funding.Withdraw(ctx, "a1", bank("400")); !errors.Is(err, ErrWithdrawLimit) {
		t.Fatalf("Withdraw(400) error = %v, want ErrWithdrawLimit", err)
	}

	entry, err := f.funding.Withdraw(ctx, "a1", bank("300"))
	if err != nil {
		t.Fatalf("Withdraw(300) error: %v", err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(700)) {
		t.Errorf("BalanceAfter = %s, want 700", entry.BalanceAfter)
	}
	meta, ok := entry.Metadata.(models.WithdrawMetadata)
	if !ok || meta.BankName != "First Bank" {
		t.Errorf("metadata = %#v", entry.Metadata)
	}

	if _, err := f.funding.Withdraw(ctx, "a1", bank("10")); !errors.Is(err, ErrWithdrawNotAllowed) {
		t.Fatalf("Withdraw() in cooldown error = %v, want ErrWithdrawNotAllowed", err)
	}

	f.clock.Advance(30 * 24 * time.Hour)
	max, err := f.policy.MaxWithdrawAmount(ctx, f.account(t, "a1"))
	if err != nil || !max.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("MaxWithdrawAmount() = %s, %v; want 210", max, err)
	}
	if _, err := f.funding.Withdraw(ctx, "a1", bank("210")); err != nil {
		t.Fatalf("Withdraw(210) error: %v", err)
	}
	if got := f.account(t, "a1").Funds; !got.Equal(decimal.NewFromInt(490)) {
		t.Errorf("Funds = %s, want 490", got)
	}
}

func TestWithdrawValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "100", "0")

	req := bank("10")
	req.BankName = "  "
	_, err := f.funding.Withdraw(context.Background(), "a1", req)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "bank_name" {
		t.Errorf("Withdraw() error = %v, want bank_name validation error", err)
	}

	if _, err := f.funding.Withdraw(context.Background(), "a1", bank("0")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Withdraw(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestConcurrentWithdrawOnlyOnePasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")
	if _, err := f.funding.Fund(ctx, "a1", decimal.NewFromInt(1000), ""); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.funding.Withdraw(ctx, "a1", bank("100")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("succeeded withdrawals = %d, want 1", succeeded)
	}
}

func TestFundingAndTicksKeepLedgerConsistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, constSampler(0))
	f.addAccount(t, "a1", "0", "0", manualOn("APL-1", 1000), automatic("APL-2", models.ApplianceRefrigerator, 150))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.funding.Fund(ctx, "a1", decimal.NewFromFloat(0.5), ""); err != nil {
				t.Errorf("Fund() error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			acc, err := f.store.GetAccount(ctx, "a1")
			if err != nil {
				t.Errorf("GetAccount() error: %v", err)
				return
			}
			if _, err := f.engine.ProcessMeter(ctx, acc, tick); err != nil {
				t.Errorf("ProcessMeter() error: %v", err)
			}
		}()
	}
	wg.Wait()

	acc := f.account(t, "a1")
	if acc.Funds.IsNegative() {
		t.Fatalf("funds went negative: %s", acc.Funds)
	}
	rec, err := NewReconciler(f.store, f.ledger).Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if !rec.Consistent() {
		t.Errorf("ledger drift funds=%s borrowed=%s", rec.FundsDrift, rec.BorrowedDrift)
	}
	if !rec.Totals[models.TxFund].Equal(decimal.NewFromInt(10)) {
		t.Errorf("fund total = %s, want 10", rec.Totals[models.TxFund])
	}
}

// racingStore spends a tick's cost between the credit and the repayment whenever the
// two reach the store as separate calls.
type racingStore struct {
	*memory.Store
	tick  decimal.Decimal
	raced bool
}

func (r *racingStore) RepayDebt(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	if !r.raced {
		r.raced = true
		if _, _, err := r.Store.TryDebit(ctx, accountID, r.tick); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	return r.Store.RepayDebt(ctx, accountID)
}

// splitStore hides the atomic recorder, leaving only the separate store calls.
type splitStore struct {
	repository.Store
	repayErr error
}

func (s *splitStore) RepayDebt(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	if s.repayErr != nil {
		return decimal.Zero, decimal.Zero, s.repayErr
	}
	return s.Store.RepayDebt(ctx, accountID)
}

func fundingOver(f *fixture, store FundingStore) *Funding {
	return NewFunding(store, NewBalanceController(store, zap.NewNop()), f.policy, nil, f.clock, zap.NewNop())
}

func TestFundRepaysBeforeATickCanSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "400")
	racing := &racingStore{Store: f.store, tick: decimal.NewFromInt(700)}

	result, err := fundingOver(f, racing).Fund(ctx, "a1", decimal.NewFromInt(1000), "ref-1")
	if err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if racing.raced {
		t.Fatal("repayment ran as a separate store call")
	}
	if !result.Funds.Equal(decimal.NewFromInt(600)) {
		t.Errorf("result funds = %s, want 600", result.Funds)
	}

	acc := f.account(t, "a1")
	if !acc.Funds.Equal(decimal.NewFromInt(600)) || !acc.Borrowed.IsZero() {
		t.Fatalf("account funds=%s borrowed=%s, want 600 and 0", acc.Funds, acc.Borrowed)
	}
	if ok, _, err := f.balance.TryDebit(ctx, "a1", decimal.NewFromInt(700)); err != nil || ok {
		t.Errorf("TryDebit(700) after repayment = %v, %v; want refused", ok, err)
	}
}

func TestFundWithoutAtomicRecorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "400")

	result, err := fundingOver(f, &splitStore{Store: f.store}).Fund(ctx, "a1", decimal.NewFromInt(1000), "ref-1")
	if err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if result.DebtRepay == nil || !result.DebtRepay.Amount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("DebtRepay = %+v, want 400", result.DebtRepay)
	}
	acc := f.account(t, "a1")
	if !acc.Funds.Equal(decimal.NewFromInt(600)) || !acc.Borrowed.IsZero() {
		t.Errorf("account funds=%s borrowed=%s, want 600 and 0", acc.Funds, acc.Borrowed)
	}
	if got := len(f.entries(t, "a1", models.TxDebtRepay)); got != 1 {
		t.Errorf("debt_repay entries = %d, want 1", got)
	}
}

func TestFundSucceedsWhenRepaymentFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "400")
	store := &splitStore{Store: f.store, repayErr: repository.ErrStoreUnavailable}

	result, err := fundingOver(f, store).Fund(ctx, "a1", decimal.NewFromInt(1000), "ref-1")
	if err != nil {
		t.Fatalf("Fund() error = %v, want the committed top-up reported", err)
	}
	if result.DebtRepay != nil || !result.Funds.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("result = %+v, want funds 1000 and no repayment", result)
	}
	if got := len(f.entries(t, "a1", models.TxFund)); got != 1 {
		t.Errorf("fund entries = %d, want 1", got)
	}

	store.repayErr = nil
	if _, err := fundingOver(f, store).Fund(ctx, "a1", decimal.NewFromInt(1), "ref-2"); err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if acc := f.account(t, "a1"); !acc.Borrowed.IsZero() || !acc.Funds.Equal(decimal.NewFromInt(601)) {
		t.Errorf("after next top-up funds=%s borrowed=%s, want 601 and 0", acc.Funds, acc.Borrowed)
	}
}

func TestBorrowWithoutAtomicRecorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "0", "0")
	f.appendEntry(t, "a1", "100", models.FundMetadata{}, f.clock.Now())

	entry, err := fundingOver(f, &splitStore{Store: f.store}).Borrow(ctx, "a1")
	if err != nil {
		t.Fatalf("Borrow() error: %v", err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance_after = %s, want 500", entry.BalanceAfter)
	}
	if got := len(f.entries(t, "a1", models.TxBorrow)); got != 1 {
		t.Errorf("borrow entries = %d, want 1", got)
	}
}

func TestDebtRepayStandalone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addAccount(t, "a1", "300", "500")

	entry, err := f.funding.DebtRepay(ctx, "a1")
	if err != nil {
		t.Fatalf("DebtRepay() error: %v", err)
	}
	if entry == nil || !entry.Amount.Equal(decimal.NewFromInt(300)) || !entry.BalanceAfter.IsZero() {
		t.Fatalf("DebtRepay() entry = %+v, want 300 leaving 0", entry)
	}
	if acc := f.account(t, "a1"); !acc.Borrowed.Equal(decimal.NewFromInt(200)) {
		t.Errorf("borrowed = %s, want 200", acc.Borrowed)
	}

	entry, err = f.funding.DebtRepay(ctx, "a1")
	if err != nil || entry != nil {
		t.Errorf("DebtRepay() with no funds = %+v, %v; want nil, nil", entry, err)
	}
}
