// Package memory is an in-process Store used for local runs and tests. A single
// RWMutex serialises writers, which makes every conditional balance update atomic.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	accounts   map[string]*models.Account
	meters     map[string]*models.Meter
	appliances map[string]*models.Appliance

	// Appliance ids per meter, in registration order.
	meterAppliances map[string][]string

	transactions []models.Transaction
	seq          int64
}

var (
	_ repository.Store          = (*Store)(nil)
	_ repository.AtomicRecorder = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:        make(map[string]*models.Account),
		meters:          make(map[string]*models.Meter),
		appliances:      make(map[string]*models.Appliance),
		meterAppliances: make(map[string][]string),
		transactions:    make([]models.Transaction, 0),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Account Store implementation

func (s *Store) CreateAccount(_ context.Context, account *models.Account, meter *models.Meter, appliances []models.Appliance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return repository.ErrAlreadyExists
	}
	for _, existing := range s.accounts {
		switch {
		case strings.EqualFold(existing.Email, account.Email):
			return &repository.DuplicateError{Field: "email"}
		case existing.Phone == account.Phone:
			return &repository.DuplicateError{Field: "phone"}
		case existing.Username == account.Username:
			return &repository.DuplicateError{Field: "username"}
		case existing.Address == account.Address:
			return &repository.DuplicateError{Field: "address"}
		}
	}
	if _, exists := s.meters[meter.ID]; exists {
		return &repository.DuplicateError{Field: "meter_id"}
	}

	acc := *account
	s.accounts[acc.ID] = &acc
	m := *meter
	s.meters[m.ID] = &m
	ids := make([]string, 0, len(appliances))
	for i := range appliances {
		a := appliances[i]
		s.appliances[a.ID] = &a
		ids = append(ids, a.ID)
	}
	s.meterAppliances[m.ID] = ids
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *acc
	return &out, nil
}

func (s *Store) GetAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acc := range s.accounts {
		if acc.Username == username {
			out := *acc
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) SetNotification(_ context.Context, accountID, notification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	acc.LastNotification = notification
	return nil
}

func (s *Store) DisableAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	acc.Disabled = true
	if m, ok := s.meters[acc.MeterID]; ok {
		m.Status = models.MeterDeleted
	}
	for _, id := range s.meterAppliances[acc.MeterID] {
		delete(s.appliances, id)
	}
	delete(s.meterAppliances, acc.MeterID)
	return nil
}

// Meter Store implementation

func (s *Store) GetMeter(_ context.Context, meterID string) (*models.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meters[meterID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *Store) IncrementMeterEnergy(_ context.Context, meterID string, kwh decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meters[meterID]
	if !ok {
		return repository.ErrNotFound
	}
	m.TotalEnergyKWh = m.TotalEnergyKWh.Add(kwh)
	return nil
}

// Appliance Store implementation

func (s *Store) GetAppliancesByMeter(_ context.Context, meterID string) ([]models.Appliance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.meterAppliances[meterID]
	result := make([]models.Appliance, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.appliances[id]; ok {
			result = append(result, copyAppliance(a))
		}
	}
	return result, nil
}

func (s *Store) GetAppliance(_ context.Context, applianceID string) (*models.Appliance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.appliances[applianceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyAppliance(a)
	return &out, nil
}

func (s *Store) UpdateApplianceState(_ context.Context, applianceID string, update models.ApplianceStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appliances[applianceID]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsOn = update.IsOn
	if update.ManualControl != nil {
		a.ManualControl = *update.ManualControl
	}
	if update.StartedAt != nil {
		started := *update.StartedAt
		a.Session = models.ApplianceSession{StartedAt: &started, AccumKWh: decimal.Zero}
	}
	return nil
}

func (s *Store) IncrementApplianceEnergy(_ context.Context, applianceID string, kwh decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appliances[applianceID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Session.AccumKWh = a.Session.AccumKWh.Add(kwh)
	a.TotalAccumKWh = a.TotalAccumKWh.Add(kwh)
	return nil
}

func (s *Store) TurnOffAll(_ context.Context, meterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.meterAppliances[meterID] {
		if a, ok := s.appliances[id]; ok {
			a.IsOn = false
			a.ManualControl = false
		}
	}
	return nil
}

// Balance Store implementation

func (s *Store) TryDebit(_ context.Context, accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.debitLocked(accountID, amount)
}

func (s *Store) Credit(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creditLocked(accountID, amount)
}

func (s *Store) ApplyBorrow(_ context.Context, accountID string, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.borrowLocked(accountID, amount)
}

func (s *Store) RepayDebt(_ context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.repayLocked(accountID)
}

func (s *Store) FundAndRepay(_ context.Context, accountID string, amount decimal.Decimal, fund, repay *models.Transaction) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	after, err := s.creditLocked(accountID, amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	fund.BalanceAfter = after
	s.appendLocked(fund)

	repaid, after, err := s.repayLocked(accountID)
	if err != nil || !repaid.IsPositive() {
		return decimal.Zero, after, err
	}
	repay.Amount = repaid
	repay.BalanceAfter = after
	s.appendLocked(repay)
	return repaid, after, nil
}

func (s *Store) BorrowAndAppend(_ context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.borrowLocked(accountID, amount)
	if err != nil || !ok {
		return ok, err
	}
	entry.BalanceAfter = amount
	s.appendLocked(entry)
	return true, nil
}

func (s *Store) borrowLocked(accountID string, amount decimal.Decimal) (bool, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !acc.Borrowed.IsZero() || !acc.Funds.IsZero() {
		return false, nil
	}
	acc.Funds = amount
	acc.Borrowed = amount
	return true, nil
}

func (s *Store) repayLocked(accountID string) (decimal.Decimal, decimal.Decimal, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, decimal.Zero, repository.ErrNotFound
	}
	pay := decimal.Min(acc.Funds, acc.Borrowed)
	if !pay.IsPositive() {
		return decimal.Zero, acc.Funds, nil
	}
	acc.Funds = acc.Funds.Sub(pay)
	acc.Borrowed = acc.Borrowed.Sub(pay)
	return pay, acc.Funds, nil
}

func (s *Store) DebitAndAppend(_ context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, prior, err := s.debitLocked(accountID, amount)
	if err != nil || !ok {
		return ok, prior, err
	}
	entry.BalanceAfter = prior.Sub(amount)
	s.appendLocked(entry)
	return true, prior, nil
}

func (s *Store) CreditAndAppend(_ context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	after, err := s.creditLocked(accountID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = after
	s.appendLocked(entry)
	return after, nil
}

func (s *Store) debitLocked(accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return false, decimal.Zero, repository.ErrNotFound
	}
	prior := acc.Funds
	if prior.LessThan(amount) {
		return false, prior, nil
	}
	acc.Funds = prior.Sub(amount)
	return true, prior, nil
}

func (s *Store) creditLocked(accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	acc.Funds = acc.Funds.Add(amount)
	return acc.Funds, nil
}

// Ledger Store implementation

func (s *Store) AppendTransaction(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(tx)
	return nil
}

func (s *Store) appendLocked(tx *models.Transaction) {
	s.seq++
	tx.Seq = s.seq
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	s.transactions = append(s.transactions, *tx)
}

func (s *Store) SumByType(_ context.Context, accountID string, txType models.TransactionType) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, tx := range s.transactions {
		if tx.AccountID == accountID && tx.Type == txType {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (s *Store) LatestByType(ctx context.Context, accountID string, txType models.TransactionType) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Transaction
	for i := range s.transactions {
		tx := &s.transactions[i]
		if tx.AccountID != accountID || tx.Type != txType {
			continue
		}
		if latest == nil || tx.Timestamp.After(latest.Timestamp) ||
			(tx.Timestamp.Equal(latest.Timestamp) && tx.Seq > latest.Seq) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	result := make([]models.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			result = append(result, tx)
		}
	}
	s.mu.RUnlock()

	repository.SortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) HasTransaction(_ context.Context, accountID string, txType models.TransactionType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.transactions {
		if tx.AccountID == accountID && tx.Type == txType {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ScanTransactions(_ context.Context, accountID string, txType models.TransactionType, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Transaction, 0)
	for _, tx := range s.transactions {
		if limit > 0 && len(result) >= limit {
			break
		}
		if tx.AccountID != accountID || (txType != "" && tx.Type != txType) {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}

func copyAppliance(a *models.Appliance) models.Appliance {
	out := *a
	if a.Session.StartedAt != nil {
		started := *a.Session.StartedAt
		out.Session.StartedAt = &started
	}
	return out
}
