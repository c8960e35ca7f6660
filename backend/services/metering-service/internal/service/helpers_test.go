package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/repository/memory"
)

var testPrice = decimal.NewFromInt(150)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// constSampler always returns the same sample.
type constSampler float64

func (s constSampler) Float64() float64 { return float64(s) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []TickEvent
}

func (p *recordingPublisher) Publish(e TickEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Events() []TickEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TickEvent(nil), p.events...)
}

// fixture wires the services over an in-memory store.
type fixture struct {
	store     *memory.Store
	ledger    *repository.Ledger
	clock     *fakeClock
	balance   *BalanceController
	engine    *Engine
	policy    *Policy
	funding   *Funding
	publisher *recordingPublisher
}

func newFixture(t *testing.T, sampler Sampler) *fixture {
	t.Helper()
	if sampler == nil {
		sampler = constSampler(0.99)
	}
	store := memory.New()
	clock := newFakeClock(time.Date(2024, 7, 15, 20, 0, 0, 0, time.UTC))
	ledger := repository.NewLedger(store, 0, zap.NewNop())
	balance := NewBalanceController(store, zap.NewNop())
	pub := &recordingPublisher{}
	engine := NewEngine(store, balance, testPrice, zap.NewNop(),
		WithClock(clock), WithSampler(sampler), WithPublisher(pub))
	policy := NewPolicy(ledger, clock, PolicyConfig{BorrowAmount: decimal.NewFromInt(500)})
	funding := NewFunding(store, balance, policy, nil, clock, zap.NewNop())
	return &fixture{
		store:     store,
		ledger:    ledger,
		clock:     clock,
		balance:   balance,
		engine:    engine,
		policy:    policy,
		funding:   funding,
		publisher: pub,
	}
}

// addAccount stores an account with the given balances and appliances.
func (f *fixture) addAccount(t *testing.T, id, funds, borrowed string, appliances ...models.Appliance) *models.Account {
	t.Helper()
	meterID := "MTR-20240715-" + id
	acc := &models.Account{
		ID:           id,
		Username:     "user-" + id,
		Email:        id + "@example.com",
		Phone:        "+234-" + id,
		Address:      id + " Broad Street",
		Role:         roleUser,
		Funds:        decimal.RequireFromString(funds),
		Borrowed:     decimal.RequireFromString(borrowed),
		MeterID:      meterID,
		RegisteredAt: f.clock.Now(),
	}
	for i := range appliances {
		appliances[i].MeterID = meterID
	}
	meter := &models.Meter{ID: meterID, AccountID: id, Status: models.MeterActive, CreatedAt: f.clock.Now()}
	if err := f.store.CreateAccount(context.Background(), acc, meter, appliances); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	return acc
}

func (f *fixture) account(t *testing.T, id string) *models.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s) error: %v", id, err)
	}
	return acc
}

func (f *fixture) entries(t *testing.T, accountID string, txType models.TransactionType) []models.Transaction {
	t.Helper()
	txs, err := f.store.ScanTransactions(context.Background(), accountID, txType, 0)
	if err != nil {
		t.Fatalf("ScanTransactions() error: %v", err)
	}
	return txs
}

func manualOn(id string, watts int) models.Appliance {
	return models.Appliance{ID: id, Type: models.ApplianceCookingGas, PowerRatingW: watts, IsOn: true, ManualControl: true}
}

func automatic(id string, typ models.ApplianceType, watts int) models.Appliance {
	return models.Appliance{ID: id, Type: typ, PowerRatingW: watts}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
