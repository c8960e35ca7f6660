package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/metrics"
	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

// EngineStore is the part of the store the engine reads and mutates per tick.
type EngineStore interface {
	repository.ApplianceStore
	repository.MeterStore
	SetNotification(ctx context.Context, accountID, notification string) error
}

// TickResult summarises what one tick did to an account.
type TickResult struct {
	AccountID    string
	MeterID      string
	Funds        decimal.Decimal
	EnergyKWh    decimal.Decimal
	Cost         decimal.Decimal
	Debits       int
	AppliancesOn []string
	ShutOff      bool
}

// Engine decides appliance state and bills the energy drawn during a tick.
type Engine struct {
	store     EngineStore
	balance   *BalanceController
	price     decimal.Decimal
	clock     Clock
	sampler   Sampler
	publisher Publisher
	logger    *zap.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithSampler replaces the random source of the occupancy model.
func WithSampler(s Sampler) EngineOption {
	return func(e *Engine) { e.sampler = s }
}

// WithPublisher sends tick events to p.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine builds an engine billing at pricePerKWh.
func NewEngine(store EngineStore, balance *BalanceController, pricePerKWh decimal.Decimal, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		balance:   balance,
		price:     pricePerKWh,
		clock:     SystemClock(),
		sampler:   DefaultSampler,
		publisher: nopPublisher{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock { return e.clock }

// decide returns the state the appliance should be in this tick.
func (e *Engine) decide(a *models.Appliance, hour int) bool {
	if a.ManualControl {
		return a.IsOn
	}
	return e.sampler.Float64() < OnProbability(a.Type, hour)
}

// ProcessMeter runs one tick for account. The account is the snapshot loaded at the
// start of the tick; its funds gate whether any energy is drawn at all.
//
// Failures on a single appliance are logged and the next appliance is processed. The
// returned error is non-nil only when the tick could not run at all.
func (e *Engine) ProcessMeter(ctx context.Context, account *models.Account, tick time.Duration) (TickResult, error) {
	now := e.clock.Now()
	result := TickResult{
		AccountID: account.ID,
		MeterID:   account.MeterID,
		Funds:     account.Funds,
		EnergyKWh: decimal.Zero,
		Cost:      decimal.Zero,
	}
	log := e.logger.With(zap.String("account_id", account.ID), zap.String("meter_id", account.MeterID))

	if !account.Funds.IsPositive() {
		if err := e.store.TurnOffAll(ctx, account.MeterID); err != nil {
			return result, fmt.Errorf("engine: shut off empty meter: %w", err)
		}
		result.ShutOff = true
		e.publish(result, EventShutdown, models.NotificationInsufficientFunds, now)
		return result, nil
	}

	appliances, err := e.store.GetAppliancesByMeter(ctx, account.MeterID)
	if err != nil {
		return result, fmt.Errorf("engine: load appliances: %w", err)
	}

	hour := now.Hour()
	for i := range appliances {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		a := &appliances[i]
		on := e.decide(a, hour)

		switch {
		case on && !a.IsOn:
			started := now
			if err := e.store.UpdateApplianceState(ctx, a.ID, models.ApplianceStateUpdate{IsOn: true, StartedAt: &started}); err != nil {
				log.Warn("switch appliance on", zap.String("appliance_id", a.ID), zap.Error(err))
				continue
			}
		case !on && a.IsOn && !a.ManualControl:
			if err := e.store.UpdateApplianceState(ctx, a.ID, models.ApplianceStateUpdate{IsOn: false}); err != nil {
				log.Warn("switch appliance off", zap.String("appliance_id", a.ID), zap.Error(err))
			}
			continue
		}
		if !on {
			continue
		}

		kwh := EnergyForTick(a.PowerRatingW, tick)
		if err := e.store.IncrementApplianceEnergy(ctx, a.ID, kwh); err != nil {
			log.Warn("accumulate appliance energy", zap.String("appliance_id", a.ID), zap.Error(err))
			continue
		}
		metrics.EnergyKWh.Add(kwh.InexactFloat64())
		result.EnergyKWh = result.EnergyKWh.Add(kwh)

		cost := kwh.Mul(e.price)
		if !cost.IsPositive() {
			result.AppliancesOn = append(result.AppliancesOn, a.ID)
			continue
		}
		entry := models.NewTransaction(account.ID, cost, models.DeductionMetadata{ApplianceID: a.ID, EnergyKWh: kwh}, now)
		ok, prior, err := e.balance.DebitWithEntry(ctx, account.ID, cost, entry)
		if err != nil {
			metrics.Debits.WithLabelValues(metrics.DebitError).Inc()
			log.Warn("debit appliance energy", zap.String("appliance_id", a.ID), zap.Error(err))
			continue
		}
		if !ok {
			metrics.Debits.WithLabelValues(metrics.DebitInsufficient).Inc()
			result.Funds = prior
			e.cutOff(ctx, log, account, a.ID, cost, prior)
			result.ShutOff = true
			result.AppliancesOn = nil
			e.publish(result, EventShutdown, models.NotificationInsufficientFunds, now)
			return result, nil
		}

		metrics.Debits.WithLabelValues(metrics.DebitOK).Inc()
		if err := e.store.IncrementMeterEnergy(ctx, account.MeterID, kwh); err != nil {
			log.Warn("accumulate meter energy", zap.Error(err))
		}
		result.Funds = prior.Sub(cost)
		result.Cost = result.Cost.Add(cost)
		result.Debits++
		result.AppliancesOn = append(result.AppliancesOn, a.ID)
	}

	e.publish(result, EventTick, "", now)
	return result, nil
}

// cutOff switches the offending appliance off, flags the account and turns the whole
// meter off. Remaining appliances are not processed this tick.
func (e *Engine) cutOff(ctx context.Context, log *zap.Logger, account *models.Account, applianceID string, cost, funds decimal.Decimal) {
	metrics.Shutoffs.Inc()
	log.Info("insufficient funds, shutting meter off",
		zap.String("appliance_id", applianceID),
		zap.String("cost", cost.String()),
		zap.String("funds", funds.String()),
	)
	if err := e.store.UpdateApplianceState(ctx, applianceID, models.ApplianceStateUpdate{IsOn: false}); err != nil {
		log.Warn("switch offending appliance off", zap.String("appliance_id", applianceID), zap.Error(err))
	}
	if err := e.store.SetNotification(ctx, account.ID, models.NotificationInsufficientFunds); err != nil {
		log.Warn("flag insufficient funds", zap.Error(err))
	}
	if err := e.store.TurnOffAll(ctx, account.MeterID); err != nil {
		log.Warn("turn meter off", zap.Error(err))
	}
}

func (e *Engine) publish(r TickResult, kind EventKind, reason string, at time.Time) {
	on := r.AppliancesOn
	if on == nil {
		on = []string{}
	}
	e.publisher.Publish(TickEvent{
		Kind:         kind,
		AccountID:    r.AccountID,
		MeterID:      r.MeterID,
		Funds:        r.Funds,
		EnergyKWh:    r.EnergyKWh,
		Cost:         r.Cost,
		AppliancesOn: on,
		Reason:       reason,
		At:           at,
	})
}
